// SPDX-License-Identifier: BSD-3-Clause

package store

import "time"

// Job lifecycle states, mirrored from pkg/state to avoid a cyclic import
// from store back into the FSM package.
const (
	JobStateQueued    = "QUEUED"
	JobStatePower     = "POWER"
	JobStateReady     = "READY"
	JobStateDestroyed = "DESTROYED"
	JobStateUnknown   = "UNKNOWN"
)

// BlacklistOpKind names the three blacklist operations the controller can
// be asked to perform against a board.
type BlacklistOpKind string

const (
	BlacklistOpRead      BlacklistOpKind = "READ"
	BlacklistOpWrite     BlacklistOpKind = "WRITE"
	BlacklistOpGetSerial BlacklistOpKind = "GET_SERIAL"
)

// BMPCoords identifies one management processor within a machine by its
// (cabinet, frame) pair. Coords{0,0} is always the root BMP.
type BMPCoords struct {
	Cabinet int
	Frame   int
}

// IsRoot reports whether c is the root BMP of its machine.
func (c BMPCoords) IsRoot() bool { return c.Cabinet == 0 && c.Frame == 0 }

// ChangeRow is one row of the pending-change queue.
type ChangeRow struct {
	ChangeID    int64
	JobID       int64
	BoardID     int64
	Machine     string
	FromState   string
	ToState     string
	TurnOn      bool
	LinkN       bool
	LinkS       bool
	LinkE       bool
	LinkW       bool
	LinkSW      bool
	LinkNE      bool
	InProgress  bool
}

// BlacklistOpRow is one row of the pending-blacklist-ops queue.
type BlacklistOpRow struct {
	OpID             int64
	BoardID          int64
	Machine          string
	Coords           BMPCoords
	BoardNumber      int
	Kind             BlacklistOpKind
	ExpectedSerial   string
	PayloadIfWrite   string
	Completed        bool
	FailureException string
	ResultBlacklist  string
}

// BoardRow is one row of the boards table.
type BoardRow struct {
	ID             int64
	Machine        string
	X, Y, Z        int
	Coords         BMPCoords
	BoardNumber    int
	IP             string
	Power          bool
	Functioning    bool
	BMPSerial      string
	PhysicalSerial string
	LastPowerOn    time.Time
	LastPowerOff   time.Time
}

// JobRow is one row of the jobs table.
type JobRow struct {
	ID    int64
	State string
}

// BoardIdentity is the (BMP coordinates, physical board number, IP)
// tuple the request taker resolves while the store lock is held, so that
// workers never need to touch the store themselves.
type BoardIdentity struct {
	BoardID     int64
	Coords      BMPCoords
	BoardNumber int
	IP          string
}
