// SPDX-License-Identifier: BSD-3-Clause

// Package cleanup defines the deferred-work messages a per-BMP worker
// (C4) pushes once it finishes executing a Request, and the completion
// applier (C5) drains and applies inside a store transaction. Per the
// design note in §9, these are plain data messages carrying everything
// the applier needs, not closures over worker-local state.
package cleanup

import "github.com/spinnaker/bmpctl/internal/request"

// PowerOutcome is the result of one worker attempt at a PowerRequest.
type PowerOutcome struct {
	Request *request.PowerRequest

	// Err is nil on success. On failure it is the classified hardware
	// error that ended the retry loop.
	Err error

	// Quarantine is non-nil when the failure was a PermanentFailure
	// encountered while moving the job to READY on a request that
	// included at least one power-on, identifying the board to mark
	// dead.
	Quarantine *QuarantineBoard
}

// QuarantineBoard names the board a PermanentFailure was attributed to.
type QuarantineBoard struct {
	BoardID     int64
	BoardNumber int
}

// BlacklistOutcome is the result of one worker attempt at a
// BlacklistRequest.
type BlacklistOutcome struct {
	Request *request.BlacklistRequest

	// Err is nil on success.
	Err error

	// Blacklist and Serial are populated on a successful READ.
	Blacklist string
	Serial    string
}

// Kind discriminates the Task variant.
type Kind int

const (
	KindPower Kind = iota
	KindBlacklist
)

// Task is the tagged variant pushed onto the cleanup queue.
type Task struct {
	Kind      Kind
	Power     *PowerOutcome
	Blacklist *BlacklistOutcome
}

// NewPower wraps a PowerOutcome as a Task.
func NewPower(o *PowerOutcome) Task { return Task{Kind: KindPower, Power: o} }

// NewBlacklist wraps a BlacklistOutcome as a Task.
func NewBlacklist(o *BlacklistOutcome) Task { return Task{Kind: KindBlacklist, Blacklist: o} }

// PostTask is deferred work the applier schedules to run only after its
// transaction commits, e.g. sending an operator email following a
// successful quarantine.
type PostTask struct {
	BoardID int64
	Message string
}
