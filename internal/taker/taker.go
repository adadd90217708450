// SPDX-License-Identifier: BSD-3-Clause

// Package taker implements the Request Taker (C3): it runs inside one
// store transaction per controller tick, draining the pending-change and
// pending-blacklist-op queues into in-memory request.Request values,
// marking every covered change row in-progress in the same transaction so
// that a crash before commit leaves nothing half-taken.
package taker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spinnaker/bmpctl/internal/busyjobs"
	"github.com/spinnaker/bmpctl/internal/request"
	"github.com/spinnaker/bmpctl/internal/store"
)

// Taker drains pending store work into Requests.
type Taker struct {
	db   *store.Store
	busy *busyjobs.Set
	log  *slog.Logger
}

// New constructs a Taker bound to db and the shared busy-jobs set.
func New(db *store.Store, busy *busyjobs.Set, log *slog.Logger) *Taker {
	if log == nil {
		log = slog.Default()
	}
	return &Taker{db: db, busy: busy, log: log}
}

// Take runs one transactional drain pass over every in-service machine,
// per §4.3, and returns the Requests ready for dispatch to a worker.
func (t *Taker) Take(ctx context.Context) ([]request.Request, error) {
	var out []request.Request

	err := t.db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		machines, err := tx.InServiceMachines(ctx)
		if err != nil {
			return fmt.Errorf("list in-service machines: %w", err)
		}

		for _, machine := range machines {
			jobIDs, err := tx.JobIDsWithPendingChanges(ctx, machine)
			if err != nil {
				return fmt.Errorf("list pending job-ids for %s: %w", machine, err)
			}

			for _, jobID := range jobIDs {
				if t.busy.Contains(jobID) {
					continue
				}

				req, err := t.takeJob(ctx, tx, machine, jobID)
				if err != nil {
					return err
				}
				if req != nil {
					out = append(out, *req)
				}
			}

			blacklistReqs, err := t.takeBlacklistOps(ctx, tx, machine)
			if err != nil {
				return err
			}
			out = append(out, blacklistReqs...)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// takeJob builds the single PowerRequest for jobID's pending changes, or
// applies the "all cancel" shortcut directly, returning nil in that case
// (and in the to==UNKNOWN skip case).
func (t *Taker) takeJob(ctx context.Context, tx *store.Tx, machine string, jobID int64) (*request.Request, error) {
	rows, err := tx.PendingChangesForJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list pending changes for job %d: %w", jobID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	fromState, toState := rows[0].FromState, rows[0].ToState
	for _, r := range rows[1:] {
		if r.FromState != fromState || r.ToState != toState {
			return nil, fmt.Errorf("job %d: %w", jobID, store.ErrAmbiguousTransition)
		}
	}

	// The allocator leaves the target state UNKNOWN only by mistake; the
	// specification deliberately does not invent a default here.
	if toState == store.JobStateUnknown {
		t.log.Warn("pending changes target unknown job state, skipping", "job_id", jobID, "machine", machine)
		return nil, nil
	}

	allCancel := true
	for _, r := range rows {
		power, err := tx.BoardPower(ctx, r.BoardID)
		if err != nil {
			return nil, fmt.Errorf("read board %d power: %w", r.BoardID, err)
		}
		hasLinkChange := r.LinkN || r.LinkS || r.LinkE || r.LinkW || r.LinkSW || r.LinkNE
		if power != r.TurnOn || hasLinkChange {
			allCancel = false
			break
		}
	}

	changeIDs := make([]int64, len(rows))
	for i, r := range rows {
		changeIDs[i] = r.ChangeID
	}

	if allCancel {
		if err := tx.SetJobState(ctx, jobID, toState); err != nil {
			return nil, fmt.Errorf("set job %d state: %w", jobID, err)
		}
		if err := tx.DeleteChanges(ctx, changeIDs); err != nil {
			return nil, fmt.Errorf("delete cancelled changes for job %d: %w", jobID, err)
		}
		return nil, nil
	}

	powerReq := &request.PowerRequest{
		Machine:      machine,
		JobID:        jobID,
		FromState:    fromState,
		ToState:      toState,
		PowerOn:      make(map[store.BMPCoords][]request.BoardPower),
		PowerOff:     make(map[store.BMPCoords][]request.BoardPower),
		LinkDisables: make(map[store.BMPCoords][]request.LinkDisable),
		ChangeIDs:    changeIDs,
	}

	for _, r := range rows {
		id, err := tx.BoardIdentity(ctx, r.BoardID)
		if err != nil {
			return nil, fmt.Errorf("resolve board %d identity: %w", r.BoardID, err)
		}

		if r.TurnOn {
			powerReq.PowerOn[id.Coords] = append(powerReq.PowerOn[id.Coords], request.BoardPower{BoardIdentity: id, TurnOn: true})
		} else {
			powerReq.PowerOff[id.Coords] = append(powerReq.PowerOff[id.Coords], request.BoardPower{BoardIdentity: id, TurnOn: false})
		}

		if r.LinkN || r.LinkS || r.LinkE || r.LinkW || r.LinkSW || r.LinkNE {
			powerReq.LinkDisables[id.Coords] = append(powerReq.LinkDisables[id.Coords], request.LinkDisable{
				BoardIdentity: id,
				North:         r.LinkN,
				South:         r.LinkS,
				East:          r.LinkE,
				West:          r.LinkW,
				SouthWest:     r.LinkSW,
				NorthEast:     r.LinkNE,
			})
		}
	}

	t.busy.Add(jobID)
	if err := tx.MarkChangesInProgress(ctx, changeIDs); err != nil {
		return nil, fmt.Errorf("mark changes in-progress for job %d: %w", jobID, err)
	}

	req := request.NewPower(powerReq)
	return &req, nil
}

func (t *Taker) takeBlacklistOps(ctx context.Context, tx *store.Tx, machine string) ([]request.Request, error) {
	rows, err := tx.PendingBlacklistOps(ctx, machine)
	if err != nil {
		return nil, fmt.Errorf("list pending blacklist ops for %s: %w", machine, err)
	}

	out := make([]request.Request, 0, len(rows))
	for _, r := range rows {
		id, err := tx.BoardIdentity(ctx, r.BoardID)
		if err != nil {
			return nil, fmt.Errorf("resolve board %d identity: %w", r.BoardID, err)
		}
		out = append(out, request.NewBlacklist(&request.BlacklistRequest{
			OpID:           r.OpID,
			Machine:        machine,
			BoardIdentity:  id,
			Kind:           r.Kind,
			ExpectedSerial: r.ExpectedSerial,
			PayloadIfWrite: r.PayloadIfWrite,
		}))
	}
	return out, nil
}
