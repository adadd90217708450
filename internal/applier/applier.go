// SPDX-License-Identifier: BSD-3-Clause

// Package applier implements the Completion Applier (C5): draining the
// cleanup queue a per-BMP worker (C4) fills, one store transaction per
// task, and writing the resulting job/board/blacklist state per §4.5.
// Busy-job epoch bumps happen strictly after each transaction commits,
// never from inside one, per the design note in §9 banning thread-local
// "did anything change" flags.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spinnaker/bmpctl/internal/busyjobs"
	"github.com/spinnaker/bmpctl/internal/cleanup"
	"github.com/spinnaker/bmpctl/internal/store"
	"github.com/spinnaker/bmpctl/pkg/queue"
	"github.com/spinnaker/bmpctl/pkg/state"
)

// Applier drains a cleanup queue and applies each task against the store.
type Applier struct {
	cfg *config

	db     *store.Store
	busy   *busyjobs.Set
	epochs *busyjobs.Epochs

	cleanupQ *queue.Queue[cleanup.Task]
	postQ    *queue.Queue[cleanup.PostTask]

	log *slog.Logger
}

// New constructs an Applier. cleanupQ is shared with every per-BMP worker;
// postQ collects deferred post-commit work (e.g. operator email), which
// this applier both logs and publishes via its configured notify hook.
func New(db *store.Store, busy *busyjobs.Set, epochs *busyjobs.Epochs, cleanupQ *queue.Queue[cleanup.Task], postQ *queue.Queue[cleanup.PostTask], log *slog.Logger, opts ...Option) (*Applier, error) {
	cfg := newConfig(opts...)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Applier{
		cfg:      cfg,
		db:       db,
		busy:     busy,
		epochs:   epochs,
		cleanupQ: cleanupQ,
		postQ:    postQ,
		log:      log,
	}, nil
}

// Drain applies every task currently queued, one transaction per task, and
// bumps epochs once for the whole batch after all transactions commit.
// It reports whether any task was applied, for the controller's stats.
// If the store is busy, the task that hit it and every later one go back
// on the queue for the next call, and store.ErrBusy is returned after the
// epochs for the tasks that did commit are bumped.
func (a *Applier) Drain(ctx context.Context) (bool, error) {
	tasks := a.cleanupQ.DrainAll()
	if len(tasks) == 0 {
		return false, nil
	}

	var changedJobs, changedBlacklist, applied bool
	var busyErr error
	for i, task := range tasks {
		var jobChanged, blacklistChanged bool
		err := a.db.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
			var err error
			jobChanged, blacklistChanged, err = a.applyOne(ctx, tx, task)
			return err
		})
		if err != nil {
			if errors.Is(err, store.ErrBusy) {
				for _, rest := range tasks[i:] {
					a.cleanupQ.Push(rest)
				}
				busyErr = err
				break
			}
			a.log.Error("failed to apply cleanup task", "error", err)
			continue
		}
		applied = true
		changedJobs = changedJobs || jobChanged
		changedBlacklist = changedBlacklist || blacklistChanged
	}

	if changedJobs {
		a.epochs.Bump(busyjobs.KindJobs)
		a.epochs.Bump(busyjobs.KindMachine)
	}
	if changedBlacklist {
		a.epochs.Bump(busyjobs.KindBlacklist)
	}

	for _, pt := range a.postQ.DrainAll() {
		a.log.Info("operator notification", "board_id", pt.BoardID, "message", pt.Message)
		a.cfg.notify(pt.BoardID, pt.Message)
	}

	return applied, busyErr
}

func (a *Applier) applyOne(ctx context.Context, tx *store.Tx, task cleanup.Task) (jobChanged, blacklistChanged bool, err error) {
	switch task.Kind {
	case cleanup.KindPower:
		jobChanged, err = a.applyPower(ctx, tx, task.Power)
		return jobChanged, false, err
	case cleanup.KindBlacklist:
		err = a.applyBlacklist(ctx, tx, task.Blacklist)
		return false, err == nil, err
	default:
		return false, false, fmt.Errorf("%w: unknown cleanup task kind", store.ErrAmbiguousTransition)
	}
}

func (a *Applier) applyPower(ctx context.Context, tx *store.Tx, o *cleanup.PowerOutcome) (bool, error) {
	pr := o.Request

	if o.Err == nil {
		for _, boards := range pr.PowerOn {
			for _, b := range boards {
				if err := tx.SetBoardPower(ctx, b.BoardID, true); err != nil {
					return false, err
				}
			}
		}
		for _, boards := range pr.PowerOff {
			for _, b := range boards {
				if err := tx.SetBoardPower(ctx, b.BoardID, false); err != nil {
					return false, err
				}
			}
		}

		trigger := state.JobTriggerReady
		if pr.ToState == store.JobStateDestroyed {
			trigger = state.JobTriggerDestroy
		}
		if err := a.transitionJob(ctx, tx, pr.JobID, pr.FromState, pr.ToState, trigger); err != nil {
			return false, err
		}

		if pr.ToState == store.JobStateDestroyed {
			if err := tx.DeallocateJobBoards(ctx, pr.JobID); err != nil {
				return false, err
			}
		}

		a.busy.Remove(pr.JobID)
		if err := tx.DeleteChanges(ctx, pr.ChangeIDs); err != nil {
			return false, err
		}
		return true, nil
	}

	if o.Quarantine != nil {
		if err := a.transitionJob(ctx, tx, pr.JobID, pr.FromState, store.JobStateQueued, state.JobTriggerQuarantine); err != nil {
			return false, err
		}
		if err := tx.DeallocateJobBoards(ctx, pr.JobID); err != nil {
			return false, err
		}
		if err := tx.DeleteQueuedChangesForJob(ctx, pr.JobID); err != nil {
			return false, err
		}
		if err := tx.MarkBoardDead(ctx, o.Quarantine.BoardID); err != nil {
			return false, err
		}
		msg := fmt.Sprintf("board %d (job %d) quarantined: %v", o.Quarantine.BoardNumber, pr.JobID, o.Err)
		if err := tx.InsertBoardIssueReport(ctx, o.Quarantine.BoardID, a.cfg.systemReportUser, msg); err != nil {
			return false, err
		}
		a.busy.Remove(pr.JobID)
		a.postQ.Push(cleanup.PostTask{BoardID: o.Quarantine.BoardID, Message: msg})
		return true, nil
	}

	// Plain failure: reset in-progress and roll the job back to the state
	// it was in before this request was dispatched.
	if err := tx.ResetChangesInProgress(ctx, pr.ChangeIDs); err != nil {
		return false, err
	}
	if err := tx.SetJobState(ctx, pr.JobID, pr.FromState); err != nil {
		return false, err
	}
	a.busy.Remove(pr.JobID)
	return true, nil
}

func (a *Applier) applyBlacklist(ctx context.Context, tx *store.Tx, o *cleanup.BlacklistOutcome) error {
	br := o.Request

	if o.Err != nil {
		return tx.MarkBlacklistOpFailed(ctx, br.OpID, o.Err.Error())
	}

	switch br.Kind {
	case store.BlacklistOpRead:
		return tx.StoreBlacklistReadResult(ctx, br.OpID, br.BoardID, o.Blacklist, o.Serial, o.Serial)
	case store.BlacklistOpWrite, store.BlacklistOpGetSerial:
		return tx.MarkBlacklistOpDone(ctx, br.OpID)
	default:
		return fmt.Errorf("%w: unknown blacklist op kind", store.ErrAmbiguousTransition)
	}
}

// transitionJob drives the job's lifecycle FSM through the single from->to
// edge named by trigger, persisting via tx. When from equals to (a
// link-only request that never changed the job's lifecycle state) it
// writes the state directly instead of building a degenerate one-state FSM.
func (a *Applier) transitionJob(ctx context.Context, tx *store.Tx, jobID int64, from, to, trigger string) error {
	if from == to {
		return tx.SetJobState(ctx, jobID, to)
	}

	fsm, err := state.NewJobBuilder(strconv.FormatInt(jobID, 10)).
		WithPersistence(func(_ string, newState string) error {
			return tx.SetJobState(ctx, jobID, newState)
		}).
		Build(from, to, trigger)
	if err != nil {
		return err
	}
	if err := fsm.Start(ctx); err != nil {
		return err
	}
	return fsm.Fire(ctx, trigger, nil)
}
