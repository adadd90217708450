// SPDX-License-Identifier: BSD-3-Clause

// Package state provides a small finite-state-machine wrapper around
// github.com/qmuntal/stateless, with persistence and broadcast hooks and
// optional OpenTelemetry tracing around each transition.
//
// # Overview
//
//   - Thread-safe operations behind a single mutex
//   - State persistence via a configurable callback, invoked after each
//     successful transition
//   - Broadcast notification via a second callback, invoked after persistence
//   - Guard conditions and post-transition actions
//   - Per-transition timeout, enforced with context.WithTimeout
//   - Optional span per Fire call
//
// # Basic usage
//
//	cfg := state.NewConfig(
//		state.WithName("job-7"),
//		state.WithInitialState(state.JobStateQueued),
//		state.WithState(state.StateDefinition{Name: state.JobStateQueued}),
//		state.WithState(state.StateDefinition{Name: state.JobStateReady}),
//		state.WithTransition(state.JobStateQueued, state.JobStateReady, state.JobTriggerReady),
//		state.WithPersistState(true),
//		state.WithPersistence(func(name, s string) error {
//			return saveJobState(name, s)
//		}),
//	)
//	fsm, err := state.New(cfg)
//	if err != nil {
//		return err
//	}
//	if err := fsm.Start(ctx); err != nil {
//		return err
//	}
//	if err := fsm.Fire(ctx, state.JobTriggerReady, nil); err != nil {
//		return err
//	}
//
// # Job lifecycle
//
// JobBuilder assembles the two-state, single-edge machine (one from -> to
// edge between two of the QUEUED/POWER/READY/DESTROYED/UNKNOWN job states)
// used by the completion applier: a fresh *FSM per transition, started
// from the job's from-state, fired exactly once, then discarded.
// Persistence writes the new state column inside the same store
// transaction that applies the rest of the cleanup task; broadcasting
// (epoch bumps) is done by the completion applier once per drained batch,
// after its transactions commit, not per job, so job FSMs built here never
// set a BroadcastCallback.
//
// # Thread safety
//
// All FSM methods are safe for concurrent use, but a single *FSM instance is
// meant to be owned by one goroutine for the duration of one transition —
// the completion applier never shares an FSM across cleanup tasks.
package state
