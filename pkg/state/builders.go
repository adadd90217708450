// SPDX-License-Identifier: BSD-3-Clause

package state

import (
	"fmt"
	"time"
)

// NewStateMachine creates an FSM directly from the provided options.
func NewStateMachine(opts ...Option) (*FSM, error) {
	cfg := NewConfig(opts...)
	return New(cfg)
}

// Job lifecycle states, as named in the job state column.
const (
	JobStateQueued    = "QUEUED"
	JobStatePower     = "POWER"
	JobStateReady     = "READY"
	JobStateDestroyed = "DESTROYED"
	JobStateUnknown   = "UNKNOWN"
)

// Job lifecycle triggers. The completion applier picks the trigger name
// matching the semantics of the outcome it is applying; the FSM itself
// only ever carries the single from->to edge a given Build call names.
const (
	JobTriggerReady      = "ready"      // -> READY on PowerRequest success
	JobTriggerDestroy    = "destroy"    // -> DESTROYED on PowerRequest success
	JobTriggerRollback   = "rollback"   // -> from-state; unused by the applier, which writes a failure's rollback directly
	JobTriggerQuarantine = "quarantine" // -> QUEUED on bad-board quarantine
)

// JobBuilder builds a disposable, single-edge finite state machine used by
// the completion applier to move one job between two of its lifecycle
// states. A JobBuilder's Build produces a fresh *FSM valid for exactly one
// Fire call; it is not meant to be kept around across transitions, since
// every cleanup task may name a different from/to pair.
type JobBuilder struct {
	name      string
	opts      []Option
	persistCb PersistenceCallback
}

// NewJobBuilder creates a builder for the job-lifecycle FSM identified by
// name (conventionally the job id, stringified).
func NewJobBuilder(name string) *JobBuilder {
	return &JobBuilder{name: name}
}

// WithPersistence registers the callback invoked to write the new state to
// the store. It is expected to run inside the same transaction that applied
// the rest of the job's cleanup task.
func (b *JobBuilder) WithPersistence(cb PersistenceCallback) *JobBuilder {
	b.persistCb = cb
	return b
}

// WithTimeout overrides the default transition timeout.
func (b *JobBuilder) WithTimeout(d time.Duration) *JobBuilder {
	b.opts = append(b.opts, WithStateTimeout(d))
	return b
}

// Build constructs the single-edge FSM moving the job from from to to via
// trigger. The returned FSM is neither started nor fired; the caller runs
// FSM.Start and then Fire.
func (b *JobBuilder) Build(from, to, trigger string) (*FSM, error) {
	opts := append([]Option{
		WithName(b.name),
		WithDescription(fmt.Sprintf("job %s transition %s -> %s", b.name, from, to)),
		WithInitialState(from),
		WithState(StateDefinition{Name: from}),
		WithState(StateDefinition{Name: to}),
		WithTransition(from, to, trigger),
	}, b.opts...)

	if b.persistCb != nil {
		opts = append(opts, WithPersistState(true), WithPersistence(b.persistCb))
	}

	return NewStateMachine(opts...)
}
