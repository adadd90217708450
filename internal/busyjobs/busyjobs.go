// SPDX-License-Identifier: BSD-3-Clause

// Package busyjobs implements C7: the in-memory set of job IDs the Taker
// has a hardware operation outstanding for, plus the three monotone epoch
// counters (jobs, machine, blacklist) that let watchers block until the
// next change instead of polling the store.
package busyjobs

import (
	"context"
	"sync"
	"time"
)

// Set tracks job IDs with an outstanding hardware operation. The Taker
// (C3) inserts a job ID when it takes ownership of its pending changes;
// the Applier (C5) removes it once cleanup for that job is drained. A job
// ID present in Set is skipped by the next Taker pass (§4.3 step 2).
type Set struct {
	mu   sync.Mutex
	jobs map[int64]struct{}
}

// NewSet constructs an empty busy-jobs set.
func NewSet() *Set {
	return &Set{jobs: make(map[int64]struct{})}
}

// Add marks jobID busy. Safe to call if already present.
func (s *Set) Add(jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID] = struct{}{}
}

// Remove clears jobID's busy marker. Safe to call if absent.
func (s *Set) Remove(jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// Contains reports whether jobID currently has an outstanding operation.
func (s *Set) Contains(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

// Len reports how many jobs are currently busy.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Kind names one of the three independently-bumped epoch counters.
type Kind int

const (
	KindJobs Kind = iota
	KindMachine
	KindBlacklist
	kindCount
)

// PublishFunc notifies out-of-process watchers (via pkg/ipc) that a given
// epoch kind changed. The controller supplies the real implementation;
// nil is a valid no-op for tests.
type PublishFunc func(kind Kind, epoch uint64)

// Epochs holds the three monotone counters described in §4.6/§7. Bump is
// called after a store transaction that changed the relevant state
// commits; Wait lets a caller block until the counter advances past
// a value it last observed.
type Epochs struct {
	mu      sync.Mutex
	cond    *sync.Cond
	values  [kindCount]uint64
	publish PublishFunc
}

// NewEpochs constructs a zeroed Epochs tracker. publish may be nil.
func NewEpochs(publish PublishFunc) *Epochs {
	e := &Epochs{publish: publish}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Bump advances kind's counter by one and wakes any blocked waiters.
func (e *Epochs) Bump(kind Kind) uint64 {
	e.mu.Lock()
	e.values[kind]++
	v := e.values[kind]
	e.mu.Unlock()
	e.cond.Broadcast()
	if e.publish != nil {
		e.publish(kind, v)
	}
	return v
}

// Current returns kind's current epoch value.
func (e *Epochs) Current(kind Kind) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values[kind]
}

// Wait blocks until kind's epoch advances past since, ctx is cancelled, or
// timeout elapses, whichever comes first. Returns the new epoch value, or
// the unchanged value (equal to since) on timeout/cancellation.
func (e *Epochs) Wait(ctx context.Context, kind Kind, since uint64, timeout time.Duration) uint64 {
	done := make(chan struct{})
	deadlineAt := time.Now().Add(timeout)
	deadline := time.AfterFunc(timeout, func() {
		e.cond.Broadcast()
	})
	defer deadline.Stop()

	go func() {
		select {
		case <-ctx.Done():
			e.cond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	e.mu.Lock()
	defer e.mu.Unlock()
	for e.values[kind] <= since {
		if ctx.Err() != nil || !time.Now().Before(deadlineAt) {
			return e.values[kind]
		}
		e.cond.Wait()
	}
	return e.values[kind]
}
