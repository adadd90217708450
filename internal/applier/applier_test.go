// SPDX-License-Identifier: BSD-3-Clause

package applier

import (
	"context"
	"errors"
	"testing"

	"github.com/spinnaker/bmpctl/internal/busyjobs"
	"github.com/spinnaker/bmpctl/internal/cleanup"
	"github.com/spinnaker/bmpctl/internal/request"
	"github.com/spinnaker/bmpctl/internal/store"
	"github.com/spinnaker/bmpctl/pkg/queue"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.WithDSN("file::memory:?cache=shared&_pragma=foreign_keys(1)"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func exec(t *testing.T, s *store.Store, query string, args ...any) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		return tx.Exec(ctx, query, args...)
	}))
}

func newTestApplier(t *testing.T, s *store.Store, busy *busyjobs.Set) (*Applier, *queue.Queue[cleanup.Task]) {
	t.Helper()
	cleanupQ := queue.New[cleanup.Task]()
	postQ := queue.New[cleanup.PostTask]()
	a, err := New(s, busy, busyjobs.NewEpochs(nil), cleanupQ, postQ, nil)
	require.NoError(t, err)
	return a, cleanupQ
}

func TestDrainPowerSuccessUpdatesBoardsAndJob(t *testing.T) {
	s := openTestStore(t)
	exec(t, s, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
	exec(t, s, `INSERT INTO jobs (id, state) VALUES (42, 'QUEUED')`)
	exec(t, s, `INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip, job_id, power)
		VALUES (100, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3', 42, 0)`)

	busy := busyjobs.NewSet()
	busy.Add(42)
	a, cleanupQ := newTestApplier(t, s, busy)

	pr := &request.PowerRequest{
		Machine:   "spinn-1",
		JobID:     42,
		FromState: store.JobStateQueued,
		ToState:   store.JobStateReady,
		PowerOn: map[store.BMPCoords][]request.BoardPower{
			{Cabinet: 0, Frame: 0}: {{BoardIdentity: store.BoardIdentity{BoardID: 100, BoardNumber: 3}, TurnOn: true}},
		},
		ChangeIDs: []int64{1},
	}
	exec(t, s, `INSERT INTO pending_changes (change_id, job_id, board_id, from_state, to_state, turn_on) VALUES (1, 42, 100, 'QUEUED', 'READY', 1)`)
	cleanupQ.Push(cleanup.NewPower(&cleanup.PowerOutcome{Request: pr}))

	changed, err := a.Drain(context.Background())
	require.NoError(t, err)
	require.True(t, changed)

	require.False(t, busy.Contains(42))
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		power, err := tx.BoardPower(ctx, 100)
		require.NoError(t, err)
		require.True(t, power)
		state, err := tx.JobState(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, store.JobStateReady, state)
		remaining, err := tx.PendingChangesForJob(ctx, 42)
		require.NoError(t, err)
		require.Empty(t, remaining)
		return nil
	}))
}

func TestDrainPowerFailureRollsBackJobState(t *testing.T) {
	s := openTestStore(t)
	exec(t, s, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
	exec(t, s, `INSERT INTO jobs (id, state) VALUES (42, 'QUEUED')`)
	exec(t, s, `INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip, job_id, power)
		VALUES (100, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3', 42, 0)`)
	exec(t, s, `INSERT INTO pending_changes (change_id, job_id, board_id, from_state, to_state, turn_on, in_progress)
		VALUES (1, 42, 100, 'QUEUED', 'READY', 1, 1)`)

	busy := busyjobs.NewSet()
	busy.Add(42)
	a, cleanupQ := newTestApplier(t, s, busy)

	pr := &request.PowerRequest{
		Machine:   "spinn-1",
		JobID:     42,
		FromState: store.JobStateQueued,
		ToState:   store.JobStateReady,
		PowerOn: map[store.BMPCoords][]request.BoardPower{
			{Cabinet: 0, Frame: 0}: {{BoardIdentity: store.BoardIdentity{BoardID: 100, BoardNumber: 3}, TurnOn: true}},
		},
		ChangeIDs: []int64{1},
	}
	cleanupQ.Push(cleanup.NewPower(&cleanup.PowerOutcome{Request: pr, Err: errors.New("hardware exploded")}))

	changed, err := a.Drain(context.Background())
	require.NoError(t, err)
	require.True(t, changed)

	require.False(t, busy.Contains(42))
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		state, err := tx.JobState(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, store.JobStateQueued, state)
		remaining, err := tx.PendingChangesForJob(ctx, 42)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		require.False(t, remaining[0].InProgress)
		return nil
	}))
}

func TestDrainQuarantinesBoardAndRequeuesJob(t *testing.T) {
	s := openTestStore(t)
	exec(t, s, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
	exec(t, s, `INSERT INTO jobs (id, state) VALUES (42, 'QUEUED')`)
	exec(t, s, `INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip, job_id, power, functioning)
		VALUES (100, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3', 42, 0, 1)`)
	exec(t, s, `INSERT INTO pending_changes (change_id, job_id, board_id, from_state, to_state, turn_on)
		VALUES (1, 42, 100, 'QUEUED', 'READY', 1)`)

	busy := busyjobs.NewSet()
	busy.Add(42)
	a, cleanupQ := newTestApplier(t, s, busy)

	pr := &request.PowerRequest{
		Machine:   "spinn-1",
		JobID:     42,
		FromState: store.JobStateQueued,
		ToState:   store.JobStateReady,
		PowerOn: map[store.BMPCoords][]request.BoardPower{
			{Cabinet: 0, Frame: 0}: {{BoardIdentity: store.BoardIdentity{BoardID: 100, BoardNumber: 3}, TurnOn: true}},
		},
		ChangeIDs: []int64{1},
	}
	cleanupQ.Push(cleanup.NewPower(&cleanup.PowerOutcome{
		Request:    pr,
		Err:        errors.New("permanent failure"),
		Quarantine: &cleanup.QuarantineBoard{BoardID: 100, BoardNumber: 3},
	}))

	changed, err := a.Drain(context.Background())
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		state, err := tx.JobState(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, store.JobStateQueued, state)
		remaining, err := tx.PendingChangesForJob(ctx, 42)
		require.NoError(t, err)
		require.Empty(t, remaining)
		return nil
	}))
}

func TestDrainBlacklistReadReportsApplied(t *testing.T) {
	s := openTestStore(t)
	exec(t, s, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
	exec(t, s, `INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip)
		VALUES (100, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3')`)
	exec(t, s, `INSERT INTO pending_blacklist_ops (op_id, board_id, kind) VALUES (7, 100, 'READ')`)

	a, cleanupQ := newTestApplier(t, s, busyjobs.NewSet())
	cleanupQ.Push(cleanup.NewBlacklist(&cleanup.BlacklistOutcome{
		Request: &request.BlacklistRequest{OpID: 7, Machine: "spinn-1", BoardIdentity: store.BoardIdentity{BoardID: 100}, Kind: store.BlacklistOpRead},
		Blacklist: "0000000000000000",
		Serial:    "SN-1",
	}))

	changed, err := a.Drain(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
}
