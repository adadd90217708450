// SPDX-License-Identifier: BSD-3-Clause

package taker

import (
	"context"
	"testing"

	"github.com/spinnaker/bmpctl/internal/busyjobs"
	"github.com/spinnaker/bmpctl/internal/request"
	"github.com/spinnaker/bmpctl/internal/store"
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

func TestTakePowerOnTwoBoardJob(t *testing.T) {
	s := openTestStore(t)
	exec(t, s, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
	exec(t, s, `INSERT INTO jobs (id, state) VALUES (42, 'QUEUED')`)
	exec(t, s, `INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip, job_id)
		VALUES (100, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3', 42),
		       (101, 'spinn-1', 0, 0, 1, 0, 0, 4, '10.0.0.4', 42)`)
	exec(t, s, `INSERT INTO pending_changes (job_id, board_id, from_state, to_state, turn_on, link_n, link_s, link_e, link_w, link_sw, link_ne)
		VALUES (42, 100, 'QUEUED', 'READY', 1, 1, 1, 1, 1, 1, 1),
		       (42, 101, 'QUEUED', 'READY', 1, 1, 1, 1, 1, 1, 1)`)

	tk := New(s, busyjobs.NewSet(), nil)
	reqs, err := tk.Take(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, request.KindPower, reqs[0].Kind)

	pr := reqs[0].Power
	require.Equal(t, int64(42), pr.JobID)
	require.Equal(t, "QUEUED", pr.FromState)
	require.Equal(t, "READY", pr.ToState)
	require.Len(t, pr.ChangeIDs, 2)
	boards := pr.PowerOn[store.BMPCoords{Cabinet: 0, Frame: 0}]
	require.Len(t, boards, 2)
	require.Len(t, pr.LinkDisables[store.BMPCoords{Cabinet: 0, Frame: 0}], 2)

	require.True(t, tk.busy.Contains(42))

	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		remaining, err := tx.PendingChangesForJob(ctx, 42)
		require.NoError(t, err)
		require.Empty(t, remaining)
		return nil
	}))
}

func TestTakeSkipsBusyJob(t *testing.T) {
	s := openTestStore(t)
	exec(t, s, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
	exec(t, s, `INSERT INTO jobs (id, state) VALUES (42, 'QUEUED')`)
	exec(t, s, `INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip, job_id)
		VALUES (100, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3', 42)`)
	exec(t, s, `INSERT INTO pending_changes (job_id, board_id, from_state, to_state, turn_on)
		VALUES (42, 100, 'QUEUED', 'READY', 1)`)

	busy := busyjobs.NewSet()
	busy.Add(42)
	tk := New(s, busy, nil)
	reqs, err := tk.Take(context.Background())
	require.NoError(t, err)
	require.Empty(t, reqs)
}

func TestTakeAllCancelSetsJobStateDirectly(t *testing.T) {
	s := openTestStore(t)
	exec(t, s, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
	exec(t, s, `INSERT INTO jobs (id, state) VALUES (42, 'READY')`)
	exec(t, s, `INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip, job_id, power)
		VALUES (100, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3', 42, 1)`)
	exec(t, s, `INSERT INTO pending_changes (job_id, board_id, from_state, to_state, turn_on)
		VALUES (42, 100, 'READY', 'READY', 1)`)

	tk := New(s, busyjobs.NewSet(), nil)
	reqs, err := tk.Take(context.Background())
	require.NoError(t, err)
	require.Empty(t, reqs)

	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		state, err := tx.JobState(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, "READY", state)
		remaining, err := tx.PendingChangesForJob(ctx, 42)
		require.NoError(t, err)
		require.Empty(t, remaining)
		return nil
	}))
}

func TestTakeBlacklistOp(t *testing.T) {
	s := openTestStore(t)
	exec(t, s, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
	exec(t, s, `INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip)
		VALUES (100, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3')`)
	exec(t, s, `INSERT INTO pending_blacklist_ops (board_id, kind, expected_serial) VALUES (100, 'READ', 'ABC')`)

	tk := New(s, busyjobs.NewSet(), nil)
	reqs, err := tk.Take(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, request.KindBlacklist, reqs[0].Kind)
	require.Equal(t, "ABC", reqs[0].Blacklist.ExpectedSerial)
}
