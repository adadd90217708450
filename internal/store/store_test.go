// SPDX-License-Identifier: BSD-3-Clause

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), WithDSN("file::memory:?cache=shared&_pragma=foreign_keys(1)"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func seedJobAndBoards(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
		if err != nil {
			return err
		}
		_, err = tx.tx.ExecContext(ctx, `INSERT INTO jobs (id, state) VALUES (42, 'QUEUED')`)
		if err != nil {
			return err
		}
		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip, job_id)
			VALUES (100, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3', 42),
			       (101, 'spinn-1', 0, 0, 1, 0, 0, 4, '10.0.0.4', 42)`)
		if err != nil {
			return err
		}
		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO pending_changes (job_id, board_id, from_state, to_state, turn_on, link_n, link_s, link_e, link_w, link_sw, link_ne)
			VALUES (42, 100, 'QUEUED', 'READY', 1, 1, 1, 1, 1, 1, 1),
			       (42, 101, 'QUEUED', 'READY', 1, 1, 1, 1, 1, 1, 1)`)
		return err
	}))
}

func TestTakeChangesAndApplySuccess(t *testing.T) {
	s := openTestStore(t)
	seedJobAndBoards(t, s)
	ctx := context.Background()

	var jobIDs []int64
	var changes []ChangeRow
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		machines, err := tx.InServiceMachines(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"spinn-1"}, machines)

		jobIDs, err = tx.JobIDsWithPendingChanges(ctx, "spinn-1")
		require.NoError(t, err)
		require.Equal(t, []int64{42}, jobIDs)

		changes, err = tx.PendingChangesForJob(ctx, 42)
		require.NoError(t, err)
		require.Len(t, changes, 2)

		ids := make([]int64, len(changes))
		for i, c := range changes {
			ids[i] = c.ChangeID
		}
		return tx.MarkChangesInProgress(ctx, ids)
	}))

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		ids := make([]int64, len(changes))
		for i, c := range changes {
			ids[i] = c.ChangeID
			if err := tx.SetBoardPower(ctx, c.BoardID, true); err != nil {
				return err
			}
		}
		if err := tx.SetJobState(ctx, 42, JobStateReady); err != nil {
			return err
		}
		return tx.DeleteChanges(ctx, ids)
	}))

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		state, err := tx.JobState(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, JobStateReady, state)

		remaining, err := tx.PendingChangesForJob(ctx, 42)
		require.NoError(t, err)
		require.Empty(t, remaining)
		return nil
	}))
}

func TestClearStaleInProgress(t *testing.T) {
	s := openTestStore(t)
	seedJobAndBoards(t, s)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		changes, err := tx.PendingChangesForJob(ctx, 42)
		if err != nil {
			return err
		}
		ids := make([]int64, len(changes))
		for i, c := range changes {
			ids[i] = c.ChangeID
		}
		return tx.MarkChangesInProgress(ctx, ids)
	}))

	require.NoError(t, s.ClearStaleInProgress(ctx))

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		changes, err := tx.PendingChangesForJob(ctx, 42)
		require.NoError(t, err)
		require.Len(t, changes, 2)
		return nil
	}))
}
