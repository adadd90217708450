// SPDX-License-Identifier: BSD-3-Clause

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/spinnaker/bmpctl/internal/bmpwire"
	"github.com/spinnaker/bmpctl/internal/store"
	"github.com/spinnaker/bmpctl/internal/txrxcache"
	"github.com/spinnaker/bmpctl/pkg/netprobe"
	"github.com/stretchr/testify/require"
)

type alwaysBadTransceiver struct {
	*bmpwire.DummyTransceiver
}

func (a *alwaysBadTransceiver) ReadFPGAFlag(ctx context.Context, boardNumber, fpga int) (uint32, error) {
	return 0b11, nil
}

func newTestController(t *testing.T, dsn string) *Controller {
	t.Helper()
	c, err := New(context.Background(),
		WithDSN(dsn),
		WithDummyBMP(true),
		WithPeriod(10*time.Millisecond),
		WithProbeInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { c.db.Close() })
	return c
}

func seed(t *testing.T, s *store.Store, query string, args ...any) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		return tx.Exec(ctx, query, args...)
	}))
}

func jobState(t *testing.T, s *store.Store, jobID int64) string {
	t.Helper()
	var state string
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		var err error
		state, err = tx.JobState(ctx, jobID)
		return err
	}))
	return state
}

// TestTickTakesAppliesAndDrivesJobToReady exercises the two-cycle pattern
// from §9: one tick's taker hands a request to a worker, and a later
// tick's applier drains the resulting cleanup task.
func TestTickTakesAppliesAndDrivesJobToReady(t *testing.T) {
	dsn := "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	c := newTestController(t, dsn)

	seed(t, c.db, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
	seed(t, c.db, `INSERT INTO jobs (id, state) VALUES (1, 'QUEUED')`)
	seed(t, c.db, `INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip, job_id)
		VALUES (1, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3', 1)`)
	seed(t, c.db, `INSERT INTO pending_changes (job_id, board_id, from_state, to_state, turn_on)
		VALUES (1, 1, 'QUEUED', 'READY', 1)`)

	require.NoError(t, c.tick(context.Background()))
	require.Equal(t, store.JobStateQueued, jobState(t, c.db, 1))

	require.Eventually(t, func() bool {
		require.NoError(t, c.tick(context.Background()))
		return jobState(t, c.db, 1) == store.JobStateReady
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.db.WithTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		power, err := tx.BoardPower(ctx, 1)
		require.NoError(t, err)
		require.True(t, power)
		return nil
	}))
}

// TestWorkerHardwareErrorsSurfaceOnControllerLastError exercises the
// worker-to-controller error sink wired in workerFor: a hardware failure
// recorded deep inside a per-BMP worker must reach Controller.LastError().
func TestWorkerHardwareErrorsSurfaceOnControllerLastError(t *testing.T) {
	dsn := "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	c := newTestController(t, dsn)

	cache, err := txrxcache.New(func(ctx context.Context, addr string) (bmpwire.Transceiver, error) {
		return &alwaysBadTransceiver{DummyTransceiver: bmpwire.NewDummyTransceiver("bmp-v1")}, nil
	}, txrxcache.WithPinger(netprobe.NoopPinger{}))
	require.NoError(t, err)
	c.cache.CloseAll()
	c.cache = cache

	seed(t, c.db, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
	seed(t, c.db, `INSERT INTO jobs (id, state) VALUES (1, 'QUEUED')`)
	seed(t, c.db, `INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip, job_id)
		VALUES (1, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3', 1)`)
	seed(t, c.db, `INSERT INTO pending_changes (job_id, board_id, from_state, to_state, turn_on)
		VALUES (1, 1, 'QUEUED', 'READY', 1)`)

	require.Equal(t, "", c.LastError())
	require.NoError(t, c.tick(context.Background()))

	require.Eventually(t, func() bool {
		return c.LastError() != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatsReportsPendingCount(t *testing.T) {
	dsn := "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	c := newTestController(t, dsn)

	seed(t, c.db, `INSERT INTO machines (name, in_service) VALUES ('spinn-1', 1)`)
	seed(t, c.db, `INSERT INTO jobs (id, state) VALUES (1, 'QUEUED')`)
	seed(t, c.db, `INSERT INTO boards (id, machine, x, y, z, bmp_cabinet, bmp_frame, board_number, ip, job_id)
		VALUES (1, 'spinn-1', 0, 0, 0, 0, 0, 3, '10.0.0.3', 1)`)
	seed(t, c.db, `INSERT INTO pending_changes (job_id, board_id, from_state, to_state, turn_on)
		VALUES (1, 1, 'QUEUED', 'READY', 1)`)

	pending, active, err := c.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pending)
	require.Equal(t, 0, active)
}
