// SPDX-License-Identifier: BSD-3-Clause

package worker

import (
	"context"
	"testing"

	"github.com/spinnaker/bmpctl/internal/bmpwire"
	"github.com/spinnaker/bmpctl/internal/cleanup"
	"github.com/spinnaker/bmpctl/internal/request"
	"github.com/spinnaker/bmpctl/internal/store"
	"github.com/spinnaker/bmpctl/internal/txrxcache"
	"github.com/spinnaker/bmpctl/pkg/netprobe"
	"github.com/spinnaker/bmpctl/pkg/queue"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, dial txrxcache.Dialer, opts ...Option) (*Worker, *queue.Queue[cleanup.Task]) {
	t.Helper()
	cache, err := txrxcache.New(dial, txrxcache.WithPinger(netprobe.NoopPinger{}))
	require.NoError(t, err)
	t.Cleanup(cache.CloseAll)

	cleanupQ := queue.New[cleanup.Task]()
	w, err := New("spinn-1", cache, cleanupQ, netprobe.NoopPinger{}, nil, opts...)
	require.NoError(t, err)
	return w, cleanupQ
}

func twoBoardPowerOnRequest() *request.PowerRequest {
	coords := store.BMPCoords{Cabinet: 0, Frame: 0}
	return &request.PowerRequest{
		Machine:   "spinn-1",
		JobID:     42,
		FromState: store.JobStateQueued,
		ToState:   store.JobStateReady,
		PowerOn: map[store.BMPCoords][]request.BoardPower{
			coords: {
				{BoardIdentity: store.BoardIdentity{BoardID: 100, Coords: coords, BoardNumber: 3, IP: "10.0.0.3"}, TurnOn: true},
				{BoardIdentity: store.BoardIdentity{BoardID: 101, Coords: coords, BoardNumber: 4, IP: "10.0.0.4"}, TurnOn: true},
			},
		},
		ChangeIDs: []int64{1, 2},
	}
}

func TestProcessPowerOnSuccessEnqueuesCleanup(t *testing.T) {
	w, cleanupQ := newTestWorker(t, func(ctx context.Context, addr string) (bmpwire.Transceiver, error) {
		return bmpwire.NewDummyTransceiver("bmp-v1"), nil
	})

	req := request.NewPower(twoBoardPowerOnRequest())
	w.process(context.Background(), req)

	tasks := cleanupQ.DrainAll()
	require.Len(t, tasks, 1)
	require.Equal(t, cleanup.KindPower, tasks[0].Kind)
	require.NoError(t, tasks[0].Power.Err)
	require.Nil(t, tasks[0].Power.Quarantine)
}

func TestProcessTransientThenRecoverSucceeds(t *testing.T) {
	calls := 0
	w, cleanupQ := newTestWorker(t, func(ctx context.Context, addr string) (bmpwire.Transceiver, error) {
		txrx := bmpwire.NewDummyTransceiver("bmp-v1")
		txrx.PowerOnFunc = func(call int, boardNumbers []int) error {
			calls++
			if calls == 1 {
				return bmpwire.ErrTransient
			}
			return nil
		}
		return txrx, nil
	}, WithPowerAttempts(3), WithProbeInterval(1))

	req := request.NewPower(twoBoardPowerOnRequest())
	w.process(context.Background(), req)

	tasks := cleanupQ.DrainAll()
	require.Len(t, tasks, 1)
	require.NoError(t, tasks[0].Power.Err)
}

func TestProcessPermanentFailureToReadyQuarantines(t *testing.T) {
	w, cleanupQ := newTestWorker(t, func(ctx context.Context, addr string) (bmpwire.Transceiver, error) {
		return &alwaysBadTransceiver{DummyTransceiver: bmpwire.NewDummyTransceiver("bmp-v1")}, nil
	}, WithPowerAttempts(2), WithFPGAReload(false))

	req := request.NewPower(twoBoardPowerOnRequest())
	w.process(context.Background(), req)

	tasks := cleanupQ.DrainAll()
	require.Len(t, tasks, 1)
	require.Error(t, tasks[0].Power.Err)
	require.NotNil(t, tasks[0].Power.Quarantine)
	require.Equal(t, 3, tasks[0].Power.Quarantine.BoardNumber)
}

func TestProcessFailureRecordsErrorAndInvokesSink(t *testing.T) {
	var sinkErr error
	w, cleanupQ := newTestWorker(t, func(ctx context.Context, addr string) (bmpwire.Transceiver, error) {
		return &alwaysBadTransceiver{DummyTransceiver: bmpwire.NewDummyTransceiver("bmp-v1")}, nil
	}, WithPowerAttempts(2), WithFPGAReload(false), WithErrorSink(func(err error) { sinkErr = err }))

	req := request.NewPower(twoBoardPowerOnRequest())
	w.process(context.Background(), req)
	cleanupQ.DrainAll()

	require.Error(t, sinkErr)
	require.NotEmpty(t, w.LastError())
	require.Equal(t, sinkErr.Error(), w.LastError())
}

type alwaysBadTransceiver struct {
	*bmpwire.DummyTransceiver
}

func (a *alwaysBadTransceiver) ReadFPGAFlag(ctx context.Context, boardNumber, fpga int) (uint32, error) {
	return 0b11, nil
}
