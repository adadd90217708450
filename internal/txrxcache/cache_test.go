// SPDX-License-Identifier: BSD-3-Clause

package txrxcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/spinnaker/bmpctl/internal/bmpwire"
	"github.com/spinnaker/bmpctl/internal/store"
	"github.com/spinnaker/bmpctl/pkg/netprobe"
	"github.com/stretchr/testify/require"
)

func TestGetCachesByMachineAndCoords(t *testing.T) {
	var dials int32
	dial := func(ctx context.Context, addr string) (bmpwire.Transceiver, error) {
		atomic.AddInt32(&dials, 1)
		return bmpwire.NewDummyTransceiver("bmp-v1"), nil
	}

	c, err := New(dial, WithPinger(netprobe.NoopPinger{}), WithProbeBackoff(0))
	require.NoError(t, err)
	defer c.CloseAll()

	coords := store.BMPCoords{Cabinet: 0, Frame: 0}
	t1, err := c.Get(context.Background(), "spinn-1", coords, "10.0.0.1")
	require.NoError(t, err)
	t2, err := c.Get(context.Background(), "spinn-1", coords, "10.0.0.1")
	require.NoError(t, err)
	require.Same(t, t1, t2)
	require.EqualValues(t, 1, atomic.LoadInt32(&dials))

	other, err := c.Get(context.Background(), "spinn-1", store.BMPCoords{Cabinet: 0, Frame: 1}, "10.0.0.2")
	require.NoError(t, err)
	require.NotSame(t, t1, other)
	require.EqualValues(t, 2, atomic.LoadInt32(&dials))
}

func TestGetRetriesThenFailsWithBuildExhausted(t *testing.T) {
	dial := func(ctx context.Context, addr string) (bmpwire.Transceiver, error) {
		return nil, errors.New("connection refused")
	}
	c, err := New(dial, WithPinger(netprobe.NoopPinger{}), WithBuildAttempts(2), WithProbeBackoff(0))
	require.NoError(t, err)
	defer c.CloseAll()

	_, err = c.Get(context.Background(), "spinn-1", store.BMPCoords{}, "10.0.0.1")
	require.ErrorIs(t, err, ErrBuildExhausted)
}

func TestSetDummyModeFlushesCache(t *testing.T) {
	dial := func(ctx context.Context, addr string) (bmpwire.Transceiver, error) {
		return bmpwire.NewDummyTransceiver("bmp-v1"), nil
	}
	c, err := New(dial, WithPinger(netprobe.NoopPinger{}))
	require.NoError(t, err)
	defer c.CloseAll()

	coords := store.BMPCoords{}
	_, err = c.Get(context.Background(), "spinn-1", coords, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	c.SetDummyMode(true)
	require.Equal(t, 0, c.Len())
}

func TestCloseAllRejectsFurtherGets(t *testing.T) {
	dial := func(ctx context.Context, addr string) (bmpwire.Transceiver, error) {
		return bmpwire.NewDummyTransceiver("bmp-v1"), nil
	}
	c, err := New(dial, WithPinger(netprobe.NoopPinger{}))
	require.NoError(t, err)
	c.CloseAll()

	_, err = c.Get(context.Background(), "spinn-1", store.BMPCoords{}, "10.0.0.1")
	require.ErrorIs(t, err, ErrClosed)
}
