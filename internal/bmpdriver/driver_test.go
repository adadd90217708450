// SPDX-License-Identifier: BSD-3-Clause

package bmpdriver

import (
	"context"
	"errors"
	"testing"

	"github.com/spinnaker/bmpctl/internal/bmpwire"
	"github.com/stretchr/testify/require"
)

func TestPowerOnAndCheckSucceedsImmediately(t *testing.T) {
	txrx := bmpwire.NewDummyTransceiver("bmp-v1")
	d, err := New(txrx, nil, WithPowerAttempts(3))
	require.NoError(t, err)

	require.NoError(t, d.PowerOnAndCheck(context.Background(), []int{3, 4}))
}

// A transient PowerOn error is returned to the caller at once rather than
// retried here; the worker owns the retry of transient errors.
func TestPowerOnAndCheckReturnsTransientError(t *testing.T) {
	txrx := bmpwire.NewDummyTransceiver("bmp-v1")
	txrx.PowerOnFunc = func(call int, boardNumbers []int) error {
		if call == 0 {
			return bmpwire.ErrTransient
		}
		return nil
	}
	d, err := New(txrx, nil, WithPowerAttempts(3))
	require.NoError(t, err)

	err = d.PowerOnAndCheck(context.Background(), []int{3})
	require.ErrorIs(t, err, bmpwire.ErrTransient)
}

func TestPowerOnAndCheckExhaustsToPermanentFailure(t *testing.T) {
	// Board 3 never reports healthy FPGAs, forcing PowerOnAndCheck to
	// exhaust its retry bound and return a PermanentFailure.
	txrx := &alwaysBadTransceiver{DummyTransceiver: bmpwire.NewDummyTransceiver("bmp-v1")}
	d, err := New(txrx, nil, WithPowerAttempts(2), WithFPGAReload(false))
	require.NoError(t, err)

	err = d.PowerOnAndCheck(context.Background(), []int{3})
	var permErr *bmpwire.PermanentFailure
	require.True(t, errors.As(err, &permErr))
	require.Equal(t, 3, permErr.BoardNumber)
}

// alwaysBadTransceiver wraps a DummyTransceiver but always reports FPGA 0
// as being in the all-FPGAs-reset pattern, forcing PowerOnAndCheck to
// exhaust its retry bound.
type alwaysBadTransceiver struct {
	*bmpwire.DummyTransceiver
}

func (a *alwaysBadTransceiver) ReadFPGAFlag(ctx context.Context, boardNumber, fpga int) (uint32, error) {
	return 0b11, nil
}
