// SPDX-License-Identifier: BSD-3-Clause

// Package bmpdriver implements the BMP Driver (C1): the per-(machine, BMP)
// adapter that exposes power-on-and-check, power-off, link-disable, and
// serial/blacklist read/write against one BMP, on top of the wire contract
// in internal/bmpwire.
package bmpdriver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spinnaker/bmpctl/internal/bmpwire"
)

const fpgaCount = 3

// Driver is the BMP Driver for one (machine, BMP-coords) pair.
type Driver struct {
	cfg    *config
	txrx   bmpwire.Transceiver
	log    *slog.Logger
}

// New constructs a Driver bound to one transceiver.
func New(txrx bmpwire.Transceiver, log *slog.Logger, opts ...Option) (*Driver, error) {
	cfg := newConfig(opts...)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Driver{cfg: cfg, txrx: txrx, log: log}, nil
}

// PowerOnAndCheck asserts power to boardNumbers, then verifies each board's
// three FPGAs come up healthy, retrying (and, after the first retry,
// optionally reloading firmware once) up to the configured power-attempts
// bound. See spec §4.1's state machine: ATTEMPT -> verify -> DONE/retry,
// exhausted -> PermanentFailure.
//
// Each attempt's FPGA health check is itself bounded by a separate budget:
// a freshly powered board's FPGAs can take a moment to report their
// steady-state FLAG value, so a single bad read does not condemn a board
// to the outer retry/reload path. checkFPGAHealth polls up to fpgaAttempts
// times, fpgaCheckInterval apart, before giving up on that board for this
// power attempt.
func (d *Driver) PowerOnAndCheck(ctx context.Context, boardNumbers []int) error {
	remaining := append([]int(nil), boardNumbers...)
	reloadDone := false

	for attempt := 0; attempt < d.cfg.powerAttempts; attempt++ {
		if err := d.txrx.PowerOn(ctx, remaining); err != nil {
			return err
		}

		var bad, resetPattern []int
		for _, bn := range remaining {
			healthy, reset, err := d.checkFPGAHealth(ctx, bn)
			if err != nil {
				return err
			}
			if healthy {
				continue
			}
			bad = append(bad, bn)
			if reset {
				resetPattern = append(resetPattern, bn)
			}
		}

		if len(bad) == 0 {
			return nil
		}

		remaining = bad

		// The first attempt (attempt == 0) never triggers a reload even
		// when reload is enabled; only once a second attempt has also
		// seen the reset pattern do we reload, and only once per call.
		if attempt >= 1 && d.cfg.fpgaReload && !reloadDone && len(resetPattern) > 0 {
			if err := d.txrx.ReloadFirmware(ctx, resetPattern); err != nil {
				return err
			}
			reloadDone = true
		}
	}

	d.log.Warn("power-on-and-check exhausted retries", "boards", remaining)
	return bmpwire.NewPermanentFailure(remaining[0], fmt.Errorf("%w after %d attempts", ErrPowerOnExhausted, d.cfg.powerAttempts))
}

// checkFPGAHealth polls boardNumber's three FPGA FLAG registers until all
// read good or fpgaAttempts polls are exhausted, pausing fpgaCheckInterval
// between polls. It reports whether the board settled healthy and whether
// the last bad read it saw matched the all-FPGAs-reset pattern.
func (d *Driver) checkFPGAHealth(ctx context.Context, boardNumber int) (healthy, resetPattern bool, err error) {
	for poll := 0; poll < d.cfg.fpgaAttempts; poll++ {
		healthy = true
		resetPattern = false

		for fpga := 0; fpga < fpgaCount; fpga++ {
			flag, err := d.txrx.ReadFPGAFlag(ctx, boardNumber, fpga)
			if err != nil {
				return false, false, err
			}
			if bmpwire.FlagGood(flag, fpga) {
				continue
			}
			healthy = false
			if bmpwire.FlagIsResetPattern(flag) {
				resetPattern = true
			}
			break
		}

		if healthy {
			return true, false, nil
		}

		if poll < d.cfg.fpgaAttempts-1 && d.cfg.fpgaCheckInterval > 0 {
			if err := sleep(ctx, d.cfg.fpgaCheckInterval); err != nil {
				return false, false, err
			}
		}
	}

	return false, resetPattern, nil
}

// sleep pauses for d or returns ctx's error if it is cancelled first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PowerOff deasserts power to boardNumbers.
func (d *Driver) PowerOff(ctx context.Context, boardNumbers []int) error {
	return d.txrx.PowerOff(ctx, boardNumbers)
}

// SetLinkOff writes the per-direction STOP register on boardNumber's FPGA,
// silently no-opping on BMP firmware too old to manage FPGAs.
func (d *Driver) SetLinkOff(ctx context.Context, boardNumber int, direction bmpwire.Direction) error {
	if err := d.txrx.SetLinkOff(ctx, boardNumber, direction); err != nil {
		if isTooOldForFPGA(err) {
			d.log.Debug("BMP too old to manage FPGAs, skipping link disable", "board", boardNumber)
			return nil
		}
		return err
	}
	return nil
}

// ReadSerial reads a board's BMP-reported serial.
func (d *Driver) ReadSerial(ctx context.Context, boardNumber int) (string, error) {
	return d.txrx.ReadSerial(ctx, boardNumber)
}

// ReadBlacklist reads a board's blacklist. A serial mismatch against the
// expected value is logged but does not abort the read.
func (d *Driver) ReadBlacklist(ctx context.Context, boardNumber int, expectedSerial string) (blacklist, serial string, err error) {
	blacklist, serial, err = d.txrx.ReadBlacklist(ctx, boardNumber)
	if err != nil {
		return "", "", err
	}
	if expectedSerial != "" && serial != expectedSerial {
		d.log.Warn("blacklist read serial mismatch", "board", boardNumber, "expected", expectedSerial, "actual", serial)
	}
	return blacklist, serial, nil
}

// WriteBlacklist writes a board's blacklist, refusing to proceed
// (bmpwire.ErrSerialMismatch) if the BMP-reported serial doesn't match
// expectedSerial.
func (d *Driver) WriteBlacklist(ctx context.Context, boardNumber int, blacklist, expectedSerial string) error {
	return d.txrx.WriteBlacklist(ctx, boardNumber, blacklist, expectedSerial)
}

func isTooOldForFPGA(err error) bool {
	return errors.Is(err, bmpwire.ErrTooOldForFPGA)
}
