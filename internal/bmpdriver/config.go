// SPDX-License-Identifier: BSD-3-Clause

package bmpdriver

import (
	"fmt"
	"time"
)

type config struct {
	powerAttempts     int
	fpgaAttempts      int
	fpgaReload        bool
	fpgaCheckInterval time.Duration
}

// Option configures a Driver at construction time.
type Option interface {
	apply(*config)
}

type powerAttemptsOption struct{ n int }

func (o *powerAttemptsOption) apply(c *config) { c.powerAttempts = o.n }

// WithPowerAttempts sets the retry bound for powerOnAndCheck (§6 "powerAttempts").
func WithPowerAttempts(n int) Option { return &powerAttemptsOption{n: n} }

type fpgaAttemptsOption struct{ n int }

func (o *fpgaAttemptsOption) apply(c *config) { c.fpgaAttempts = o.n }

// WithFPGAAttempts sets the FPGA health-check bound (§6 "fpgaAttempts").
func WithFPGAAttempts(n int) Option { return &fpgaAttemptsOption{n: n} }

type fpgaReloadOption struct{ enable bool }

func (o *fpgaReloadOption) apply(c *config) { c.fpgaReload = o.enable }

// WithFPGAReload toggles whether a detected all-FPGAs-reset pattern
// triggers a one-shot firmware reload (§6 "fpgaReload").
func WithFPGAReload(enable bool) Option { return &fpgaReloadOption{enable: enable} }

type fpgaCheckIntervalOption struct{ d time.Duration }

func (o *fpgaCheckIntervalOption) apply(c *config) { c.fpgaCheckInterval = o.d }

// WithFPGACheckInterval sets the pause between FPGA health-check retries
// within one powerOnAndCheck call.
func WithFPGACheckInterval(d time.Duration) Option { return &fpgaCheckIntervalOption{d: d} }

func newConfig(opts ...Option) *config {
	c := &config{
		powerAttempts:     3,
		fpgaAttempts:      3,
		fpgaReload:        true,
		fpgaCheckInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

func (c *config) validate() error {
	if c.powerAttempts <= 0 {
		return fmt.Errorf("%w: power attempts must be positive", ErrInvalidConfiguration)
	}
	if c.fpgaAttempts <= 0 {
		return fmt.Errorf("%w: fpga attempts must be positive", ErrInvalidConfiguration)
	}
	if c.fpgaCheckInterval < 0 {
		return fmt.Errorf("%w: fpga check interval cannot be negative", ErrInvalidConfiguration)
	}
	return nil
}
