// SPDX-License-Identifier: BSD-3-Clause

package store

import (
	"fmt"
	"time"
)

type config struct {
	dsn             string
	busyTimeout     time.Duration
	maxOpenConns    int
	foreignKeys     bool
}

// Option configures a Store at construction time.
type Option interface {
	apply(*config)
}

type dsnOption struct{ dsn string }

func (o *dsnOption) apply(c *config) { c.dsn = o.dsn }

// WithDSN sets the sqlite data source name, e.g. "file:bmp.db?cache=shared"
// or "file::memory:?cache=shared" for tests.
func WithDSN(dsn string) Option { return &dsnOption{dsn: dsn} }

type busyTimeoutOption struct{ timeout time.Duration }

func (o *busyTimeoutOption) apply(c *config) { c.busyTimeout = o.timeout }

// WithBusyTimeout sets how long sqlite waits on a locked database before
// reporting busy. The store surfaces a busy sqlite error as ErrBusy once
// this timeout elapses.
func WithBusyTimeout(d time.Duration) Option { return &busyTimeoutOption{timeout: d} }

type maxOpenConnsOption struct{ n int }

func (o *maxOpenConnsOption) apply(c *config) { c.maxOpenConns = o.n }

// WithMaxOpenConns caps the number of open connections. SQLite only
// supports one writer at a time regardless of this setting.
func WithMaxOpenConns(n int) Option { return &maxOpenConnsOption{n: n} }

func newConfig(opts ...Option) *config {
	c := &config{
		dsn:          "file::memory:?cache=shared",
		busyTimeout:  5 * time.Second,
		maxOpenConns: 1,
		foreignKeys:  true,
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

func (c *config) validate() error {
	if c.dsn == "" {
		return fmt.Errorf("%w: dsn cannot be empty", ErrInvalidConfiguration)
	}
	if c.busyTimeout <= 0 {
		return fmt.Errorf("%w: busy timeout must be positive", ErrInvalidConfiguration)
	}
	if c.maxOpenConns <= 0 {
		return fmt.Errorf("%w: max open conns must be positive", ErrInvalidConfiguration)
	}
	return nil
}
