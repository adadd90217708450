// SPDX-License-Identifier: BSD-3-Clause

package txrxcache

import (
	"fmt"
	"time"

	"github.com/spinnaker/bmpctl/pkg/netprobe"
)

type config struct {
	buildAttempts int
	probeTimeout  time.Duration
	probeBackoff  time.Duration
	dummy         bool
	pinger        netprobe.Pinger
}

// Option configures a Cache at construction time.
type Option interface {
	apply(*config)
}

type buildAttemptsOption struct{ n int }

func (o *buildAttemptsOption) apply(c *config) { c.buildAttempts = o.n }

// WithBuildAttempts bounds how many dial+probe attempts a Get performs
// before giving up with ErrBuildExhausted (§6 "buildAttempts").
func WithBuildAttempts(n int) Option { return &buildAttemptsOption{n: n} }

type probeTimeoutOption struct{ d time.Duration }

func (o *probeTimeoutOption) apply(c *config) { c.probeTimeout = o.d }

// WithProbeTimeout sets how long a single reachability probe may take.
func WithProbeTimeout(d time.Duration) Option { return &probeTimeoutOption{d: d} }

type probeBackoffOption struct{ d time.Duration }

func (o *probeBackoffOption) apply(c *config) { c.probeBackoff = o.d }

// WithProbeBackoff sets the pause between failed construction attempts.
func WithProbeBackoff(d time.Duration) Option { return &probeBackoffOption{d: d} }

type dummyOption struct{ enable bool }

func (o *dummyOption) apply(c *config) { c.dummy = o.enable }

// WithDummyMode toggles whether Get hands out in-memory DummyTransceivers
// instead of dialing real BMPs (§6 "useDummyBMP"). It sets the starting
// mode only; Cache.SetDummyMode toggles it later and flushes the cache.
func WithDummyMode(enable bool) Option { return &dummyOption{enable: enable} }

type pingerOption struct{ p netprobe.Pinger }

func (o *pingerOption) apply(c *config) { c.pinger = o.p }

// WithPinger overrides the reachability prober, e.g. with
// netprobe.NoopPinger in tests.
func WithPinger(p netprobe.Pinger) Option { return &pingerOption{p: p} }

func newConfig(opts ...Option) *config {
	c := &config{
		buildAttempts: 3,
		probeTimeout:  2 * time.Second,
		probeBackoff:  500 * time.Millisecond,
		pinger:        netprobe.NewICMPPinger(),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

func (c *config) validate() error {
	if c.buildAttempts <= 0 {
		return fmt.Errorf("%w: build attempts must be positive", ErrInvalidConfiguration)
	}
	if c.probeTimeout <= 0 {
		return fmt.Errorf("%w: probe timeout must be positive", ErrInvalidConfiguration)
	}
	if c.pinger == nil {
		return fmt.Errorf("%w: pinger cannot be nil", ErrInvalidConfiguration)
	}
	return nil
}
