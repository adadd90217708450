// SPDX-License-Identifier: BSD-3-Clause

package controller

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultServiceName        = "bmpctl"
	DefaultServiceDescription = "BMP controller for a SpiNNaker neuromorphic cluster"
	DefaultServiceVersion     = "1.0.0"

	DefaultPeriod           = 2 * time.Second
	DefaultProbeInterval    = 2 * time.Second
	DefaultPowerAttempts    = 3
	DefaultFPGAAttempts     = 3
	DefaultBuildAttempts    = 3
	DefaultSystemReportUser = "bmpctl"
)

type config struct {
	serviceName        string
	serviceDescription string
	serviceVersion     string

	dsn string

	period        time.Duration
	probeInterval time.Duration
	powerAttempts int
	fpgaAttempts  int
	fpgaReload    bool
	buildAttempts int
	useDummyBMP   bool

	systemReportUser string

	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Controller at construction time.
type Option interface {
	apply(*config)
}

type serviceNameOption struct{ name string }

func (o *serviceNameOption) apply(c *config) { c.serviceName = o.name }

// WithServiceName overrides the service name registered with IPC.
func WithServiceName(name string) Option { return &serviceNameOption{name: name} }

type serviceDescriptionOption struct{ description string }

func (o *serviceDescriptionOption) apply(c *config) { c.serviceDescription = o.description }

// WithServiceDescription overrides the service description.
func WithServiceDescription(description string) Option {
	return &serviceDescriptionOption{description: description}
}

type serviceVersionOption struct{ version string }

func (o *serviceVersionOption) apply(c *config) { c.serviceVersion = o.version }

// WithServiceVersion overrides the service version.
func WithServiceVersion(version string) Option { return &serviceVersionOption{version: version} }

type dsnOption struct{ dsn string }

func (o *dsnOption) apply(c *config) { c.dsn = o.dsn }

// WithDSN sets the store's sqlite DSN.
func WithDSN(dsn string) Option { return &dsnOption{dsn: dsn} }

type periodOption struct{ d time.Duration }

func (o *periodOption) apply(c *config) { c.period = o.d }

// WithPeriod sets the controller tick period.
func WithPeriod(d time.Duration) Option { return &periodOption{d: d} }

type probeIntervalOption struct{ d time.Duration }

func (o *probeIntervalOption) apply(c *config) { c.probeInterval = o.d }

// WithProbeInterval sets the ping timeout/retry-backoff interval passed
// down to the transceiver cache and per-BMP workers.
func WithProbeInterval(d time.Duration) Option { return &probeIntervalOption{d: d} }

type powerAttemptsOption struct{ n int }

func (o *powerAttemptsOption) apply(c *config) { c.powerAttempts = o.n }

// WithPowerAttempts sets the maximum power-on/off attempts per BMP action.
func WithPowerAttempts(n int) Option { return &powerAttemptsOption{n: n} }

type fpgaAttemptsOption struct{ n int }

func (o *fpgaAttemptsOption) apply(c *config) { c.fpgaAttempts = o.n }

// WithFPGAAttempts sets the maximum FPGA flag polling attempts.
func WithFPGAAttempts(n int) Option { return &fpgaAttemptsOption{n: n} }

type fpgaReloadOption struct{ enable bool }

func (o *fpgaReloadOption) apply(c *config) { c.fpgaReload = o.enable }

// WithFPGAReload toggles firmware-reload-on-stuck-flag recovery.
func WithFPGAReload(enable bool) Option { return &fpgaReloadOption{enable: enable} }

type buildAttemptsOption struct{ n int }

func (o *buildAttemptsOption) apply(c *config) { c.buildAttempts = o.n }

// WithBuildAttempts sets the transceiver cache's construction retry count.
func WithBuildAttempts(n int) Option { return &buildAttemptsOption{n: n} }

type useDummyBMPOption struct{ enable bool }

func (o *useDummyBMPOption) apply(c *config) { c.useDummyBMP = o.enable }

// WithDummyBMP toggles dummy-transceiver mode, for development and tests.
func WithDummyBMP(enable bool) Option { return &useDummyBMPOption{enable: enable} }

type systemReportUserOption struct{ user string }

func (o *systemReportUserOption) apply(c *config) { c.systemReportUser = o.user }

// WithSystemReportUser sets the identity attributed to auto-filed board
// issue reports.
func WithSystemReportUser(user string) Option { return &systemReportUserOption{user: user} }

type loggerOption struct{ logger *slog.Logger }

func (o *loggerOption) apply(c *config) { c.logger = o.logger }

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option { return &loggerOption{logger: logger} }

type tracerOption struct{ tracer trace.Tracer }

func (o *tracerOption) apply(c *config) { c.tracer = o.tracer }

// WithTracer overrides the default tracer.
func WithTracer(tracer trace.Tracer) Option { return &tracerOption{tracer: tracer} }

func newConfig(opts ...Option) *config {
	c := &config{
		serviceName:        DefaultServiceName,
		serviceDescription: DefaultServiceDescription,
		serviceVersion:     DefaultServiceVersion,
		period:             DefaultPeriod,
		probeInterval:      DefaultProbeInterval,
		powerAttempts:      DefaultPowerAttempts,
		fpgaAttempts:       DefaultFPGAAttempts,
		fpgaReload:         true,
		buildAttempts:      DefaultBuildAttempts,
		systemReportUser:   DefaultSystemReportUser,
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

func (c *config) validate() error {
	if c.serviceName == "" {
		return fmt.Errorf("%w: service name cannot be empty", ErrInvalidConfiguration)
	}
	if c.dsn == "" {
		return fmt.Errorf("%w: dsn cannot be empty", ErrInvalidConfiguration)
	}
	if c.period <= 0 {
		return fmt.Errorf("%w: period must be positive", ErrInvalidConfiguration)
	}
	if c.powerAttempts < 1 || c.fpgaAttempts < 1 || c.buildAttempts < 1 {
		return fmt.Errorf("%w: attempt counts must be at least 1", ErrInvalidConfiguration)
	}
	return nil
}
