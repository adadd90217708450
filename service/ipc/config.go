// SPDX-License-Identifier: BSD-3-Clause

package ipc

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const (
	DefaultServiceName        = "ipc"
	DefaultServiceDescription = "embedded NATS server for in-process IPC"
	DefaultServiceVersion     = "1.0.0"
	DefaultServerName         = "bmpctl-ipc"
	DefaultStoreDir           = "/var/lib/bmpctl/ipc"
	DefaultMaxMemory          = 64 * 1024 * 1024
	DefaultMaxStorage         = 256 * 1024 * 1024
	DefaultStartupTimeout     = 10 * time.Second
	DefaultShutdownTimeout    = 5 * time.Second
)

type config struct {
	serviceName        string
	serviceDescription string
	serviceVersion     string

	serverName string
	serverOpts *server.Options

	storeDir        string
	enableJetStream bool
	dontListen      bool

	maxMemory  int64
	maxStorage int64

	startupTimeout  time.Duration
	shutdownTimeout time.Duration

	maxConnections int
	maxControlLine int32
	maxPayload     int32

	writeDeadline time.Duration
	pingInterval  time.Duration
	maxPingsOut   int

	enableSlowConsumerDetection bool
	slowConsumerThreshold       time.Duration
}

// Option configures the embedded IPC server at construction time.
type Option interface {
	apply(*config)
}

type nameOption struct{ name string }

func (o *nameOption) apply(c *config) { c.serviceName = o.name }

// WithServiceName sets the service name reported to the supervision tree.
func WithServiceName(name string) Option { return &nameOption{name: name} }

type descriptionOption struct{ description string }

func (o *descriptionOption) apply(c *config) { c.serviceDescription = o.description }

// WithServiceDescription sets the service description.
func WithServiceDescription(description string) Option {
	return &descriptionOption{description: description}
}

type versionOption struct{ version string }

func (o *versionOption) apply(c *config) { c.serviceVersion = o.version }

// WithServiceVersion sets the service version.
func WithServiceVersion(version string) Option { return &versionOption{version: version} }

type serverOption struct{ opts *server.Options }

func (o *serverOption) apply(c *config) { c.serverOpts = o.opts }

// WithServerOpts supplies a pre-built *server.Options, taking precedence
// over every other field when present.
func WithServerOpts(opts *server.Options) Option { return &serverOption{opts: opts} }

type storeDirOption struct{ dir string }

func (o *storeDirOption) apply(c *config) { c.storeDir = o.dir }

// WithStoreDir sets the JetStream storage directory.
func WithStoreDir(dir string) Option { return &storeDirOption{dir: dir} }

type jetStreamOption struct{ enable bool }

func (o *jetStreamOption) apply(c *config) { c.enableJetStream = o.enable }

// WithJetStream toggles JetStream persistence.
func WithJetStream(enable bool) Option { return &jetStreamOption{enable: enable} }

type maxMemoryOption struct{ n int64 }

func (o *maxMemoryOption) apply(c *config) { c.maxMemory = o.n }

// WithMaxMemory sets the JetStream in-memory storage limit, in bytes.
func WithMaxMemory(n int64) Option { return &maxMemoryOption{n: n} }

type maxStorageOption struct{ n int64 }

func (o *maxStorageOption) apply(c *config) { c.maxStorage = o.n }

// WithMaxStorage sets the JetStream file storage limit, in bytes.
func WithMaxStorage(n int64) Option { return &maxStorageOption{n: n} }

type startupTimeoutOption struct{ d time.Duration }

func (o *startupTimeoutOption) apply(c *config) { c.startupTimeout = o.d }

// WithStartupTimeout bounds how long Run waits for the server to become
// ready for connections.
func WithStartupTimeout(d time.Duration) Option { return &startupTimeoutOption{d: d} }

type shutdownTimeoutOption struct{ d time.Duration }

func (o *shutdownTimeoutOption) apply(c *config) { c.shutdownTimeout = o.d }

// WithShutdownTimeout bounds how long shutdown waits for the server's Shutdown
// call to return after lame duck mode; the server is not forced down.
func WithShutdownTimeout(d time.Duration) Option { return &shutdownTimeoutOption{d: d} }

func newConfig(opts ...Option) *config {
	c := &config{
		serviceName:                 DefaultServiceName,
		serviceDescription:          DefaultServiceDescription,
		serviceVersion:              DefaultServiceVersion,
		serverName:                  DefaultServerName,
		storeDir:                    DefaultStoreDir,
		enableJetStream:             true,
		dontListen:                  true,
		maxMemory:                   DefaultMaxMemory,
		maxStorage:                  DefaultMaxStorage,
		startupTimeout:              DefaultStartupTimeout,
		shutdownTimeout:             DefaultShutdownTimeout,
		maxConnections:              0,
		maxControlLine:              1024,
		maxPayload:                  1048576,
		writeDeadline:               2 * time.Second,
		pingInterval:                2 * time.Minute,
		maxPingsOut:                 2,
		enableSlowConsumerDetection: true,
		slowConsumerThreshold:       5 * time.Second,
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// Validate checks the configuration is internally consistent.
func (c *config) Validate() error {
	if c.serviceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if c.serverOpts == nil {
		if c.enableJetStream && c.storeDir == "" {
			return fmt.Errorf("store dir cannot be empty with JetStream enabled")
		}
		if c.startupTimeout <= 0 || c.shutdownTimeout <= 0 {
			return fmt.Errorf("startup and shutdown timeouts must be positive")
		}
	}
	return nil
}

// ToServerOptions builds the *server.Options the embedded NATS server is
// started with. A caller-supplied WithServerOpts value is used verbatim.
func (c *config) ToServerOptions() *server.Options {
	if c.serverOpts != nil {
		return c.serverOpts
	}
	return &server.Options{
		ServerName:         c.serverName,
		DontListen:         c.dontListen,
		JetStream:          c.enableJetStream,
		StoreDir:           c.storeDir,
		JetStreamMaxMemory: c.maxMemory,
		JetStreamMaxStore:  c.maxStorage,
		MaxConn:            c.maxConnections,
		MaxControlLine:     c.maxControlLine,
		MaxPayload:         c.maxPayload,
		WriteDeadline:      c.writeDeadline,
		PingInterval:       c.pingInterval,
		MaxPingsOut:        c.maxPingsOut,
	}
}
