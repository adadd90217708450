// SPDX-License-Identifier: BSD-3-Clause

// Package controller implements the Controller Loop (C6): the top-level
// service.Service tying the request taker (C3), per-BMP workers (C4), the
// completion applier (C5), and the busy-jobs set (C7) together into one
// periodic tick, the way the teacher's service/powermgr owns and drives
// its backends from one Run loop.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spinnaker/bmpctl/internal/applier"
	"github.com/spinnaker/bmpctl/internal/bmpwire"
	"github.com/spinnaker/bmpctl/internal/busyjobs"
	"github.com/spinnaker/bmpctl/internal/cleanup"
	"github.com/spinnaker/bmpctl/internal/store"
	"github.com/spinnaker/bmpctl/internal/taker"
	"github.com/spinnaker/bmpctl/internal/txrxcache"
	"github.com/spinnaker/bmpctl/internal/worker"
	"github.com/spinnaker/bmpctl/pkg/ipc"
	"github.com/spinnaker/bmpctl/pkg/log"
	"github.com/spinnaker/bmpctl/pkg/mailnotify"
	"github.com/spinnaker/bmpctl/pkg/netprobe"
	"github.com/spinnaker/bmpctl/pkg/queue"
	"github.com/spinnaker/bmpctl/service"
)

var _ service.Service = (*Controller)(nil)

// Controller is the BMP controller's tick loop.
type Controller struct {
	cfg *config

	db       *store.Store
	busy     *busyjobs.Set
	epochs   *busyjobs.Epochs
	cleanupQ *queue.Queue[cleanup.Task]
	postQ    *queue.Queue[cleanup.PostTask]
	cache    *txrxcache.Cache

	taker   *taker.Taker
	applier *applier.Applier

	nc     *nats.Conn
	mailer *mailnotify.Notifier

	mu      sync.Mutex
	workers map[string]*worker.Worker
	cancels []context.CancelFunc
	wg      sync.WaitGroup

	lastErr atomic.Pointer[string]

	log *slog.Logger
}

// New constructs a Controller. The store is opened immediately so
// configuration errors (a bad DSN) surface at construction time rather
// than the first tick.
func New(ctx context.Context, opts ...Option) (*Controller, error) {
	cfg := newConfig(opts...)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	l := cfg.logger
	if l == nil {
		l = log.GetGlobalLogger()
	}

	db, err := store.Open(ctx, store.WithDSN(cfg.dsn))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	busy := busyjobs.NewSet()
	cleanupQ := queue.New[cleanup.Task]()
	postQ := queue.New[cleanup.PostTask]()

	c := &Controller{
		cfg:      cfg,
		db:       db,
		busy:     busy,
		cleanupQ: cleanupQ,
		postQ:    postQ,
		workers:  make(map[string]*worker.Worker),
		log:      l,
	}

	c.epochs = busyjobs.NewEpochs(c.publishEpoch)
	c.mailer = mailnotify.New(nil)

	cache, err := txrxcache.New(c.dial, txrxcache.WithBuildAttempts(cfg.buildAttempts),
		txrxcache.WithProbeTimeout(cfg.probeInterval), txrxcache.WithDummyMode(cfg.useDummyBMP))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build transceiver cache: %w", err)
	}
	c.cache = cache

	c.taker = taker.New(db, busy, l)

	a, err := applier.New(db, busy, c.epochs, cleanupQ, postQ, l,
		applier.WithSystemReportUser(cfg.systemReportUser), applier.WithNotifyFunc(c.notifyOperator))
	if err != nil {
		db.Close()
		cache.CloseAll()
		return nil, fmt.Errorf("build completion applier: %w", err)
	}
	c.applier = a

	return c, nil
}

// Name returns the service name.
func (c *Controller) Name() string { return c.cfg.serviceName }

// Run is the controller's main loop: tick every config.Period until ctx is
// cancelled, then join every worker with a bounded timeout and release
// hardware resources.
func (c *Controller) Run(ctx context.Context, ipcConn nats.InProcessConnProvider) error {
	c.log.InfoContext(ctx, "starting BMP controller", "service", c.cfg.serviceName, "period", c.cfg.period)

	if err := c.db.ClearStaleInProgress(ctx); err != nil {
		return fmt.Errorf("clear stale in-progress changes: %w", err)
	}

	if err := c.registerGauges(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	if ipcConn != nil {
		nc, err := nats.Connect("", nats.InProcessServer(ipcConn))
		if err != nil {
			return fmt.Errorf("connect to in-process NATS: %w", err)
		}
		c.nc = nc
		c.mailer = mailnotify.New(nc)
		defer nc.Drain() //nolint:errcheck
	}

	ticker := time.NewTicker(c.cfg.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				if errors.Is(err, store.ErrBusy) {
					c.log.DebugContext(ctx, "store busy, skipping tick")
					continue
				}
				c.recordError(err)
				c.log.ErrorContext(ctx, "tick failed", "error", err)
			}
		}
	}
}

// tick runs one drain-then-take-then-dispatch cycle.
func (c *Controller) tick(ctx context.Context) error {
	if _, err := c.applier.Drain(ctx); err != nil {
		return fmt.Errorf("drain cleanup queue: %w", err)
	}

	reqs, err := c.taker.Take(ctx)
	if err != nil {
		return fmt.Errorf("take pending requests: %w", err)
	}

	for _, req := range reqs {
		machine := req.MachineName()
		w, err := c.workerFor(machine)
		if err != nil {
			c.log.ErrorContext(ctx, "failed to materialize worker", "machine", machine, "error", err)
			continue
		}
		w.Push(req)
	}

	return nil
}

// workerFor lazily creates and starts the worker for machine, per §4.4's
// "created lazily on first dispatch".
func (c *Controller) workerFor(machine string) (*worker.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.workers[machine]; ok {
		return w, nil
	}

	var pinger netprobe.Pinger = netprobe.NewICMPPinger()
	if c.cfg.useDummyBMP {
		pinger = netprobe.NoopPinger{}
	}

	w, err := worker.New(machine, c.cache, c.cleanupQ, pinger, c.log,
		worker.WithPowerAttempts(c.cfg.powerAttempts),
		worker.WithFPGAAttempts(c.cfg.fpgaAttempts),
		worker.WithFPGAReload(c.cfg.fpgaReload),
		worker.WithProbeInterval(c.cfg.probeInterval),
		worker.WithErrorSink(c.recordError))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancels = append(c.cancels, cancel)
	c.workers[machine] = w
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.Run(runCtx)
	}()

	return w, nil
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.cfg.probeInterval + 5*time.Second):
		c.log.Warn("timed out waiting for workers to drain on shutdown")
	}

	c.cache.CloseAll()
}

// Stats is the management surface from §6: the pending-request count (from
// the store) and the active-request count (summed worker FIFO depths).
func (c *Controller) Stats(ctx context.Context) (pending, active int, err error) {
	pending, err = c.db.PendingRequestCount(ctx)
	if err != nil {
		return 0, 0, err
	}

	c.mu.Lock()
	for _, w := range c.workers {
		active += w.Depth()
	}
	c.mu.Unlock()

	return pending, active, nil
}

// LastError returns the most recently observed error, whether a tick-level
// failure from Run's own loop or a hardware error a worker recorded and
// forwarded through its error sink. It is the one piece of process-wide
// state the specification allows to cross the worker/controller boundary
// (§7's bmpProcessingException analog).
func (c *Controller) LastError() string {
	p := c.lastErr.Load()
	if p == nil {
		return ""
	}
	return *p
}

func (c *Controller) recordError(err error) {
	msg := err.Error()
	c.lastErr.Store(&msg)
}

func (c *Controller) publishEpoch(kind busyjobs.Kind, epoch uint64) {
	if c.nc == nil {
		return
	}
	subject := epochSubject(kind)
	if subject == "" {
		return
	}
	_ = c.nc.Publish(subject, []byte(fmt.Sprintf("%d", epoch)))
}

// notifyOperator is the Applier's post-cleanup notify hook: it publishes
// the operator-mail Notification onto the IPC bus, the one piece of
// cross-boundary state §4.5 sends outward rather than recording in-store.
func (c *Controller) notifyOperator(boardID int64, message string) {
	if err := c.mailer.Notify(boardID, message, time.Now()); err != nil {
		c.log.Warn("failed to publish operator notification", "board_id", boardID, "error", err)
	}
}

func epochSubject(kind busyjobs.Kind) string {
	switch kind {
	case busyjobs.KindJobs:
		return ipc.SubjectJobsEpochChanged
	case busyjobs.KindMachine:
		return ipc.SubjectMachineEpochChanged
	case busyjobs.KindBlacklist:
		return ipc.SubjectBlacklistEpochChanged
	default:
		return ""
	}
}

// dial is the txrxcache.Dialer backing this controller's transceiver cache.
func (c *Controller) dial(ctx context.Context, addr string) (bmpwire.Transceiver, error) {
	if c.cfg.useDummyBMP {
		return bmpwire.NewDummyTransceiver("bmp-v1"), nil
	}
	return bmpwire.DialUDPTransceiver(addr, c.cfg.probeInterval)
}
