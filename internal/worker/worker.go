// SPDX-License-Identifier: BSD-3-Clause

// Package worker implements the Per-BMP Worker (C4): one long-lived task
// per machine, owning a FIFO of request.Request values, that invokes the
// BMP Driver (C1) through the Transceiver Factory (C2), applies the
// retry/backoff contract from §4.4, and enqueues cleanup.Task messages for
// the Completion Applier (C5) to drain on the next tick.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spinnaker/bmpctl/internal/bmpdriver"
	"github.com/spinnaker/bmpctl/internal/bmpwire"
	"github.com/spinnaker/bmpctl/internal/cleanup"
	"github.com/spinnaker/bmpctl/internal/request"
	"github.com/spinnaker/bmpctl/internal/store"
	"github.com/spinnaker/bmpctl/internal/txrxcache"
	"github.com/spinnaker/bmpctl/pkg/netprobe"
	"github.com/spinnaker/bmpctl/pkg/queue"
)

// Worker is the per-BMP Worker for one machine.
type Worker struct {
	machine string
	cfg     *config
	cache   *txrxcache.Cache
	cleanup *queue.Queue[cleanup.Task]
	pinger  netprobe.Pinger
	log     *slog.Logger

	fifo   *queue.Queue[request.Request]
	notify chan struct{}

	lastErr atomic.Pointer[string]
}

// New constructs a Worker for machine. cleanupQ is the shared queue the
// controller drains every tick via the completion applier.
func New(machine string, cache *txrxcache.Cache, cleanupQ *queue.Queue[cleanup.Task], pinger netprobe.Pinger, log *slog.Logger, opts ...Option) (*Worker, error) {
	cfg := newConfig(opts...)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if pinger == nil {
		pinger = netprobe.NewICMPPinger()
	}
	return &Worker{
		machine: machine,
		cfg:     cfg,
		cache:   cache,
		cleanup: cleanupQ,
		pinger:  pinger,
		log:     log,
		fifo:    queue.New[request.Request](),
		notify:  make(chan struct{}, 1),
	}, nil
}

// Push enqueues req onto this worker's FIFO and wakes the scheduling loop.
func (w *Worker) Push(req request.Request) {
	w.fifo.Push(req)
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Depth reports the worker's current FIFO depth, for Stats().
func (w *Worker) Depth() int { return w.fifo.Len() }

// LastError returns the message of the most recent hardware error this
// worker observed, or "" if none has occurred yet. The process-wide value
// is the controller's LastError.
func (w *Worker) LastError() string {
	p := w.lastErr.Load()
	if p == nil {
		return ""
	}
	return *p
}

// Run is the worker's scheduling loop (§4.4's pseudocode). It returns once
// ctx is cancelled and the FIFO has drained.
func (w *Worker) Run(ctx context.Context) {
	for {
		if w.fifo.Len() == 0 {
			select {
			case <-w.notify:
			case <-ctx.Done():
			}
		}

		for {
			req, ok := w.fifo.Pop()
			if !ok {
				break
			}
			w.process(ctx, req)
		}

		if ctx.Err() != nil && w.fifo.Len() == 0 {
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, req request.Request) {
	for {
		err := w.attempt(ctx, req)

		if err == nil {
			w.onSuccess(ctx, req)
			return
		}

		if isInterrupted(ctx, err) {
			w.recordError(err)
			w.onFailure(req, err)
			return
		}

		if errors.Is(err, bmpwire.ErrTransient) {
			if req.Attempt()+1 < w.cfg.powerAttempts {
				req.IncrementAttempt()
				select {
				case <-time.After(w.cfg.probeInterval):
					continue
				case <-ctx.Done():
					w.recordError(bmpwire.ErrInterrupted)
					w.onFailure(req, bmpwire.ErrInterrupted)
					return
				}
			}
		}

		// Transient-exhausted, PermanentFailure, CallerBug, and
		// OtherHardwareFailure are all final per the retry contract.
		w.recordError(err)
		w.onFailure(req, err)
		return
	}
}

func isInterrupted(ctx context.Context, err error) bool {
	return errors.Is(err, bmpwire.ErrInterrupted) || ctx.Err() != nil
}

func (w *Worker) recordError(err error) {
	msg := err.Error()
	w.lastErr.Store(&msg)
	w.cfg.onError(err)
}

// attempt performs one hardware pass of req's body against its driver(s).
func (w *Worker) attempt(ctx context.Context, req request.Request) error {
	switch req.Kind {
	case request.KindPower:
		return w.attemptPower(ctx, req.Power)
	case request.KindBlacklist:
		return w.attemptBlacklist(ctx, req.Blacklist)
	default:
		return bmpwire.ErrCallerBug
	}
}

func (w *Worker) attemptPower(ctx context.Context, pr *request.PowerRequest) error {
	for _, coords := range unionCoords(pr) {
		addr := firstAddr(pr.PowerOn[coords], pr.PowerOff[coords], pr.LinkDisables[coords])
		txrx, err := w.cache.Get(ctx, pr.Machine, coords, addr)
		if err != nil {
			return err
		}
		driver, err := bmpdriver.New(txrx, w.log,
			bmpdriver.WithPowerAttempts(w.cfg.powerAttempts),
			bmpdriver.WithFPGAAttempts(w.cfg.fpgaAttempts),
			bmpdriver.WithFPGAReload(w.cfg.fpgaReload))
		if err != nil {
			return err
		}

		if boards := pr.PowerOn[coords]; len(boards) > 0 {
			nums := make([]int, len(boards))
			for i, b := range boards {
				nums[i] = b.BoardNumber
			}
			if err := driver.PowerOnAndCheck(ctx, nums); err != nil {
				return err
			}
		}

		for _, ld := range pr.LinkDisables[coords] {
			for dir, on := range map[bmpwire.Direction]bool{
				bmpwire.DirectionNorth:     ld.North,
				bmpwire.DirectionSouth:     ld.South,
				bmpwire.DirectionEast:      ld.East,
				bmpwire.DirectionWest:      ld.West,
				bmpwire.DirectionSouthWest: ld.SouthWest,
				bmpwire.DirectionNorthEast: ld.NorthEast,
			} {
				if !on {
					continue
				}
				if err := driver.SetLinkOff(ctx, ld.BoardNumber, dir); err != nil {
					return err
				}
			}
		}

		if boards := pr.PowerOff[coords]; len(boards) > 0 {
			nums := make([]int, len(boards))
			for i, b := range boards {
				nums[i] = b.BoardNumber
			}
			if err := driver.PowerOff(ctx, nums); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Worker) attemptBlacklist(ctx context.Context, br *request.BlacklistRequest) error {
	txrx, err := w.cache.Get(ctx, br.Machine, br.Coords, br.IP)
	if err != nil {
		return err
	}
	driver, err := bmpdriver.New(txrx, w.log)
	if err != nil {
		return err
	}

	switch br.Kind {
	case store.BlacklistOpGetSerial:
		_, err := driver.ReadSerial(ctx, br.BoardNumber)
		return err
	case store.BlacklistOpRead:
		_, _, err := driver.ReadBlacklist(ctx, br.BoardNumber, br.ExpectedSerial)
		return err
	case store.BlacklistOpWrite:
		return driver.WriteBlacklist(ctx, br.BoardNumber, br.PayloadIfWrite, br.ExpectedSerial)
	default:
		return bmpwire.ErrCallerBug
	}
}

func (w *Worker) onSuccess(ctx context.Context, req request.Request) {
	switch req.Kind {
	case request.KindPower:
		w.pingFreshlyPowered(ctx, req.Power)
		w.cleanup.Push(cleanup.NewPower(&cleanup.PowerOutcome{Request: req.Power}))
	case request.KindBlacklist:
		w.enqueueBlacklistSuccess(ctx, req.Blacklist)
	}
}

// enqueueBlacklistSuccess re-reads the result fields needed by the
// applier. Real reads already happened inside attemptBlacklist; for
// simplicity (and because the dummy/real transceiver is idempotent for
// reads) it re-reads here so the cleanup message is self-contained.
func (w *Worker) enqueueBlacklistSuccess(ctx context.Context, br *request.BlacklistRequest) {
	outcome := &cleanup.BlacklistOutcome{Request: br}
	if br.Kind == store.BlacklistOpRead {
		txrx, err := w.cache.Get(ctx, br.Machine, br.Coords, br.IP)
		if err == nil {
			driver, derr := bmpdriver.New(txrx, w.log)
			if derr == nil {
				bl, serial, rerr := driver.ReadBlacklist(ctx, br.BoardNumber, br.ExpectedSerial)
				if rerr == nil {
					outcome.Blacklist = bl
					outcome.Serial = serial
				}
			}
		}
	}
	w.cleanup.Push(cleanup.NewBlacklist(outcome))
}

func (w *Worker) onFailure(req request.Request, err error) {
	switch req.Kind {
	case request.KindPower:
		outcome := &cleanup.PowerOutcome{Request: req.Power, Err: err}

		var permErr *bmpwire.PermanentFailure
		if errors.As(err, &permErr) && req.Power.ToState == store.JobStateReady && len(req.Power.PowerOn) > 0 {
			if id, ok := boardByNumber(req.Power.PowerOn, permErr.BoardNumber); ok {
				outcome.Quarantine = &cleanup.QuarantineBoard{BoardID: id.BoardID, BoardNumber: id.BoardNumber}
			}
		}
		w.cleanup.Push(cleanup.NewPower(outcome))
	case request.KindBlacklist:
		w.cleanup.Push(cleanup.NewBlacklist(&cleanup.BlacklistOutcome{Request: req.Blacklist, Err: err}))
	}
}

func (w *Worker) pingFreshlyPowered(ctx context.Context, pr *request.PowerRequest) {
	var addrs []string
	for _, boards := range pr.PowerOn {
		for _, b := range boards {
			if b.TurnOn && b.IP != "" {
				addrs = append(addrs, b.IP)
			}
		}
	}
	if len(addrs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := w.pinger.Ping(ctx, addr, w.cfg.probeInterval); err != nil {
				w.log.Debug("post-power-on ping failed", "addr", addr, "error", err)
			}
		}(addr)
	}
	wg.Wait()
}

func boardByNumber(m map[store.BMPCoords][]request.BoardPower, boardNumber int) (store.BoardIdentity, bool) {
	for _, boards := range m {
		for _, b := range boards {
			if b.BoardNumber == boardNumber {
				return b.BoardIdentity, true
			}
		}
	}
	return store.BoardIdentity{}, false
}

func unionCoords(pr *request.PowerRequest) []store.BMPCoords {
	seen := make(map[store.BMPCoords]struct{})
	for k := range pr.PowerOn {
		seen[k] = struct{}{}
	}
	for k := range pr.PowerOff {
		seen[k] = struct{}{}
	}
	for k := range pr.LinkDisables {
		seen[k] = struct{}{}
	}
	out := make([]store.BMPCoords, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cabinet != out[j].Cabinet {
			return out[i].Cabinet < out[j].Cabinet
		}
		return out[i].Frame < out[j].Frame
	})
	return out
}

func firstAddr(on, off []request.BoardPower, links []request.LinkDisable) string {
	for _, b := range on {
		if b.IP != "" {
			return b.IP
		}
	}
	for _, b := range off {
		if b.IP != "" {
			return b.IP
		}
	}
	for _, l := range links {
		if l.IP != "" {
			return l.IP
		}
	}
	return ""
}
