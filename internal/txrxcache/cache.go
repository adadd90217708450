// SPDX-License-Identifier: BSD-3-Clause

// Package txrxcache implements the Transceiver Factory (C2): a cache of
// live BMP transceivers keyed by (machine, BMP coordinates), constructed
// lazily and torn down on close or on a dummy-mode toggle.
package txrxcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spinnaker/bmpctl/internal/bmpwire"
	"github.com/spinnaker/bmpctl/internal/store"
)

// Dialer dials a new Transceiver for the BMP reachable at addr. The real
// implementation is bmpwire.DialUDPTransceiver; tests substitute a fake.
type Dialer func(ctx context.Context, addr string) (bmpwire.Transceiver, error)

type cacheKey struct {
	machine string
	coords  store.BMPCoords
}

// Cache is the Transceiver Factory. It is safe for concurrent use.
type Cache struct {
	cfg    *config
	dial   Dialer
	mu     sync.Mutex
	txrxs  map[cacheKey]bmpwire.Transceiver
	closed bool
}

// New constructs a Cache. dial is used to construct real transceivers when
// not in dummy mode.
func New(dial Dialer, opts ...Option) (*Cache, error) {
	cfg := newConfig(opts...)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Cache{
		cfg:   cfg,
		dial:  dial,
		txrxs: make(map[cacheKey]bmpwire.Transceiver),
	}, nil
}

// Get returns the cached transceiver for (machine, coords), dialing and
// probing a new one if none is cached yet. Construction retries up to
// buildAttempts times, pinging addr between attempts, per §4.2.
func (c *Cache) Get(ctx context.Context, machine string, coords store.BMPCoords, addr string) (bmpwire.Transceiver, error) {
	key := cacheKey{machine: machine, coords: coords}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if txrx, ok := c.txrxs[key]; ok {
		c.mu.Unlock()
		return txrx, nil
	}
	dummy := c.cfg.dummy
	c.mu.Unlock()

	var txrx bmpwire.Transceiver
	var err error
	if dummy {
		txrx = bmpwire.NewDummyTransceiver("dummy")
	} else {
		txrx, err = c.build(ctx, addr)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		txrx.Close()
		return nil, ErrClosed
	}
	if existing, ok := c.txrxs[key]; ok {
		// Lost a race with a concurrent Get for the same key; keep the
		// one already installed and discard ours.
		txrx.Close()
		return existing, nil
	}
	c.txrxs[key] = txrx
	return txrx, nil
}

func (c *Cache) build(ctx context.Context, addr string) (bmpwire.Transceiver, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.buildAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.probeBackoff):
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.probeTimeout)
		err := c.cfg.pinger.Ping(probeCtx, addr, c.cfg.probeTimeout)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		txrx, err := c.dial(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		return txrx, nil
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrBuildExhausted, addr, c.cfg.buildAttempts, lastErr)
}

// Evict closes and removes the cached transceiver for (machine, coords),
// if any, forcing the next Get to rebuild it. Used when a BMP is
// suspected unhealthy and a reconnect is warranted.
func (c *Cache) Evict(machine string, coords store.BMPCoords) {
	key := cacheKey{machine: machine, coords: coords}
	c.mu.Lock()
	defer c.mu.Unlock()
	if txrx, ok := c.txrxs[key]; ok {
		txrx.Close()
		delete(c.txrxs, key)
	}
}

// SetDummyMode toggles dummy mode, closing and flushing every cached
// transceiver so subsequent Gets rebuild under the new mode.
func (c *Cache) SetDummyMode(enable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.dummy = enable
	for key, txrx := range c.txrxs {
		txrx.Close()
		delete(c.txrxs, key)
	}
}

// CloseAll closes every cached transceiver and marks the cache closed;
// subsequent Gets fail with ErrClosed.
func (c *Cache) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for key, txrx := range c.txrxs {
		txrx.Close()
		delete(c.txrxs, key)
	}
}

// Len reports how many transceivers are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txrxs)
}
