// Package pool implements the keyed registry of live shared tuners: the
// only sound sharing primitive, ensuring two clients that request the same
// (device-path, channel) key see the same tuner instance.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bonproxy/server/internal/device"
	"github.com/bonproxy/server/internal/metrics"
	"github.com/bonproxy/server/internal/sharedtuner"
	"github.com/bonproxy/server/internal/wire"
)

// DefaultMaxTuners is the pool's default capacity.
const DefaultMaxTuners = 16

// ErrOpenFailed wraps a factory failure or capacity exhaustion.
var ErrOpenFailed = errors.New("pool: open failed")

// Factory opens a new shared tuner for key. Invoked only on a pool miss,
// under the pool's write lock, so two concurrent callers for the same key
// never race to open the same device twice.
type Factory func(ctx context.Context, key wire.Key) (*sharedtuner.Tuner, error)

// Pool is a capacity-bounded, keyed registry of shared tuners.
type Pool struct {
	mu      sync.RWMutex
	tuners  map[wire.Key]*sharedtuner.Tuner
	max     int
	logger  zerolog.Logger
	metrics *metrics.Metrics

	cron *cron.Cron
}

// New builds an empty pool with the given capacity.
func New(max int, logger zerolog.Logger, m *metrics.Metrics) *Pool {
	if max <= 0 {
		max = DefaultMaxTuners
	}
	return &Pool{
		tuners:  make(map[wire.Key]*sharedtuner.Tuner),
		max:     max,
		logger:  logger.With().Str("component", "pool").Logger(),
		metrics: m,
	}
}

// StartPeriodicSweep schedules Cleanup to run on the given cron spec (e.g.
// "@every 30s"), returning the cron runner so callers can Stop it on
// shutdown. A no-op if spec is empty.
func (p *Pool) StartPeriodicSweep(spec string) (*cron.Cron, error) {
	if spec == "" {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n := p.Cleanup()
		if n > 0 {
			p.logger.Debug().Int("removed", n).Msg("periodic sweep removed orphaned tuners")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule pool sweep: %w", err)
	}
	c.Start()
	p.cron = c
	return c, nil
}

// Get returns the existing tuner for key, if any.
func (p *Pool) Get(key wire.Key) (*sharedtuner.Tuner, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tuners[key]
	return t, ok
}

// GetOrCreate returns the existing tuner for key, or invokes factory to
// create one if none exists. At capacity, it first sweeps orphaned tuners
// (those with no subscribers) and retries; if still full, fails with
// ErrOpenFailed.
//
// The factory call happens under the write lock so two racing callers for
// the same key never double-open the device — but per the lock-ordering
// discipline, the device binding's blocking open should itself be fast or
// asynchronous; a factory that blocks for a long time holds the pool write
// lock for that long, in exchange for never releasing the lock around the
// open and risking a discard-on-race.
func (p *Pool) GetOrCreate(ctx context.Context, key wire.Key, factory Factory) (*sharedtuner.Tuner, error) {
	p.mu.RLock()
	if t, ok := p.tuners[key]; ok {
		p.mu.RUnlock()
		return t, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check: another writer may have created it while we waited
	// for the write lock.
	if t, ok := p.tuners[key]; ok {
		return t, nil
	}

	if len(p.tuners) >= p.max {
		p.sweepOrphansLocked()
		if len(p.tuners) >= p.max {
			return nil, fmt.Errorf("%w: pool at capacity (%d)", ErrOpenFailed, p.max)
		}
	}

	t, err := factory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	p.tuners[key] = t
	if p.metrics != nil {
		p.metrics.TunersTotal.Inc()
		p.metrics.TunersActive.Set(float64(len(p.tuners)))
	}
	return t, nil
}

func (p *Pool) sweepOrphansLocked() {
	for key, t := range p.tuners {
		if !t.HasSubscribers() {
			t.Stop()
			delete(p.tuners, key)
		}
	}
}

// Remove unconditionally removes and stops the tuner for key, if present.
func (p *Pool) Remove(key wire.Key) {
	p.mu.Lock()
	t, ok := p.tuners[key]
	if ok {
		delete(p.tuners, key)
	}
	p.mu.Unlock()
	if ok {
		t.Stop()
		if p.metrics != nil {
			p.metrics.TunersActive.Set(float64(p.Count()))
		}
	}
}

// Cleanup removes every tuner with no subscribers and returns the count
// removed.
func (p *Pool) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := len(p.tuners)
	p.sweepOrphansLocked()
	removed := before - len(p.tuners)
	if p.metrics != nil && removed > 0 {
		p.metrics.TunersActive.Set(float64(len(p.tuners)))
	}
	return removed
}

// Keys returns every key currently held by the pool.
func (p *Pool) Keys() []wire.Key {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]wire.Key, 0, len(p.tuners))
	for k := range p.tuners {
		keys = append(keys, k)
	}
	return keys
}

// HasAnyForPath reports whether any tuner currently exists for the given
// device path, regardless of which channel it is tuned to.
func (p *Pool) HasAnyForPath(tunerPath string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for k := range p.tuners {
		if k.TunerPath == tunerPath {
			return true
		}
	}
	return false
}

// Count returns the current number of tuners held by the pool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tuners)
}

// DefaultDeviceFactory builds a Factory that opens tuners through opener,
// bridging the device package's Opener interface into the pool's Factory
// shape and wiring a fresh sharedtuner.Tuner around the opened device.
func DefaultDeviceFactory(opener device.Opener, ringCap int, logger zerolog.Logger, m *metrics.Metrics) Factory {
	return func(ctx context.Context, key wire.Key) (*sharedtuner.Tuner, error) {
		dev, err := opener.Open(ctx, key.TunerPath)
		if err != nil {
			return nil, err
		}
		if err := dev.SetChannel(ctx, key.Channel); err != nil {
			dev.Close()
			return nil, err
		}
		t := sharedtuner.New(key, dev, ringCap, logger, m)
		go t.Run(context.Background())
		return t, nil
	}
}
