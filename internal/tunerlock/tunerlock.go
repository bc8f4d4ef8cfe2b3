// Package tunerlock implements the exclusive/shared lock that guards a
// tuner's current channel: a counting semaphore whose all-permits form is
// exclusive and whose one-permit form is shared among holders tuned to the
// same channel key.
package tunerlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bonproxy/server/internal/wire"
)

// MaxSharedClients is the semaphore's total permit count: the maximum
// number of simultaneous shared holders on one channel, and the weight an
// exclusive holder must acquire.
const MaxSharedClients = 100

// ErrChannelMismatch is returned by AcquireShared when the lock's current
// channel does not equal the requested key.
var ErrChannelMismatch = errors.New("tunerlock: channel mismatch")

// ErrNotInitialized is returned by AcquireShared when no channel has ever
// been set on this lock.
var ErrNotInitialized = errors.New("tunerlock: not initialized")

// Lock guards a single tuner device path's current channel. Zero value is
// not usable; construct with New.
type Lock struct {
	sem *semaphore.Weighted

	mu      sync.RWMutex
	channel *wire.Key

	sharedCount     atomic.Int32
	exclusivelyHeld atomic.Bool

	// retuneLimiter throttles how often this lock's channel may be
	// changed via an exclusive acquisition, guarding against a
	// misbehaving client flapping channels.
	retuneLimiter *rate.Limiter
}

// New builds a Lock with no channel set (Idle state).
func New() *Lock {
	return &Lock{
		sem:           semaphore.NewWeighted(MaxSharedClients),
		retuneLimiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// AllowRetune reports whether a channel-changing exclusive acquisition may
// proceed right now, per the retune rate limit. Callers should check this
// before calling AcquireExclusive for a channel change (not for the
// initial open).
func (l *Lock) AllowRetune() bool { return l.retuneLimiter.Allow() }

// CurrentChannel returns the lock's current channel, or nil if never set.
func (l *Lock) CurrentChannel() *wire.Key {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.channel == nil {
		return nil
	}
	k := *l.channel
	return &k
}

// SharedCount returns the number of outstanding shared guards.
func (l *Lock) SharedCount() int32 { return l.sharedCount.Load() }

// IsLocked reports whether any holder (exclusive or shared) currently
// holds a permit.
func (l *Lock) IsLocked() bool { return l.sharedCount.Load() > 0 || l.exclusivelyHeld.Load() }

// ExclusiveGuard represents exclusive ownership of all permits.
type ExclusiveGuard struct {
	lock     *Lock
	released atomic.Bool
}

// SharedGuard represents ownership of a single permit on a specific channel.
type SharedGuard struct {
	lock     *Lock
	key      wire.Key
	released atomic.Bool
}

// Channel returns the channel this shared guard is bound to.
func (g *SharedGuard) Channel() wire.Key { return g.key }

// AcquireExclusive blocks until all permits are free, then takes all of
// them. The channel field is left untouched; call SetChannel to record a
// new one, or Downgrade to convert directly to a shared guard.
func (l *Lock) AcquireExclusive(ctx context.Context) (*ExclusiveGuard, error) {
	if err := l.sem.Acquire(ctx, MaxSharedClients); err != nil {
		return nil, err
	}
	l.exclusivelyHeld.Store(true)
	return &ExclusiveGuard{lock: l}, nil
}

// TryAcquireExclusive is the non-blocking variant of AcquireExclusive.
func (l *Lock) TryAcquireExclusive() (*ExclusiveGuard, bool) {
	if !l.sem.TryAcquire(MaxSharedClients) {
		return nil, false
	}
	l.exclusivelyHeld.Store(true)
	return &ExclusiveGuard{lock: l}, true
}

// SetChannel records the lock's current channel. Must only be called while
// holding the exclusive guard returned by this same lock.
func (g *ExclusiveGuard) SetChannel(key wire.Key) {
	g.lock.mu.Lock()
	defer g.lock.mu.Unlock()
	k := key
	g.lock.channel = &k
}

// Release drops all permits, returning the lock to Idle (the channel field
// is retained, per spec: "Exclusive →(drop)→ Idle (channel retained in
// field)"). Safe to call more than once; subsequent calls are no-ops.
func (g *ExclusiveGuard) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	g.lock.exclusivelyHeld.Store(false)
	g.lock.sem.Release(MaxSharedClients)
}

// Downgrade atomically sets the lock's channel to key and converts an
// exclusive guard into a shared guard holding exactly one of the permits
// the exclusive guard held. The exclusive guard is consumed; calling
// Release on it after Downgrade is a no-op.
func (g *ExclusiveGuard) Downgrade(key wire.Key) *SharedGuard {
	g.lock.mu.Lock()
	k := key
	g.lock.channel = &k
	g.lock.mu.Unlock()

	if !g.released.CompareAndSwap(false, true) {
		// already released elsewhere; treat as a fresh shared acquisition
		g.lock.sem.Acquire(context.Background(), 1) //nolint:errcheck
	} else {
		g.lock.sem.Release(MaxSharedClients - 1)
	}
	g.lock.exclusivelyHeld.Store(false)
	g.lock.sharedCount.Add(1)
	return &SharedGuard{lock: g.lock, key: key}
}

// AcquireShared blocks until one permit is free, but only succeeds if the
// lock's current channel equals key. Fails immediately (without blocking)
// with ErrNotInitialized if no channel has ever been set, or
// ErrChannelMismatch if the current channel differs from key.
func (l *Lock) AcquireShared(ctx context.Context, key wire.Key) (*SharedGuard, error) {
	if err := l.checkChannel(key); err != nil {
		return nil, err
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	// Re-check after acquiring: the channel may have changed while we
	// waited for a permit (an exclusive holder retuned it).
	if err := l.checkChannel(key); err != nil {
		l.sem.Release(1)
		return nil, err
	}
	l.sharedCount.Add(1)
	return &SharedGuard{lock: l, key: key}, nil
}

// TryAcquireShared is the non-blocking variant of AcquireShared. The bool
// result is false when the permit would have required blocking (distinct
// from the error results, which indicate the channel-identity check
// itself failed).
func (l *Lock) TryAcquireShared(key wire.Key) (*SharedGuard, bool, error) {
	if err := l.checkChannel(key); err != nil {
		return nil, false, err
	}
	if !l.sem.TryAcquire(1) {
		return nil, false, nil
	}
	if err := l.checkChannel(key); err != nil {
		l.sem.Release(1)
		return nil, false, err
	}
	l.sharedCount.Add(1)
	return &SharedGuard{lock: l, key: key}, true, nil
}

func (l *Lock) checkChannel(key wire.Key) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.channel == nil {
		return ErrNotInitialized
	}
	if *l.channel != key {
		return ErrChannelMismatch
	}
	return nil
}

// Release drops the shared permit. Safe to call more than once; subsequent
// calls are no-ops.
func (g *SharedGuard) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	g.lock.sharedCount.Add(-1)
	g.lock.sem.Release(1)
}
