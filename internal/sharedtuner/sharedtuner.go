// Package sharedtuner implements one hardware reader serving many client
// sessions tuned to the same channel: a single background reader task
// pulls TS bytes from the device binding and fans them out to a table of
// per-subscriber ring buffers.
package sharedtuner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bonproxy/server/internal/device"
	"github.com/bonproxy/server/internal/logging"
	"github.com/bonproxy/server/internal/metrics"
	"github.com/bonproxy/server/internal/ringbuffer"
	"github.com/bonproxy/server/internal/tsanalyzer"
	"github.com/bonproxy/server/internal/wire"
)

// readChunkSize is the bounded chunk the reader task pulls from the device
// per iteration: 1024 TS packets.
const readChunkSize = 188 * 1024

// Subscriber is a capability handle a session holds: enough to read its own
// ring and to unsubscribe, but never a back-reference to the tuner. The
// tuner, not the session, drives the subscriber's lifetime — when the
// reader exits it closes every subscriber, which sessions observe as
// "stream ended" on their next read.
type Subscriber struct {
	id        int64
	ring      *ringbuffer.Buffer
	drops     atomic.Uint64
	notify    chan struct{} // buffered 1; signalled whenever bytes are published
	closed    atomic.Bool
	closeOnce sync.Once
}

// ID returns the session id this subscriber was created for, the key
// callers pass back to Tuner.Unsubscribe.
func (s *Subscriber) ID() int64 { return s.id }

// Ring exposes the subscriber's ring buffer for GetTsStream/PurgeTsStream.
func (s *Subscriber) Ring() *ringbuffer.Buffer { return s.ring }

// Drops returns the cumulative number of bytes dropped for this subscriber
// due to a full ring.
func (s *Subscriber) Drops() uint64 { return s.drops.Load() }

// Closed reports whether the tuner has closed this subscriber (device
// error or pool cleanup), meaning no further bytes will ever arrive.
func (s *Subscriber) Closed() bool { return s.closed.Load() }

// WaitReady blocks until the ring has at least one byte available, ctx is
// cancelled, or the subscriber is closed — whichever comes first. Returns
// immediately if data is already available or the subscriber is closed; a
// closed subscriber reports closedNow even while its ring still holds bytes.
func (s *Subscriber) WaitReady(ctx context.Context) (ready bool, closedNow bool) {
	for {
		if s.closed.Load() {
			return false, true
		}
		if s.ring.Available() > 0 {
			return true, false
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return false, false
		}
	}
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.signal()
	})
}

// Status reports the tuner's terminal condition, if any.
type Status struct {
	Err error // non-nil once the reader has exited on a device error
}

// Tuner is a shared tuner: a device reader feeding a table of subscriber
// ring buffers, keyed by session id.
type Tuner struct {
	Key      wire.Key
	dev      device.Device
	analyzer *tsanalyzer.Analyzer
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	ringCap  int

	mu          sync.RWMutex
	subscribers map[int64]*Subscriber

	status atomic.Pointer[Status]

	started    atomic.Bool
	readerDone chan struct{}
	cancel     context.CancelFunc
}

// New constructs a shared tuner bound to an already-open device. The
// reader task is not started until Run is called.
func New(key wire.Key, dev device.Device, ringCap int, logger zerolog.Logger, m *metrics.Metrics) *Tuner {
	return &Tuner{
		Key:         key,
		dev:         dev,
		analyzer:    tsanalyzer.New(),
		logger:      logger.With().Str("component", "sharedtuner").Str("tuner_path", key.TunerPath).Logger(),
		metrics:     m,
		ringCap:     ringCap,
		subscribers: make(map[int64]*Subscriber),
		readerDone:  make(chan struct{}),
	}
}

// Subscribe adds a new per-subscriber ring buffer under sessionID and
// returns the handle the session uses to read it.
func (t *Tuner) Subscribe(sessionID int64) *Subscriber {
	sub := &Subscriber{
		id:     sessionID,
		ring:   ringbuffer.New(t.ringCap),
		notify: make(chan struct{}, 1),
	}
	t.mu.Lock()
	t.subscribers[sessionID] = sub
	t.mu.Unlock()
	return sub
}

// Unsubscribe removes sessionID's subscriber. Safe to call more than once.
func (t *Tuner) Unsubscribe(sessionID int64) {
	t.mu.Lock()
	delete(t.subscribers, sessionID)
	t.mu.Unlock()
}

// HasSubscribers reports whether any session currently subscribes.
func (t *Tuner) HasSubscribers() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers) > 0
}

// SubscriberCount returns the current number of subscribers.
func (t *Tuner) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// SignalLevel proxies to the device binding. May return a stale value
// between reader ticks since it is not synchronised with Publish.
func (t *Tuner) SignalLevel(ctx context.Context) (float32, error) {
	return t.dev.SignalLevel(ctx)
}

// QualitySnapshot returns the cumulative TS quality counters observed so far.
func (t *Tuner) QualitySnapshot() tsanalyzer.Stats { return t.analyzer.Snapshot() }

// Status returns the tuner's terminal status, if the reader has exited.
func (t *Tuner) Status() *Status { return t.status.Load() }

// publish delivers data to every current subscriber, with per-subscriber
// drop-on-full: a short write increments that subscriber's drop counter
// and the loop proceeds to the next subscriber. Subscribers never block
// the reader.
func (t *Tuner) publish(data []byte) (anyFull bool) {
	t.mu.RLock()
	// snapshot the subscriber list so we don't hold the lock while writing
	subs := make([]*Subscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.RUnlock()

	for _, sub := range subs {
		n := sub.ring.Write(data)
		if n < len(data) {
			sub.drops.Add(uint64(len(data) - n))
			if t.metrics != nil {
				t.metrics.SubscriberDrops.WithLabelValues(t.Key.TunerPath).Add(float64(len(data) - n))
			}
			anyFull = true
		}
		sub.signal()
	}
	return anyFull
}

func (t *Tuner) closeAllSubscribers() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.subscribers {
		s.close()
	}
}

// Run starts the reader task and blocks until it exits (on ctx
// cancellation or a device error). Callers spawn this in its own
// goroutine; Stop cancels it from outside.
func (t *Tuner) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.started.Store(true)
	defer close(t.readerDone)
	defer t.closeAllSubscribers()

	defer logging.RecoverPanic(t.logger, "sharedtuner.reader", func(err error) {
		t.status.Store(&Status{Err: err})
		t.closeAllSubscribers()
	})

	buf := make([]byte, readChunkSize)
	consecutiveFullRounds := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := t.dev.Read(ctx, buf)
		if err != nil {
			t.logger.Warn().Err(err).Msg("device read failed, closing shared tuner")
			t.status.Store(&Status{Err: err})
			t.closeAllSubscribers()
			return
		}
		if n > len(buf) {
			err := device.ErrReadOverflow
			t.logger.Error().Err(err).Int("n", n).Int("buf_len", len(buf)).Msg("device reported overflow")
			t.status.Store(&Status{Err: err})
			t.closeAllSubscribers()
			return
		}
		if n == 0 {
			continue
		}

		t.analyzer.Analyze(buf[:n])
		if t.metrics != nil {
			t.metrics.TSBytesReceived.Add(float64(n))
		}

		full := t.publish(buf[:n])
		if full {
			consecutiveFullRounds++
		} else {
			consecutiveFullRounds = 0
		}

		// Cooperative backpressure: if subscribers have been full for a
		// sustained run of iterations, slow the read cadence instead of
		// hammering a device nobody can currently drain.
		if consecutiveFullRounds > 10 {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop cancels the reader task and waits for it to exit. A no-op if Run
// was never called.
func (t *Tuner) Stop() {
	if !t.started.Load() {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	<-t.readerDone
}
