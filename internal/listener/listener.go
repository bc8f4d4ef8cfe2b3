// Package listener implements the TCP accept loop: the entry point that
// turns raw connections into registered, running sessions.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/bonproxy/server/internal/logging"
	"github.com/bonproxy/server/internal/metrics"
	"github.com/bonproxy/server/internal/registry"
	"github.com/bonproxy/server/internal/session"
)

// Config bundles the accept loop's own tunables, distinct from the
// per-session Deps it hands to every spawned session.
type Config struct {
	Addr               string
	CPURejectThreshold float64
}

// Listener accepts connections on Config.Addr, registers one session per
// connection, and spawns it in its own goroutine. Admission is gated on a
// coarse system CPU reading: new connections are refused outright (never
// queued) once the host is past CPURejectThreshold, so an overloaded
// tuner-sharing server degrades by rejecting new viewers rather than
// starving the ones it already has.
type Listener struct {
	cfg      Config
	deps     session.Deps
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	nextID atomic.Int64

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New builds a Listener. Call Run to bind and start accepting.
func New(cfg Config, deps session.Deps, reg *registry.Registry, m *metrics.Metrics, logger zerolog.Logger) *Listener {
	return &Listener{
		cfg:      cfg,
		deps:     deps,
		registry: reg,
		metrics:  m,
		logger:   logger.With().Str("component", "listener").Logger(),
	}
}

// Run binds the listener and accepts connections until ctx is cancelled.
// It blocks until every spawned session has returned.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", l.cfg.Addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.logger.Info().Str("addr", l.cfg.Addr).Msg("listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
			}
			l.logger.Error().Err(err).Msg("accept failed")
			continue
		}

		if accept, reason := l.shouldAccept(); !accept {
			l.logger.Warn().Str("peer", conn.RemoteAddr().String()).Str("reason", reason).Msg("connection rejected")
			if l.metrics != nil {
				l.metrics.ConnectionsRejected.Inc()
			}
			_ = conn.Close()
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		id := l.nextID.Add(1)
		l.wg.Add(1)
		go l.handleConnection(ctx, id, conn)
	}
}

// shouldAccept is the admission gate: a single static CPU-overload check.
// Unlike the tuner pool's own capacity accounting, this guards the whole
// process against accepting more work than the host can currently serve.
func (l *Listener) shouldAccept() (accept bool, reason string) {
	if l.cfg.CPURejectThreshold <= 0 || l.cfg.CPURejectThreshold >= 100 {
		return true, "OK"
	}
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return true, "OK"
	}
	current := percents[0]
	if l.metrics != nil {
		l.metrics.CPUUsagePercent.Set(current)
	}
	if current > l.cfg.CPURejectThreshold {
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", current, l.cfg.CPURejectThreshold)
	}
	return true, "OK"
}

func (l *Listener) handleConnection(ctx context.Context, id int64, conn net.Conn) {
	defer l.wg.Done()
	defer logging.RecoverPanic(l.logger, "listener.session", nil)

	peer := conn.RemoteAddr().String()
	l.logger.Info().Int64("session_id", id).Str("peer", peer).Msg("connection accepted")

	// sess is registered before it exists: the registry needs a snapshot
	// closure up front, and the session needs the registry's shutdown
	// channel up front. The closure captures sess by reference and is
	// never invoked until after sess is assigned below.
	var sess *session.Session
	shutdown := l.registry.Register(id, func() registry.SessionInfo { return sess.Snapshot() })
	defer l.registry.Unregister(id)

	sess = session.New(id, conn, l.deps, shutdown)

	if err := sess.Run(ctx); err != nil {
		l.logger.Warn().Int64("session_id", id).Err(err).Msg("session ended with error")
		if l.metrics != nil {
			l.metrics.SessionErrors.Inc()
		}
	} else {
		l.logger.Info().Int64("session_id", id).Msg("session closed")
	}
}

// Addr returns the bound address, or nil before Run has bound a listener.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// waitForAccept is a small helper tests use to poll for the bound address
// becoming available right after Run is launched in a goroutine.
func (l *Listener) waitForAccept(timeout time.Duration) net.Addr {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a := l.Addr(); a != nil {
			return a
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}
