// Package session implements the per-client state machine: the
// translation of a remote client's procedural tuner API (open,
// set-channel, wait-for-stream, read-TS, purge, close) into operations
// against the shared-tuner pool and lock registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bonproxy/server/internal/auth"
	"github.com/bonproxy/server/internal/device"
	"github.com/bonproxy/server/internal/metrics"
	"github.com/bonproxy/server/internal/pool"
	"github.com/bonproxy/server/internal/quality"
	"github.com/bonproxy/server/internal/registry"
	"github.com/bonproxy/server/internal/sharedtuner"
	"github.com/bonproxy/server/internal/tunerlock"
	"github.com/bonproxy/server/internal/wire"
)

// State is a session's position in the per-client state machine of
// spec.md §4.7.
type State int

const (
	StateGreeting State = iota
	StateNegotiated
	StateOpened
	StateTuned
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "Greeting"
	case StateNegotiated:
		return "Negotiated"
	case StateOpened:
		return "Opened"
	case StateTuned:
		return "Tuned"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// errShutdown is returned internally by readFull when the session's
// shutdown channel fires mid-read; it is never written to the wire.
var errShutdown = errors.New("session: shutdown requested")

// readPollInterval bounds how long a single blocking read waits before
// re-checking the shutdown channel, the same cooperative-cancellation
// idiom the teacher uses for its WebSocket pong deadline.
const readPollInterval = 500 * time.Millisecond

// releaser is satisfied by both *tunerlock.ExclusiveGuard and
// *tunerlock.SharedGuard.
type releaser interface{ Release() }

// Deps bundles the process-wide collaborators a session needs. Built once
// at boot and shared by every session the listener spawns.
type Deps struct {
	Pool              *pool.Pool
	Locks             *tunerlock.Registry
	Opener            device.Opener
	Auth              *auth.Validator
	Metrics           *metrics.Metrics
	Scorer            *quality.Scorer
	Logger            zerolog.Logger
	WaitStreamDefault time.Duration
	RingCapacity      int
}

// Session is one accepted client connection and its state machine.
type Session struct {
	id       int64
	conn     net.Conn
	deps     Deps
	shutdown <-chan struct{}
	logger   zerolog.Logger

	mu          sync.Mutex
	state       State
	tunerPath   string
	exclusive   bool
	priority    uint8
	channel     *wire.Key
	lockGuard   releaser
	tuner       *sharedtuner.Tuner
	subscriber  *sharedtuner.Subscriber
	connectedAt time.Time

	bitrate bitrateWindow
}

// New constructs a session for an accepted connection. Call Run to drive it.
func New(id int64, conn net.Conn, deps Deps, shutdown <-chan struct{}) *Session {
	return &Session{
		id:          id,
		conn:        conn,
		deps:        deps,
		shutdown:    shutdown,
		logger:      deps.Logger.With().Int64("session_id", id).Str("peer", conn.RemoteAddr().String()).Logger(),
		state:       StateGreeting,
		connectedAt: time.Now(),
	}
}

// Snapshot produces a registry.SessionInfo for the out-of-scope dashboard
// and the alert evaluator. Safe to call concurrently with Run.
func (s *Session) Snapshot() registry.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := registry.SessionInfo{
		ID:                 s.id,
		Peer:               s.conn.RemoteAddr(),
		TunerPath:          s.tunerPath,
		Channel:            s.channel,
		Priority:           int(s.priority),
		ConnectedAt:        s.connectedAt,
		CurrentBitrateMbps: s.bitrate.mbps(),
	}
	if s.tuner != nil {
		stats := s.tuner.QualitySnapshot()
		info.PacketsTotal = stats.PacketsTotal
		info.PacketsDropped = stats.PacketsDropped
		info.PacketsScrambled = stats.PacketsScrambled
		info.PacketsError = stats.PacketsError
		if level, err := s.tuner.SignalLevel(context.Background()); err == nil {
			info.SignalLevel = level
		}
	}
	return info
}

// Run drives the session until the connection closes, a protocol error
// occurs, or the registry requests shutdown. It never returns an error for
// a clean client-initiated close.
func (s *Session) Run(ctx context.Context) error {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsTotal.Inc()
		s.deps.Metrics.SessionsActive.Inc()
		defer s.deps.Metrics.SessionsActive.Dec()
	}
	defer s.cleanup()

	headerBuf := make([]byte, wire.HeaderSize)
	for {
		if err := s.readFull(headerBuf); err != nil {
			if errors.Is(err, errShutdown) {
				s.logger.Info().Msg("session shut down by registry")
				return nil
			}
			return err
		}

		hdr, ok, err := wire.DecodeHeader(headerBuf)
		if err != nil {
			s.logger.Warn().Err(err).Msg("protocol error decoding header, closing session")
			return err
		}
		if !ok {
			// readFull guarantees a full header-sized buffer; this should
			// be unreachable, but treat it as a short read rather than spin.
			return fmt.Errorf("session: short header read")
		}

		payload := make([]byte, hdr.Length)
		if hdr.Length > 0 {
			if err := s.readFull(payload); err != nil {
				if errors.Is(err, errShutdown) {
					return nil
				}
				return err
			}
		}

		if !wire.IsClientType(hdr.MessageType) {
			s.logger.Warn().Uint16("message_type", uint16(hdr.MessageType)).Msg("non-client message type, closing session")
			return fmt.Errorf("session: non-client message type 0x%04x", hdr.MessageType)
		}

		msg, err := wire.DecodeClientMessage(hdr.MessageType, payload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode client message, closing session")
			return err
		}

		reply, fatal := s.dispatch(ctx, msg)
		if reply != nil {
			if err := s.writeServerMessage(*reply); err != nil {
				return err
			}
		}
		if fatal {
			return nil
		}

		select {
		case <-s.shutdown:
			return nil
		default:
		}
	}
}

// readFull reads exactly len(buf) bytes, polling the shutdown channel
// between short read-deadline windows so a registry-initiated shutdown
// interrupts an in-flight read within one poll interval.
func (s *Session) readFull(buf []byte) error {
	read := 0
	for read < len(buf) {
		select {
		case <-s.shutdown:
			return errShutdown
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := s.conn.Read(buf[read:])
		read += n
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Session) writeServerMessage(m wire.ServerMessage) error {
	payload, err := wire.EncodeServerMessage(m)
	if err != nil {
		return err
	}
	frame, err := wire.EncodeFrame(m.Type, payload)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = s.conn.Write(frame)
	if err == nil && m.Type == wire.TypeTsData && s.deps.Metrics != nil {
		s.deps.Metrics.TSBytesSent.Add(float64(len(m.Bytes)))
	}
	return err
}

func errorReply(code wire.ErrorCode, format string, args ...interface{}) *wire.ServerMessage {
	return &wire.ServerMessage{Type: wire.TypeError, Code: code, Message: fmt.Sprintf(format, args...)}
}

func ackReply(code wire.ErrorCode) *wire.ServerMessage {
	return &wire.ServerMessage{Type: wire.TypeAck, Code: code}
}

// dispatch routes one decoded client message through the state machine,
// returning the reply to write (nil for none) and whether the session
// must terminate after writing it.
func (s *Session) dispatch(ctx context.Context, m wire.ClientMessage) (*wire.ServerMessage, bool) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	// Ping and Release are legal from any state.
	switch m.Type {
	case wire.TypePing:
		return &wire.ServerMessage{Type: wire.TypePong}, false
	case wire.TypeRelease:
		s.releaseAll()
		s.setState(StateClosed)
		return ackReply(wire.ErrSuccess), true
	}

	switch m.Type {
	case wire.TypeHello:
		return s.handleHello(m, state)
	case wire.TypeOpenTuner:
		return s.handleOpenTuner(m, state)
	case wire.TypeSetChannel:
		return s.handleSetChannel(ctx, m, state)
	case wire.TypeWaitTsStream:
		return s.handleWaitTsStream(ctx, m, state)
	case wire.TypeGetTsStream:
		return s.handleGetTsStream(m, state)
	case wire.TypeGetReadyCount:
		return s.handleGetReadyCount(state)
	case wire.TypePurgeTsStream:
		return s.handlePurgeTsStream(state)
	case wire.TypeGetSignalLevel:
		return s.handleGetSignalLevel(ctx, state)
	case wire.TypeEnumTuningSpace, wire.TypeEnumChannelName:
		return s.handleEnumStub(state)
	case wire.TypeGetCurSpace:
		return s.handleGetCurSpace(state)
	case wire.TypeGetCurChannel:
		return s.handleGetCurChannel(state)
	case wire.TypeCloseTuner:
		return s.handleCloseTuner(state)
	default:
		return errorReply(wire.ErrInvalidParameter, "unhandled message type 0x%04x", uint16(m.Type)), false
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) handleHello(m wire.ClientMessage, state State) (*wire.ServerMessage, bool) {
	if state != StateGreeting {
		return errorReply(wire.ErrInvalidState, "Hello not valid in state %s", state), false
	}
	if m.Version != wire.ProtocolVersion {
		protoErr := wire.NewVersionMismatchError(m.Version, wire.ProtocolVersion)
		s.logger.Warn().Err(protoErr).Msg("protocol version mismatch, closing session")
		return errorReply(wire.ErrProtocolError, "%s", protoErr.Error()), true
	}
	if s.deps.Auth != nil {
		if err := s.deps.Auth.Check(m.AuthToken); err != nil {
			s.logger.Warn().Err(err).Msg("authentication failed")
			return errorReply(wire.ErrNotAuthenticated, "%s", err.Error()), true
		}
	}
	s.setState(StateNegotiated)
	return &wire.ServerMessage{Type: wire.TypeWelcome, ServerVersion: wire.ProtocolVersion}, false
}

func (s *Session) handleOpenTuner(m wire.ClientMessage, state State) (*wire.ServerMessage, bool) {
	if state != StateNegotiated {
		return errorReply(wire.ErrInvalidState, "OpenTuner not valid in state %s", state), false
	}
	s.mu.Lock()
	s.tunerPath = m.TunerPath
	s.exclusive = m.Exclusive
	s.priority = m.Priority
	s.mu.Unlock()
	s.setState(StateOpened)
	return ackReply(wire.ErrSuccess), false
}

// handleSetChannel implements spec.md §4.6's hit/miss algorithm: join an
// existing compatible shared tuner on a hit, or exclusively open/retune on
// a miss. The lock acquisition for the miss path is non-blocking
// (TryAcquireExclusive) so a channel conflict with an existing holder
// surfaces immediately as TunerBusy rather than stalling the session; only
// the hit path's *shared* join (AcquireShared) may wait for a permit.
func (s *Session) handleSetChannel(ctx context.Context, m wire.ClientMessage, state State) (*wire.ServerMessage, bool) {
	if state != StateOpened && state != StateTuned {
		return errorReply(wire.ErrInvalidState, "SetChannel not valid in state %s", state), false
	}

	s.mu.Lock()
	tunerPath := s.tunerPath
	s.mu.Unlock()
	if tunerPath == "" {
		return errorReply(wire.ErrInvalidState, "SetChannel before OpenTuner"), false
	}

	key := wire.Key{TunerPath: tunerPath, Channel: m.Channel}
	lock := s.deps.Locks.GetOrCreate(tunerPath)

	var newTuner *sharedtuner.Tuner
	var newGuard releaser

	if existing, ok := s.deps.Pool.Get(key); ok {
		shared, err := lock.AcquireShared(ctx, key)
		if err != nil {
			return errorReply(wire.ErrTunerBusy, "channel busy: %s", err.Error()), false
		}
		newTuner = existing
		newGuard = shared
	} else {
		excl, ok := lock.TryAcquireExclusive()
		if !ok {
			return errorReply(wire.ErrTunerBusy, "tuner %s busy with a different channel", tunerPath), false
		}
		factory := pool.DefaultDeviceFactory(s.deps.Opener, s.deps.RingCapacity, s.deps.Logger, s.deps.Metrics)
		t, err := s.deps.Pool.GetOrCreate(ctx, key, factory)
		if err != nil {
			excl.Release()
			return errorReply(wire.ErrChannelSetFailed, "%s", err.Error()), false
		}
		newTuner = t
		newGuard = excl.Downgrade(key)
	}

	newSub := newTuner.Subscribe(s.id)

	// Now that the new subscription holds, tear down the old one.
	s.mu.Lock()
	oldTuner, oldSub, oldGuard := s.tuner, s.subscriber, s.lockGuard
	s.tuner, s.subscriber, s.lockGuard = newTuner, newSub, newGuard
	ch := key.Channel
	s.channel = &ch
	s.mu.Unlock()

	if oldSub != nil && oldTuner != nil {
		oldTuner.Unsubscribe(oldSub.ID())
	}
	if oldGuard != nil {
		oldGuard.Release()
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.TunerSwitches.Inc()
	}
	s.setState(StateTuned)
	return ackReply(wire.ErrSuccess), false
}

func (s *Session) handleWaitTsStream(ctx context.Context, m wire.ClientMessage, state State) (*wire.ServerMessage, bool) {
	if state != StateTuned {
		return errorReply(wire.ErrInvalidState, "WaitTsStream not valid in state %s", state), false
	}
	s.mu.Lock()
	sub := s.subscriber
	s.mu.Unlock()
	if sub == nil {
		return errorReply(wire.ErrInvalidState, "no active subscription"), false
	}

	timeout := s.deps.WaitStreamDefault
	if m.TimeoutMillis > 0 {
		timeout = time.Duration(m.TimeoutMillis) * time.Millisecond
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shutdownCtx, cancelShutdown := withShutdown(waitCtx, s.shutdown)
	defer cancelShutdown()

	ready, closedNow := sub.WaitReady(shutdownCtx)
	select {
	case <-s.shutdown:
		// Interrupted by a registry-initiated shutdown: no reply; the
		// fatal flag makes the session loop return at once.
		return nil, true
	default:
	}
	if closedNow {
		return errorReply(wire.ErrInvalidState, "tuner closed"), true
	}
	if ready {
		return &wire.ServerMessage{Type: wire.TypeCount, Count: 1}, false
	}
	return &wire.ServerMessage{Type: wire.TypeCount, Count: 0}, false
}

// withShutdown derives a context that is cancelled when either parent is
// done or shutdown fires.
func withShutdown(parent context.Context, shutdown <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Session) handleGetTsStream(m wire.ClientMessage, state State) (*wire.ServerMessage, bool) {
	if state != StateTuned {
		return errorReply(wire.ErrInvalidState, "GetTsStream not valid in state %s", state), false
	}
	s.mu.Lock()
	sub := s.subscriber
	s.mu.Unlock()
	if sub == nil {
		return errorReply(wire.ErrInvalidState, "no active subscription"), false
	}

	max := m.Max
	if max == 0 || max > wire.MaxTSChunkSize {
		max = wire.MaxTSChunkSize
	}
	buf := make([]byte, max)
	n, remaining := sub.Ring().ReadInto(buf)
	s.bitrate.add(n)
	return &wire.ServerMessage{Type: wire.TypeTsData, Bytes: buf[:n], Remaining: uint32(remaining)}, false
}

func (s *Session) handleGetReadyCount(state State) (*wire.ServerMessage, bool) {
	if state != StateTuned {
		return errorReply(wire.ErrInvalidState, "GetReadyCount not valid in state %s", state), false
	}
	s.mu.Lock()
	sub := s.subscriber
	s.mu.Unlock()
	if sub == nil {
		return &wire.ServerMessage{Type: wire.TypeCount, Count: 0}, false
	}
	return &wire.ServerMessage{Type: wire.TypeCount, Count: uint32(sub.Ring().Available())}, false
}

func (s *Session) handlePurgeTsStream(state State) (*wire.ServerMessage, bool) {
	if state != StateTuned {
		return errorReply(wire.ErrInvalidState, "PurgeTsStream not valid in state %s", state), false
	}
	s.mu.Lock()
	sub := s.subscriber
	s.mu.Unlock()
	if sub != nil {
		sub.Ring().Clear()
	}
	return ackReply(wire.ErrSuccess), false
}

func (s *Session) handleGetSignalLevel(ctx context.Context, state State) (*wire.ServerMessage, bool) {
	if state != StateOpened && state != StateTuned {
		return errorReply(wire.ErrInvalidState, "GetSignalLevel not valid in state %s", state), false
	}
	s.mu.Lock()
	tuner := s.tuner
	s.mu.Unlock()
	if tuner == nil {
		return &wire.ServerMessage{Type: wire.TypeSignalLevel, Level: 0}, false
	}
	level, err := tuner.SignalLevel(ctx)
	if err != nil {
		return errorReply(wire.ErrChannelSetFailed, "%s", err.Error()), false
	}
	return &wire.ServerMessage{Type: wire.TypeSignalLevel, Level: level}, false
}

// handleEnumStub answers EnumTuningSpace/EnumChannelName with an empty
// name: the BonDriver tuning-space catalog is an out-of-scope SQLite-backed
// collaborator, so the core has no data to enumerate and returns the
// legal-but-empty response rather than an error.
func (s *Session) handleEnumStub(state State) (*wire.ServerMessage, bool) {
	if state != StateOpened && state != StateTuned {
		return errorReply(wire.ErrInvalidState, "not valid in state %s", state), false
	}
	return &wire.ServerMessage{Type: wire.TypeName, Name: ""}, false
}

func (s *Session) handleGetCurSpace(state State) (*wire.ServerMessage, bool) {
	if state != StateTuned {
		return errorReply(wire.ErrInvalidState, "GetCurSpace not valid in state %s", state), false
	}
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil || ch.Channel.Kind != wire.ChannelSpecSpaceChannel {
		return &wire.ServerMessage{Type: wire.TypeCount, Count: 0}, false
	}
	return &wire.ServerMessage{Type: wire.TypeCount, Count: ch.Channel.Space}, false
}

func (s *Session) handleGetCurChannel(state State) (*wire.ServerMessage, bool) {
	if state != StateTuned {
		return errorReply(wire.ErrInvalidState, "GetCurChannel not valid in state %s", state), false
	}
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return &wire.ServerMessage{Type: wire.TypeCount, Count: 0}, false
	}
	if ch.Channel.Kind == wire.ChannelSpecSpaceChannel {
		return &wire.ServerMessage{Type: wire.TypeCount, Count: ch.Channel.Channel}, false
	}
	return &wire.ServerMessage{Type: wire.TypeCount, Count: uint32(ch.Channel.Simple)}, false
}

func (s *Session) handleCloseTuner(state State) (*wire.ServerMessage, bool) {
	if state != StateOpened && state != StateTuned {
		return errorReply(wire.ErrInvalidState, "CloseTuner not valid in state %s", state), false
	}
	s.releaseAll()
	s.setState(StateNegotiated)
	return ackReply(wire.ErrSuccess), false
}

// releaseAll unsubscribes from the current shared tuner and releases any
// held lock guard. Safe to call even if nothing was ever acquired.
func (s *Session) releaseAll() {
	s.mu.Lock()
	tuner, sub, guard := s.tuner, s.subscriber, s.lockGuard
	s.tuner, s.subscriber, s.lockGuard, s.channel = nil, nil, nil, nil
	s.tunerPath = ""
	s.mu.Unlock()

	if sub != nil && tuner != nil {
		tuner.Unsubscribe(sub.ID())
	}
	if guard != nil {
		guard.Release()
	}
}

func (s *Session) cleanup() {
	s.releaseAll()
	_ = s.conn.Close()
}

// bitrateWindow is a coarse rolling megabits/sec estimate, sampled on every
// GetTsStream delivery rather than on a ticker — cheap and good enough for
// the dashboard/alert consumers described in spec.md §6's SessionInfo.
type bitrateWindow struct {
	mu          sync.Mutex
	windowStart time.Time
	bytes       uint64
	lastMbps    atomic.Uint64 // Mbps*1e6 (i.e. bits per second), stored as uint64 via math.Float64bits-free trick: see mbps()
}

func (w *bitrateWindow) add(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.windowStart.IsZero() {
		w.windowStart = time.Now()
	}
	w.bytes += uint64(n)
	elapsed := time.Since(w.windowStart)
	if elapsed >= time.Second {
		mbps := (float64(w.bytes) * 8) / elapsed.Seconds() / 1_000_000
		w.storeMbps(mbps)
		w.bytes = 0
		w.windowStart = time.Now()
	}
}

func (w *bitrateWindow) storeMbps(v float64) {
	// Stored scaled by 1e6 in a uint64 to stay lock-free for readers; mbps()
	// divides back down. Avoids pulling in math.Float64bits for one field.
	w.lastMbps.Store(uint64(v * 1_000_000))
}

func (w *bitrateWindow) mbps() float64 {
	return float64(w.lastMbps.Load()) / 1_000_000
}
