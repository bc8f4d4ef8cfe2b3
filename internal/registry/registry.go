// Package registry is the process-wide session registry: a place for the
// out-of-scope external dashboard to enumerate live sessions and force a
// shutdown, and for the alert evaluator to read live metric snapshots.
// The pool and the registry are the two long-lived, explicitly-passed
// values created at boot; neither is a singleton, so tests construct
// fresh instances freely.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/bonproxy/server/internal/wire"
)

// SessionInfo is a point-in-time snapshot of one session's observable
// state, exposed to the registry's callers.
type SessionInfo struct {
	ID        int64
	Peer      net.Addr
	TunerPath string
	Channel   *wire.Key
	Priority  int

	PacketsTotal     uint64
	PacketsDropped   uint64
	PacketsScrambled uint64
	PacketsError     uint64

	SignalLevel          float32
	CurrentBitrateMbps   float64
	ConnectedAt          time.Time
}

// entry pairs a session's current snapshot with its shutdown channel.
type entry struct {
	shutdown chan struct{}
	snapshot func() SessionInfo
}

// Registry tracks every currently-connected session.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*entry
}

// New builds an empty session registry.
func New() *Registry {
	return &Registry{entries: make(map[int64]*entry)}
}

// Register records a new session and returns the shutdown channel the
// session must select on: closing it (via Shutdown) is the out-of-band
// force-close signal. snapshot is called on demand by GetAll/Get to
// produce a fresh SessionInfo without the registry holding a live
// reference to mutable session state.
func (r *Registry) Register(id int64, snapshot func() SessionInfo) <-chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.entries[id] = &entry{shutdown: ch, snapshot: snapshot}
	r.mu.Unlock()
	return ch
}

// Unregister removes a session. Safe to call more than once.
func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// GetAll returns a snapshot of every currently-registered session.
func (r *Registry) GetAll() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Get returns a single session's snapshot, if still registered.
func (r *Registry) Get(id int64) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return SessionInfo{}, false
	}
	return e.snapshot(), true
}

// Count returns the number of currently-registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Shutdown force-closes the named session by closing its shutdown
// channel, waking any in-flight WaitTsStream and causing the session to
// terminate. A no-op if the session is not (or no longer) registered.
// Safe to call more than once for the same id.
func (r *Registry) Shutdown(id int64) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	close(e.shutdown)
	return true
}
