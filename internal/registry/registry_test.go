package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotFor(id int64) func() SessionInfo {
	return func() SessionInfo { return SessionInfo{ID: id, TunerPath: "/dev/pt3video0"} }
}

func TestRegisterAndGetAll(t *testing.T) {
	r := New()
	r.Register(1, snapshotFor(1))
	r.Register(2, snapshotFor(2))

	all := r.GetAll()
	assert.Len(t, all, 2)
	assert.Equal(t, 2, r.Count())
}

func TestUnregisterRemovesSession(t *testing.T) {
	r := New()
	r.Register(1, snapshotFor(1))
	r.Unregister(1)
	assert.Equal(t, 0, r.Count())
	_, ok := r.Get(1)
	assert.False(t, ok)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	r.Register(1, snapshotFor(1))
	r.Unregister(1)
	assert.NotPanics(t, func() { r.Unregister(1) })
}

func TestShutdownClosesChannelAndUnregisters(t *testing.T) {
	r := New()
	ch := r.Register(1, snapshotFor(1))

	ok := r.Shutdown(1)
	require.True(t, ok)

	select {
	case <-ch:
	default:
		t.Fatal("shutdown channel was not closed")
	}
	assert.Equal(t, 0, r.Count())
}

func TestShutdownUnknownSessionReturnsFalse(t *testing.T) {
	r := New()
	assert.False(t, r.Shutdown(999))
}

func TestGetReturnsFreshSnapshot(t *testing.T) {
	r := New()
	counter := 0
	r.Register(1, func() SessionInfo {
		counter++
		return SessionInfo{ID: 1, PacketsTotal: uint64(counter)}
	})
	first, _ := r.Get(1)
	second, _ := r.Get(1)
	assert.Equal(t, uint64(1), first.PacketsTotal)
	assert.Equal(t, uint64(2), second.PacketsTotal)
}
