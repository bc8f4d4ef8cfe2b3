package tunerlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonproxy/server/internal/wire"
)

func TestExclusiveLock(t *testing.T) {
	l := New()
	ctx := context.Background()

	g, err := l.AcquireExclusive(ctx)
	require.NoError(t, err)
	assert.True(t, l.IsLocked())

	_, ok := l.TryAcquireExclusive()
	assert.False(t, ok, "second exclusive acquire must fail while first is held")

	g.Release()
	assert.False(t, l.IsLocked())
}

func TestSharedLock(t *testing.T) {
	l := New()
	ctx := context.Background()
	key := wire.SimpleKey("/dev/pt3video0", 13)

	ex, err := l.AcquireExclusive(ctx)
	require.NoError(t, err)
	shared1 := ex.Downgrade(key)
	assert.Equal(t, int32(1), l.SharedCount())

	shared2, err := l.AcquireShared(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int32(2), l.SharedCount())

	shared1.Release()
	assert.Equal(t, int32(1), l.SharedCount())
	shared2.Release()
	assert.Equal(t, int32(0), l.SharedCount())
}

func TestChannelMismatch(t *testing.T) {
	l := New()
	ctx := context.Background()
	keyA := wire.SimpleKey("/dev/pt3video0", 13)
	keyB := wire.SimpleKey("/dev/pt3video0", 14)

	ex, err := l.AcquireExclusive(ctx)
	require.NoError(t, err)
	ex.Downgrade(keyA)

	_, err = l.AcquireShared(ctx, keyB)
	assert.ErrorIs(t, err, ErrChannelMismatch)
}

func TestNotInitializedFailsWithoutBlocking(t *testing.T) {
	l := New()
	key := wire.SimpleKey("/dev/pt3video0", 13)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := l.AcquireShared(ctx, key)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, ok, err := l.TryAcquireShared(key)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestDowngrade(t *testing.T) {
	l := New()
	ctx := context.Background()
	key := wire.SimpleKey("/dev/pt3video0", 13)

	ex, err := l.AcquireExclusive(ctx)
	require.NoError(t, err)
	shared := ex.Downgrade(key)

	assert.Equal(t, key, *l.CurrentChannel())
	assert.Equal(t, int32(1), l.SharedCount())
	assert.Equal(t, key, shared.Channel())

	// A second client can now join on the same channel without waiting
	// for any exclusive release.
	shared2, err := l.AcquireShared(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int32(2), l.SharedCount())

	shared.Release()
	shared2.Release()
}

func TestSharedHolderCountMatchesOutstandingGuards(t *testing.T) {
	l := New()
	ctx := context.Background()
	key := wire.SimpleKey("/dev/pt3video0", 13)

	ex, err := l.AcquireExclusive(ctx)
	require.NoError(t, err)
	guards := []*SharedGuard{ex.Downgrade(key)}

	for i := 0; i < 5; i++ {
		g, err := l.AcquireShared(ctx, key)
		require.NoError(t, err)
		guards = append(guards, g)
	}
	assert.Equal(t, int32(len(guards)), l.SharedCount())

	for _, g := range guards {
		g.Release()
	}
	assert.Equal(t, int32(0), l.SharedCount())
}

func TestExclusiveDropRetainsChannel(t *testing.T) {
	l := New()
	ctx := context.Background()
	key := wire.SimpleKey("/dev/pt3video0", 13)

	ex, err := l.AcquireExclusive(ctx)
	require.NoError(t, err)
	ex.SetChannel(key)
	ex.Release()

	assert.Equal(t, key, *l.CurrentChannel())
	// A later shared acquisition for the retained channel still succeeds.
	g, err := l.AcquireShared(ctx, key)
	require.NoError(t, err)
	g.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New()
	ctx := context.Background()
	g, err := l.AcquireExclusive(ctx)
	require.NoError(t, err)
	g.Release()
	assert.NotPanics(t, func() { g.Release() })
	assert.False(t, l.IsLocked())
}
