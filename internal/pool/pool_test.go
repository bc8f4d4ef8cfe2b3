package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonproxy/server/internal/device"
	"github.com/bonproxy/server/internal/metrics"
	"github.com/bonproxy/server/internal/sharedtuner"
	"github.com/bonproxy/server/internal/wire"
)

func testMetrics() *metrics.Metrics { return metrics.New(prometheus.NewRegistry()) }

func fakeFactory(opener *device.FakeOpener) Factory {
	return DefaultDeviceFactory(opener, 188*1024, zerolog.Nop(), testMetrics())
}

func TestGetOrCreateOpensOnceForSameKey(t *testing.T) {
	p := New(4, zerolog.Nop(), testMetrics())
	opener := device.NewFakeOpener()
	factory := fakeFactory(opener)
	key := wire.SimpleKey("/dev/pt3video0", 13)

	calls := 0
	wrapped := func(ctx context.Context, k wire.Key) (*sharedtuner.Tuner, error) {
		calls++
		return factory(ctx, k)
	}

	t1, err := p.GetOrCreate(context.Background(), key, wrapped)
	require.NoError(t, err)
	t2, err := p.GetOrCreate(context.Background(), key, wrapped)
	require.NoError(t, err)

	assert.Same(t, t1, t2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, p.Count())
	t1.Stop()
}

func TestGetOrCreateSweepsOrphansAtCapacity(t *testing.T) {
	p := New(1, zerolog.Nop(), testMetrics())
	opener := device.NewFakeOpener()
	factory := fakeFactory(opener)

	keyA := wire.SimpleKey("/dev/pt3video0", 13)
	tA, err := p.GetOrCreate(context.Background(), keyA, factory)
	require.NoError(t, err)
	// No subscribers on tA: it is an orphan and should be swept when we
	// ask for a different key at capacity.
	assert.False(t, tA.HasSubscribers())

	keyB := wire.SimpleKey("/dev/pt3video1", 5)
	tB, err := p.GetOrCreate(context.Background(), keyB, factory)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Count())
	tB.Stop()
}

func TestGetOrCreateFailsAtCapacityWithNoOrphans(t *testing.T) {
	p := New(1, zerolog.Nop(), testMetrics())
	opener := device.NewFakeOpener()
	factory := fakeFactory(opener)

	keyA := wire.SimpleKey("/dev/pt3video0", 13)
	tA, err := p.GetOrCreate(context.Background(), keyA, factory)
	require.NoError(t, err)
	sub := tA.Subscribe(1) // has a subscriber: not an orphan
	defer tA.Unsubscribe(1)
	_ = sub

	keyB := wire.SimpleKey("/dev/pt3video1", 5)
	_, err = p.GetOrCreate(context.Background(), keyB, factory)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOpenFailed))
	tA.Stop()
}

func TestRemoveStopsTuner(t *testing.T) {
	p := New(4, zerolog.Nop(), testMetrics())
	opener := device.NewFakeOpener()
	factory := fakeFactory(opener)
	key := wire.SimpleKey("/dev/pt3video0", 13)

	_, err := p.GetOrCreate(context.Background(), key, factory)
	require.NoError(t, err)
	p.Remove(key)
	assert.Equal(t, 0, p.Count())
	_, ok := p.Get(key)
	assert.False(t, ok)
}

func TestCleanupRemovesOnlyOrphans(t *testing.T) {
	p := New(4, zerolog.Nop(), testMetrics())
	opener := device.NewFakeOpener()
	factory := fakeFactory(opener)

	keyA := wire.SimpleKey("/dev/pt3video0", 13)
	keyB := wire.SimpleKey("/dev/pt3video1", 5)
	tA, err := p.GetOrCreate(context.Background(), keyA, factory)
	require.NoError(t, err)
	tB, err := p.GetOrCreate(context.Background(), keyB, factory)
	require.NoError(t, err)

	tB.Subscribe(1)
	defer tB.Unsubscribe(1)

	removed := p.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, p.Count())
	_, ok := p.Get(keyB)
	assert.True(t, ok)
	_, ok = p.Get(keyA)
	assert.False(t, ok)
	tB.Stop()
}

func TestHasAnyForPathReflectsAnyChannel(t *testing.T) {
	p := New(4, zerolog.Nop(), testMetrics())
	opener := device.NewFakeOpener()
	factory := fakeFactory(opener)

	assert.False(t, p.HasAnyForPath("/dev/pt3video0"))
	key := wire.SimpleKey("/dev/pt3video0", 13)
	tu, err := p.GetOrCreate(context.Background(), key, factory)
	require.NoError(t, err)
	assert.True(t, p.HasAnyForPath("/dev/pt3video0"))
	assert.False(t, p.HasAnyForPath("/dev/pt3video1"))
	tu.Stop()
}

func TestFactoryErrorDoesNotRegisterTuner(t *testing.T) {
	p := New(4, zerolog.Nop(), testMetrics())
	key := wire.SimpleKey("/dev/pt3video0", 13)
	boom := errors.New("open failed")

	_, err := p.GetOrCreate(context.Background(), key, func(ctx context.Context, k wire.Key) (*sharedtuner.Tuner, error) {
		return nil, boom
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOpenFailed))
	assert.Equal(t, 0, p.Count())
}
