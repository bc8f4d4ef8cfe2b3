package sharedtuner

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonproxy/server/internal/device"
	"github.com/bonproxy/server/internal/metrics"
	"github.com/bonproxy/server/internal/wire"
)

func testTuner(t *testing.T, ringCap int) (*Tuner, *device.Fake) {
	t.Helper()
	dev := device.NewFake()
	m := metrics.New(prometheus.NewRegistry())
	key := wire.SimpleKey("/dev/pt3video0", 13)
	return New(key, dev, ringCap, zerolog.Nop(), m), dev
}

func TestSubscribeAndReceiveBytes(t *testing.T) {
	tuner, _ := testTuner(t, 188*1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := tuner.Subscribe(1)
	go tuner.Run(ctx)
	defer tuner.Stop()

	ok, closed := sub.WaitReady(context.Background())
	require.True(t, ok)
	require.False(t, closed)
	assert.Positive(t, sub.Ring().Available())
}

func TestHasSubscribersReflectsTable(t *testing.T) {
	tuner, _ := testTuner(t, 188*1024)
	assert.False(t, tuner.HasSubscribers())
	tuner.Subscribe(1)
	assert.True(t, tuner.HasSubscribers())
	tuner.Unsubscribe(1)
	assert.False(t, tuner.HasSubscribers())
}

func TestDeviceErrorClosesAllSubscribers(t *testing.T) {
	tuner, dev := testTuner(t, 188*1024)
	dev.FailRead = assertErr{}

	sub1 := tuner.Subscribe(1)
	sub2 := tuner.Subscribe(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { tuner.Run(ctx); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not exit after device error")
	}

	assert.True(t, sub1.Closed())
	assert.True(t, sub2.Closed())
	require.NotNil(t, tuner.Status())
	assert.Error(t, tuner.Status().Err)
}

func TestSlowSubscriberDropsWithoutBlockingOthers(t *testing.T) {
	// A tiny ring guarantees the slow subscriber overflows almost immediately.
	tuner, _ := testTuner(t, 188*4)
	slow := tuner.Subscribe(1)
	fast := tuner.Subscribe(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tuner.Run(ctx)
	defer tuner.Stop()

	// Fast subscriber keeps draining; slow never reads.
	deadline := time.Now().Add(500 * time.Millisecond)
	dst := make([]byte, 188*8)
	for time.Now().Before(deadline) {
		fast.Ring().ReadInto(dst)
		time.Sleep(time.Millisecond)
	}

	assert.Positive(t, slow.Drops())
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated device failure" }
