package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bonproxy/server/internal/tsanalyzer"
)

func TestScorePerfectStream(t *testing.T) {
	assert.Equal(t, 1.0, Score(tsanalyzer.Stats{PacketsTotal: 1000}))
}

func TestScoreNoPacketsIsPerfect(t *testing.T) {
	assert.Equal(t, 1.0, Score(tsanalyzer.Stats{}))
}

func TestScoreFormula(t *testing.T) {
	stats := tsanalyzer.Stats{
		PacketsTotal:     100,
		PacketsDropped:   10, // drop_rate 0.1 * 0.5 = 0.05
		PacketsError:     5,  // error_rate 0.05 * 0.3 = 0.015
		PacketsScrambled: 20, // scramble_rate 0.2 * 0.2 = 0.04
	}
	got := Score(stats)
	want := 1.0 - (0.05 + 0.015 + 0.04)
	assert.InDelta(t, want, got, 1e-9)
}

func TestScoreClampedToZero(t *testing.T) {
	stats := tsanalyzer.Stats{PacketsTotal: 10, PacketsDropped: 10, PacketsError: 10, PacketsScrambled: 10}
	assert.Equal(t, 0.0, Score(stats))
}

func TestScorerCachesWithinTTL(t *testing.T) {
	s := NewScorer(50 * time.Millisecond)
	good := tsanalyzer.Stats{PacketsTotal: 100}
	bad := tsanalyzer.Stats{PacketsTotal: 100, PacketsDropped: 100}

	first := s.ScoreFor("/dev/pt3video0", good)
	assert.Equal(t, 1.0, first)

	// Even though stats worsened, the cached value is returned within TTL.
	cached := s.ScoreFor("/dev/pt3video0", bad)
	assert.Equal(t, first, cached)

	time.Sleep(80 * time.Millisecond)
	fresh := s.ScoreFor("/dev/pt3video0", bad)
	assert.Less(t, fresh, first)
}

func TestScorerInvalidate(t *testing.T) {
	s := NewScorer(time.Minute)
	s.ScoreFor("/dev/pt3video0", tsanalyzer.Stats{PacketsTotal: 100})
	s.Invalidate("/dev/pt3video0")
	fresh := s.ScoreFor("/dev/pt3video0", tsanalyzer.Stats{PacketsTotal: 100, PacketsDropped: 100})
	assert.Less(t, fresh, 1.0)
}
