// Package quality rolls TS analyzer output into a per-device quality score,
// cached briefly so frequent callers of the Scorer don't recompute it from
// raw counters on every call.
package quality

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/bonproxy/server/internal/tsanalyzer"
)

// Score returns a quality value in [0, 1] from cumulative TS stats, using
// the formula: 1 - (drop_rate*0.5 + error_rate*0.3 + scramble_rate*0.2),
// clamped to the valid range. A stream with zero packets scores a perfect
// 1.0 (no evidence of trouble yet).
func Score(s tsanalyzer.Stats) float64 {
	if s.PacketsTotal == 0 {
		return 1.0
	}
	total := float64(s.PacketsTotal)
	dropRate := float64(s.PacketsDropped) / total
	errorRate := float64(s.PacketsError) / total
	scrambleRate := float64(s.PacketsScrambled) / total

	score := 1.0 - (dropRate*0.5 + errorRate*0.3 + scrambleRate*0.2)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// DefaultTTL is how long a cached score is reused before being recomputed.
const DefaultTTL = 5 * time.Second

// Scorer caches computed scores per tuner path, avoiding redundant
// recomputation when multiple callers poll within the same short window.
type Scorer struct {
	cache *gocache.Cache
}

// NewScorer builds a Scorer with the given TTL; expired entries are purged
// every 2*ttl.
func NewScorer(ttl time.Duration) *Scorer {
	return &Scorer{cache: gocache.New(ttl, ttl*2)}
}

// ScoreFor returns the cached score for tunerPath if present and fresh,
// otherwise computes it from stats, caches, and returns it.
func (s *Scorer) ScoreFor(tunerPath string, stats tsanalyzer.Stats) float64 {
	if v, ok := s.cache.Get(tunerPath); ok {
		return v.(float64)
	}
	score := Score(stats)
	s.cache.SetDefault(tunerPath, score)
	return score
}

// Invalidate drops any cached score for tunerPath, forcing recomputation on
// the next ScoreFor call.
func (s *Scorer) Invalidate(tunerPath string) {
	s.cache.Delete(tunerPath)
}
