package tunerlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetOrCreateReturnsSameLockForSamePath(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate("/dev/pt3video0")
	b := r.GetOrCreate("/dev/pt3video0")
	assert.Same(t, a, b)
}

func TestGetOrCreateReturnsDistinctLocksForDistinctPaths(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate("/dev/pt3video0")
	b := r.GetOrCreate("/dev/pt3video1")
	assert.NotSame(t, a, b)
}
