package tsanalyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makePacket(pid uint16, scrambling, adaptation, cc uint8, tei bool) []byte {
	p := make([]byte, PacketSize)
	p[0] = SyncByte
	p[1] = byte(pid >> 8 & 0x1F)
	if tei {
		p[1] |= 0x80
	}
	p[2] = byte(pid & 0xFF)
	p[3] = (scrambling << 6) | (adaptation << 4) | (cc & 0x0F)
	return p
}

func TestAnalyzeCountsTotalAndErrors(t *testing.T) {
	a := New()
	data := append(makePacket(0x100, 0, 1, 0, false), makePacket(0x100, 0, 1, 1, true)...)
	delta := a.Analyze(data)
	assert.Equal(t, uint64(2), delta.PacketsTotal)
	assert.Equal(t, uint64(1), delta.PacketsError)
	assert.Equal(t, uint64(0), delta.PacketsDropped)
}

func TestAnalyzeScrambling(t *testing.T) {
	a := New()
	delta := a.Analyze(makePacket(0x100, 0x02, 1, 0, false))
	assert.Equal(t, uint64(1), delta.PacketsScrambled)
}

func TestAnalyzeContinuityDrop(t *testing.T) {
	a := New()
	a.Analyze(makePacket(0x100, 0, 1, 0, false))
	delta := a.Analyze(makePacket(0x100, 0, 1, 2, false)) // expected 1, got 2
	assert.Equal(t, uint64(1), delta.PacketsDropped)
}

func TestAnalyzeContinuityOkNoDrop(t *testing.T) {
	a := New()
	a.Analyze(makePacket(0x100, 0, 1, 0, false))
	delta := a.Analyze(makePacket(0x100, 0, 1, 1, false))
	assert.Equal(t, uint64(0), delta.PacketsDropped)
}

func TestAnalyzeNullPIDIgnoredForContinuity(t *testing.T) {
	a := New()
	a.Analyze(makePacket(NullPID, 0, 1, 0, false))
	delta := a.Analyze(makePacket(NullPID, 0, 1, 5, false)) // big jump, should not count
	assert.Equal(t, uint64(0), delta.PacketsDropped)
}

func TestAnalyzeAdaptationOnlyNotTrackedForContinuity(t *testing.T) {
	a := New()
	a.Analyze(makePacket(0x100, 0, 2, 0, false)) // adaptation field only, no payload
	delta := a.Analyze(makePacket(0x100, 0, 1, 9, false))
	assert.Equal(t, uint64(0), delta.PacketsDropped) // no prior tracked CC for this PID yet
}

func TestAnalyzeMisalignedPacketSkipped(t *testing.T) {
	a := New()
	bad := makePacket(0x100, 0, 1, 0, false)
	bad[0] = 0x00
	delta := a.Analyze(bad)
	assert.Equal(t, uint64(0), delta.PacketsTotal)
}

func TestAnalyzeTrailingPartialPacketIgnored(t *testing.T) {
	a := New()
	data := append(makePacket(0x100, 0, 1, 0, false), []byte{0x47, 0x00}...)
	delta := a.Analyze(data)
	assert.Equal(t, uint64(1), delta.PacketsTotal)
}

func TestSnapshotIsSumOfDeltas(t *testing.T) {
	a := New()
	var sum Stats
	for i := 0; i < 10; i++ {
		d := a.Analyze(makePacket(0x100, 0, 1, uint8(i), false))
		sum.Add(d)
	}
	require.Equal(t, sum, a.Snapshot())
}

func TestMonotonicityAcrossSequentialCalls(t *testing.T) {
	a := New()
	var prev Stats
	for i := 0; i < 50; i++ {
		a.Analyze(makePacket(0x100, 0, 1, uint8(i), i%7 == 0))
		cur := a.Snapshot()
		assert.GreaterOrEqual(t, cur.PacketsTotal, prev.PacketsTotal)
		assert.GreaterOrEqual(t, cur.PacketsError, prev.PacketsError)
		prev = cur
	}
}

func TestReset(t *testing.T) {
	a := New()
	a.Analyze(makePacket(0x100, 0, 1, 0, false))
	a.Reset()
	assert.Equal(t, Stats{}, a.Snapshot())
	// continuity state also cleared: CC 15 after the pre-Reset CC 0 is not a drop
	first := a.Analyze(makePacket(0x100, 0, 1, 15, false))
	assert.Equal(t, uint64(0), first.PacketsDropped)
	// and a wrap from 15 to 0 must not register as a drop
	delta := a.Analyze(makePacket(0x100, 0, 1, 0, false))
	assert.Equal(t, uint64(0), delta.PacketsDropped)
}
