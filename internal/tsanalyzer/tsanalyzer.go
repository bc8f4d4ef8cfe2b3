// Package tsanalyzer walks MPEG Transport Stream packets to maintain
// continuity, scrambling and transport-error accounting used to feed
// per-device quality scores.
package tsanalyzer

import "sync"

// PacketSize is the fixed size of a TS packet.
const PacketSize = 188

// SyncByte is the required first byte of every aligned TS packet.
const SyncByte = 0x47

// NullPID is excluded from continuity-counter tracking.
const NullPID = 0x1FFF

// Stats is the cumulative (or per-call delta) counter set.
type Stats struct {
	PacketsTotal     uint64
	PacketsDropped   uint64
	PacketsScrambled uint64
	PacketsError     uint64
}

// Add accumulates delta into s in place.
func (s *Stats) Add(delta Stats) {
	s.PacketsTotal += delta.PacketsTotal
	s.PacketsDropped += delta.PacketsDropped
	s.PacketsScrambled += delta.PacketsScrambled
	s.PacketsError += delta.PacketsError
}

// Analyzer maintains per-PID continuity state and cumulative stats for one
// TS stream. Every method takes an internal mutex, so Snapshot may be
// called concurrently with Analyze; a shared tuner has exactly one reader
// task, which is the only caller of Analyze.
type Analyzer struct {
	mu       sync.Mutex
	lastCC   map[uint16]uint8
	snapshot Stats
}

// New creates an empty analyzer.
func New() *Analyzer {
	return &Analyzer{lastCC: make(map[uint16]uint8)}
}

// Analyze walks data in 188-byte strides. A stride whose first byte is not
// the sync byte is skipped (misalignment is itself a scoring signal, not an
// error): the caller is expected to deliver aligned data, but a defensive
// analyzer never panics on drift. Any trailing bytes shorter than a full
// packet are ignored. The null PID and packets carrying no payload never
// update continuity state. Returns the delta contributed by this call; the
// analyzer's cumulative snapshot is updated before returning.
func (a *Analyzer) Analyze(data []byte) Stats {
	var delta Stats

	a.mu.Lock()
	defer a.mu.Unlock()

	wholePackets := len(data) / PacketSize
	for i := 0; i < wholePackets; i++ {
		packet := data[i*PacketSize : (i+1)*PacketSize]
		if packet[0] != SyncByte {
			continue
		}
		delta.PacketsTotal++

		transportErrorIndicator := packet[1]&0x80 != 0
		pid := (uint16(packet[1]&0x1F) << 8) | uint16(packet[2])
		scramblingControl := (packet[3] >> 6) & 0x03
		adaptationFieldControl := (packet[3] >> 4) & 0x03
		continuityCounter := packet[3] & 0x0F

		if transportErrorIndicator {
			delta.PacketsError++
		}
		if scramblingControl != 0 {
			delta.PacketsScrambled++
		}

		hasPayload := adaptationFieldControl == 0x01 || adaptationFieldControl == 0x03
		if pid != NullPID && hasPayload {
			if last, ok := a.lastCC[pid]; ok {
				expected := (last + 1) & 0x0F
				if continuityCounter != expected {
					delta.PacketsDropped++
				}
			}
			a.lastCC[pid] = continuityCounter
		}
	}

	a.snapshot.Add(delta)
	return delta
}

// Snapshot returns the cumulative stats observed so far.
func (a *Analyzer) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

// Reset zeroes both the cumulative stats and the per-PID continuity map.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshot = Stats{}
	a.lastCC = make(map[uint16]uint8)
}
