// Package ringbuffer implements a fixed-capacity, lock-free single-producer
// single-consumer byte queue used to deliver TS bytes from a shared tuner's
// reader task to one subscriber.
package ringbuffer

import "sync/atomic"

// TSPacketSize is the fixed size of an MPEG Transport Stream packet.
const TSPacketSize = 188

// DefaultCapacity is the default per-subscriber ring capacity: 100 * 1024
// TS packets, ~18.4 MiB, matching the reference implementation.
const DefaultCapacity = TSPacketSize * 1024 * 100

// Buffer is a lock-free SPSC ring buffer. All methods are safe to call
// concurrently iff exactly one goroutine ever calls the write methods and
// exactly one (possibly different) goroutine ever calls the read methods.
// One slot of capacity is sacrificed to distinguish full from empty.
type Buffer struct {
	buf      []byte
	capacity int
	writePos atomic.Uint64
	readPos  atomic.Uint64
}

// New allocates a ring buffer with the given capacity in bytes. Capacity
// must be at least 2; a capacity of 1 would leave zero usable slots once
// the full/empty sentinel slot is accounted for.
func New(capacity int) *Buffer {
	if capacity < 2 {
		capacity = 2
	}
	return &Buffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Capacity returns the buffer's fixed capacity in bytes.
func (b *Buffer) Capacity() int { return b.capacity }

// Available returns the number of bytes currently readable.
func (b *Buffer) Available() int {
	write := b.writePos.Load()
	read := b.readPos.Load()
	return b.available(write, read)
}

func (b *Buffer) available(write, read uint64) int {
	cap64 := uint64(b.capacity)
	if write >= read {
		return int(write - read)
	}
	return int(cap64 - read + write)
}

// FreeSpace returns the number of bytes that can currently be written
// without blocking (writes never block; this is informational).
func (b *Buffer) FreeSpace() int {
	return b.capacity - b.Available() - 1
}

// IsEmpty reports whether the buffer currently holds zero readable bytes.
func (b *Buffer) IsEmpty() bool { return b.Available() == 0 }

// Write copies up to len(src) bytes into the buffer, wrapping at capacity,
// and returns the number of bytes actually written. A writer that cannot
// fit the full input returns a short count; this is normal backpressure,
// never an error condition, and there is no blocking write.
func (b *Buffer) Write(src []byte) int {
	write := b.writePos.Load()
	read := b.readPos.Load()
	cap64 := uint64(b.capacity)

	var free uint64
	if write >= read {
		free = cap64 - write + read - 1
	} else {
		free = read - write - 1
	}

	toWrite := uint64(len(src))
	if toWrite > free {
		toWrite = free
	}
	if toWrite == 0 {
		return 0
	}

	firstChunk := toWrite
	if firstChunk > cap64-write {
		firstChunk = cap64 - write
	}
	copy(b.buf[write:write+firstChunk], src[:firstChunk])
	if firstChunk < toWrite {
		second := toWrite - firstChunk
		copy(b.buf[0:second], src[firstChunk:toWrite])
	}

	newWrite := (write + toWrite) % cap64
	b.writePos.Store(newWrite)
	return int(toWrite)
}

// ReadInto copies up to len(dst) available bytes into dst, advancing the
// read cursor by the number of bytes copied. Returns the number of bytes
// copied and the number of bytes remaining available after this read.
func (b *Buffer) ReadInto(dst []byte) (n int, remaining int) {
	write := b.writePos.Load()
	read := b.readPos.Load()
	cap64 := uint64(b.capacity)

	available := b.available(write, read)
	toRead := len(dst)
	if toRead > available {
		toRead = available
	}
	if toRead == 0 {
		return 0, available
	}

	firstChunk := toRead
	if uint64(firstChunk) > cap64-read {
		firstChunk = int(cap64 - read)
	}
	copy(dst[:firstChunk], b.buf[read:read+uint64(firstChunk)])
	if firstChunk < toRead {
		second := toRead - firstChunk
		copy(dst[firstChunk:toRead], b.buf[0:second])
	}

	newRead := (read + uint64(toRead)) % cap64
	b.readPos.Store(newRead)
	return toRead, available - toRead
}

// Consume advances the read cursor by count bytes without copying, for
// callers that read directly from a zero-copy view (see Peek).
func (b *Buffer) Consume(count int) {
	read := b.readPos.Load()
	cap64 := uint64(b.capacity)
	newRead := (read + uint64(count)) % cap64
	b.readPos.Store(newRead)
}

// Peek returns a zero-copy view of up to maxLen readable bytes starting at
// the current read cursor, stopping at the wrap boundary, along with the
// total bytes available. The caller must call Consume with however many of
// the returned bytes it used; the slice is invalidated by any subsequent
// write that wraps over it.
func (b *Buffer) Peek(maxLen int) (data []byte, available int) {
	write := b.writePos.Load()
	read := b.readPos.Load()
	cap64 := uint64(b.capacity)

	var linearAvailable uint64
	if write >= read {
		linearAvailable = write - read
	} else {
		linearAvailable = cap64 - read
	}

	toRead := uint64(maxLen)
	if toRead > linearAvailable {
		toRead = linearAvailable
	}
	total := b.available(write, read)
	if toRead == 0 {
		return nil, total
	}
	return b.buf[read : read+toRead], total
}

// Clear resets both cursors to zero, discarding all buffered bytes.
func (b *Buffer) Clear() {
	b.readPos.Store(0)
	b.writePos.Store(0)
}
