// Package ring implements the fixed-capacity, lock-free, single-producer/
// single-consumer real-time ring buffer (spec §4.4.3), modeled on the
// per-sender jitter ring used for voice frame reordering in the teacher
// client, adapted here to a single drop-oldest producer/consumer ring of
// fixed-size MIDI records.
package ring

import "sync/atomic"

// Capacity is the ring's fixed, power-of-two slot count (spec §4.4.3).
const Capacity = 2048

const mask = Capacity - 1

// MaxMIDILen is the maximum number of MIDI bytes a single record carries
// (matches the real-time wire frame's 4-byte payload cap, spec §6.2).
const MaxMIDILen = 4

// Record is one fixed-size real-time ring slot.
type Record struct {
	Data            [MaxMIDILen]byte
	Len             uint8
	DeviceID        uint16
	TimestampMicros uint32
}

// Buffer is a fixed-capacity SPSC ring with drop-oldest overflow handling.
// write is called by exactly one producer goroutine; readBatch by exactly
// one consumer goroutine (spec §4.4.3 / §5).
type Buffer struct {
	slots [Capacity]Record
	head  atomic.Uint64 // next write index (producer-owned)
	tail  atomic.Uint64 // next read index (advanced by the consumer, and by Write on overflow)

	dropped atomic.Uint64
}

// New creates an empty ring buffer.
func New() *Buffer { return &Buffer{} }

// Write inserts rec. If the ring is full, the oldest record is dropped
// (the reader is advanced by one before the write) and the drop counter is
// incremented, per spec §4.4.3 ("on full, drop the oldest record (advance
// the reader by one, then write)").
func (b *Buffer) Write(rec Record) {
	head := b.head.Load()
	tail := b.tail.Load()

	if head-tail >= Capacity {
		// Full: advance the reader past the oldest slot, then write.
		b.tail.Store(tail + 1)
		b.dropped.Add(1)
	}

	b.slots[head&mask] = rec
	b.head.Store(head + 1)
}

// ReadBatch consumes up to len(out) contiguous records into out and returns
// the number read.
func (b *Buffer) ReadBatch(out []Record) int {
	head := b.head.Load()
	tail := b.tail.Load()

	avail := head - tail
	n := uint64(len(out))
	if avail < n {
		n = avail
	}

	for i := uint64(0); i < n; i++ {
		out[i] = b.slots[(tail+i)&mask]
	}
	if n > 0 {
		b.tail.Store(tail + n)
	}
	return int(n)
}

// Len returns the number of records currently buffered.
func (b *Buffer) Len() int {
	return int(b.head.Load() - b.tail.Load())
}

// Dropped returns the cumulative number of records dropped due to overflow.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }
