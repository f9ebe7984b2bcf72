// Package ring implements the per-CPU lock-free SPSC trace ring shared
// between the kernel-side producer and the userspace consumer via mmap.
//
// Layout mirrors the teacher's queue runner: a read-only data region the
// producer writes and the consumer only reads, and a separate read-write
// header region holding the two cursors. Positions are byte offsets modulo
// 2*capacity (the classical index-doubling trick), so the consumer can tell
// "empty" (producer_pos == consumer_pos) apart from "full" (they differ by
// exactly capacity) without a separate fill counter.
package ring

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/ehrlich-b/iotrace/internal/trace"
)

// Header region layout: magic, producer_pos, consumer_pos, capacity,
// lost_count, closed.
const (
	offMagic       = 0
	offProducerPos = 8
	offConsumerPos = 16
	offCapacity    = 24
	offLostCount   = 32
	offClosed      = 40
	HeaderByteSize = 48
)

var (
	// ErrReservationTooLarge is returned when a reservation exceeds
	// capacity/2, per the edge case in the ring contract.
	ErrReservationTooLarge = errors.New("ring: reservation larger than capacity/2")
	// ErrZeroSizeReservation is returned when the aligned reservation
	// (header plus body) is zero bytes. Every reservation includes
	// trace.HeaderSize header bytes, so Reserve(0) is accepted as a
	// header-only record.
	ErrZeroSizeReservation = errors.New("ring: zero-size reservation rejected")
	// ErrMismatchedHeader is returned when an opened ring's magic or
	// capacity does not match what the header region reports.
	ErrMismatchedHeader = errors.New("ring: magic or capacity mismatch")
)

// Handle is a reservation returned by Reserve. The caller writes Header and
// Body bytes into it and calls Commit to publish the record.
type Handle struct {
	Header []byte // trace.HeaderSize bytes for the record header
	Body   []byte // record body bytes

	start uint64 // position (mod 2*capacity) at reservation time
	size  uint32 // total reserved size including header, 8-byte aligned
}

// Ring is a per-CPU trace ring. Producer methods (Reserve/Commit/Abort/
// IsAlmostFull) must only ever be called from the single producer context
// for this CPU; consumer methods (Next/Release) must only ever be called
// from the single consumer goroutine draining this CPU.
type Ring struct {
	data   []byte // mmap'd data region, producer writes, consumer reads
	header []byte // mmap'd header region, read-write for both sides

	capacity      uint64
	doubled       uint64
	highWatermark uint64

	// producerNext caches the producer's own view of producer_pos; only
	// the producer ever writes it, so no atomic load is needed to read it.
	producerNext uint64
}

// New wraps already-mapped data and header regions into a Ring. len(data)
// must equal capacity; header must be at least HeaderByteSize bytes. When
// init is true the header is (re)initialized for a fresh ring; otherwise
// the existing header's magic and capacity are validated.
func New(data, header []byte, capacity uint64, init bool) (*Ring, error) {
	if uint64(len(data)) != capacity {
		return nil, errors.New("ring: data region size does not match capacity")
	}
	if len(header) < HeaderByteSize {
		return nil, errors.New("ring: header region too small")
	}

	r := &Ring{
		data:          data,
		header:        header,
		capacity:      capacity,
		doubled:       2 * capacity,
		highWatermark: capacity * 3 / 4,
	}

	if init {
		binary.LittleEndian.PutUint64(header[offMagic:], trace.Magic)
		binary.LittleEndian.PutUint64(header[offCapacity:], capacity)
		atomic.StoreUint64(ptr64(header[offProducerPos:]), 0)
		atomic.StoreUint64(ptr64(header[offConsumerPos:]), 0)
		atomic.StoreUint64(ptr64(header[offLostCount:]), 0)
		header[offClosed] = 0
		return r, nil
	}

	gotMagic := binary.LittleEndian.Uint64(header[offMagic:])
	gotCapacity := binary.LittleEndian.Uint64(header[offCapacity:])
	if gotMagic != trace.Magic || gotCapacity != capacity {
		return nil, ErrMismatchedHeader
	}
	return r, nil
}

func (r *Ring) producerPos() uint64 { return atomic.LoadUint64(ptr64(r.header[offProducerPos:])) }

// publishProducerPos is the release store that makes a reservation visible
// to the consumer. It must be the last write of a Commit.
func (r *Ring) publishProducerPos(pos uint64) {
	atomic.StoreUint64(ptr64(r.header[offProducerPos:]), pos)
}

func (r *Ring) consumerPos() uint64 { return atomic.LoadUint64(ptr64(r.header[offConsumerPos:])) }

func (r *Ring) publishConsumerPos(pos uint64) {
	atomic.StoreUint64(ptr64(r.header[offConsumerPos:]), pos)
}

func (r *Ring) incrLostCount() { atomic.AddUint64(ptr64(r.header[offLostCount:]), 1) }

// LostCount returns the number of reservations the producer failed to make
// due to insufficient free space.
func (r *Ring) LostCount() uint64 { return atomic.LoadUint64(ptr64(r.header[offLostCount:])) }

// Closed reports whether the ring has been marked closed.
func (r *Ring) Closed() bool { return atomic.LoadUint32(ptr32(r.header[offClosed:])) != 0 }

// Close marks the ring closed. Safe to call from either side.
func (r *Ring) Close() { atomic.StoreUint32(ptr32(r.header[offClosed:]), 1) }

// Capacity returns the fixed size in bytes of the data region.
func (r *Ring) Capacity() uint64 { return r.capacity }

// ProducerPos exposes the current producer_pos with an acquire load, for
// consumers that need to bound a drain pass to the records available at
// entry (spec: "new records arriving mid-pass are deferred to the next
// wake").
func (r *Ring) ProducerPos() uint64 { return r.producerPos() }

// ConsumerPos exposes the current consumer_pos. Only the consumer side
// ever advances it, so reading it outside of Next/Release is safe from the
// consumer goroutine itself.
func (r *Ring) ConsumerPos() uint64 { return r.consumerPos() }

func align8(n uint32) uint32 { return (n + 7) &^ 7 }

// fillBetween computes (producer - consumer) mod doubled, the number of
// bytes currently occupied in the ring.
func (r *Ring) fillBetween(producer, consumer uint64) uint64 {
	if producer >= consumer {
		return producer - consumer
	}
	return producer + r.doubled - consumer
}

// Reserve returns a contiguous write cursor of at least
// trace.HeaderSize+bodySize bytes, 8-byte aligned. If the remaining bytes
// before the wrap are fewer than the requested size, a padding record is
// written and the reservation retried once from the wrapped position (a
// tail shorter than trace.HeaderSize gets no padding header; Next skips it
// by position). On insufficient free space, lost_count is incremented and
// ok is false.
func (r *Ring) Reserve(bodySize uint32) (h Handle, ok bool, err error) {
	total := align8(trace.HeaderSize + bodySize)
	if total == 0 {
		return Handle{}, false, ErrZeroSizeReservation
	}
	if uint64(total) > r.capacity/2 {
		return Handle{}, false, ErrReservationTooLarge
	}

	for attempt := 0; attempt < 2; attempt++ {
		producer := r.producerNext
		consumer := r.consumerPos()
		fill := r.fillBetween(producer, consumer)
		free := r.capacity - fill
		if uint64(total) > free {
			r.incrLostCount()
			return Handle{}, false, nil
		}

		dataOff := producer
		if dataOff >= r.capacity {
			dataOff -= r.capacity
		}
		remaining := r.capacity - dataOff

		if uint64(total) > remaining {
			if remaining > 0 {
				r.writePadding(dataOff, uint32(remaining))
			}
			r.producerNext = r.advance(producer, remaining)
			continue
		}

		slice := r.data[dataOff : dataOff+uint64(total)]
		return Handle{
			Header: slice[:trace.HeaderSize],
			Body:   slice[trace.HeaderSize:total],
			start:  producer,
			size:   total,
		}, true, nil
	}

	return Handle{}, false, nil
}

// advance moves pos forward by n, wrapping at doubled capacity.
func (r *Ring) advance(pos, n uint64) uint64 {
	pos += n
	if pos >= r.doubled {
		pos -= r.doubled
	}
	return pos
}

func (r *Ring) writePadding(dataOff uint64, size uint32) {
	if size < trace.HeaderSize {
		return
	}
	buf := r.data[dataOff : dataOff+uint64(size)]
	var hdr trace.Header
	hdr.Type = trace.RecordPadding
	hdr.Size = size - trace.HeaderSize // body bytes, as Next reads Size
	_ = trace.MarshalHeader(&hdr, buf)
}

// Commit publishes a reservation by advancing producer_pos with a release
// store. The header and body bytes must already be populated by the
// caller; Commit performs no further writes to the record body.
func (r *Ring) Commit(h Handle) {
	next := r.advance(h.start, uint64(h.size))
	r.producerNext = next
	r.publishProducerPos(next)
}

// Abort discards a reservation without publishing it. No consumer can
// observe an uncommitted reservation, so Abort need only drop the handle;
// the next Reserve call reuses the same producer_pos.
func (r *Ring) Abort(h Handle) {}

// IsAlmostFull reports whether fill has reached the high watermark
// (capacity * 3/4 by default).
func (r *Ring) IsAlmostFull() bool {
	return r.fillBetween(r.producerNext, r.consumerPos()) >= r.highWatermark
}

// Record is a decoded view of one ring entry returned by Next.
type Record struct {
	Header trace.Header
	Body   []byte

	pos  uint64
	size uint32
}

// Next reads the header at consumer_pos with an acquire load of
// producer_pos and returns the record if one is available. Padding records
// are skipped transparently; Next never returns one to the caller.
func (r *Ring) Next() (Record, bool) {
	for {
		consumer := r.consumerPos()
		producer := r.producerPos() // acquire
		if consumer == producer {
			return Record{}, false
		}

		dataOff := consumer
		if dataOff >= r.capacity {
			dataOff -= r.capacity
		}
		if tail := r.capacity - dataOff; tail < trace.HeaderSize {
			// Too short for a padding header: the producer skipped it.
			r.publishConsumerPos(r.advance(consumer, tail))
			continue
		}

		var hdr trace.Header
		if err := trace.UnmarshalHeader(r.data[dataOff:], &hdr); err != nil {
			return Record{}, false
		}

		total := align8(trace.HeaderSize + hdr.Size)
		next := r.advance(consumer, uint64(total))
		if hdr.Type == trace.RecordPadding {
			r.publishConsumerPos(next)
			continue
		}

		body := r.data[dataOff+trace.HeaderSize : dataOff+uint64(total)]
		return Record{Header: hdr, Body: body, pos: consumer, size: total}, true
	}
}

// Release advances consumer_pos past rec with a release store. Callers must
// not retain rec.Body after calling Release.
func (r *Ring) Release(rec Record) {
	r.publishConsumerPos(r.advance(rec.pos, uint64(rec.size)))
}
