// ABOUTME: Fixed-capacity sample ring buffer holding the most recent window of the live stream
// ABOUTME: Single writer, ranged reads in sample units split at the physical wrap point
package ring

import "errors"

// ErrPartialUnit is returned when a batch is not a whole number of sample units
var ErrPartialUnit = errors.New("batch is not a whole number of sample units")

// Buffer stores the last Capacity() sample units. It is not safe for
// concurrent use; the owner serializes Ingest and ReadRange.
type Buffer struct {
	buf      []byte
	unitSize int
	capUnits int
	w        int    // write cursor, in units
	n        int    // units stored, saturates at capUnits
	total    uint64 // units ingested since creation
}

func New(capacityUnits, unitSize int) *Buffer {
	return &Buffer{
		buf:      make([]byte, capacityUnits*unitSize),
		unitSize: unitSize,
		capUnits: capacityUnits,
	}
}

// Ingest appends whole sample units at the write cursor, overwriting the oldest data.
// If the batch is larger than the buffer only its newest Capacity() units are kept.
func (b *Buffer) Ingest(batch []byte) error {
	if len(batch)%b.unitSize != 0 {
		return ErrPartialUnit
	}
	units := len(batch) / b.unitSize
	if units == 0 || b.capUnits == 0 {
		return nil
	}

	b.total += uint64(units)

	p := batch
	start := b.w
	if units > b.capUnits {
		skip := units - b.capUnits
		p = batch[skip*b.unitSize:]
		start = (b.w + skip) % b.capUnits
	}

	pos := start * b.unitSize
	n := copy(b.buf[pos:], p)
	if n < len(p) {
		copy(b.buf, p[n:])
	}

	b.w = (b.w + units) % b.capUnits
	b.n += units
	if b.n > b.capUnits {
		b.n = b.capUnits
	}
	return nil
}

// ReadRange returns count units starting at unit index start (already modulo capacity).
// The result is split in two segments when the range crosses the end of storage;
// second is nil otherwise. The slices alias internal storage and are only valid
// until the next Ingest.
func (b *Buffer) ReadRange(start, count int) (first, second []byte) {
	if count <= 0 || count > b.capUnits || start < 0 || start >= b.capUnits {
		return nil, nil
	}

	end := start + count
	if end <= b.capUnits {
		return b.buf[start*b.unitSize : end*b.unitSize], nil
	}
	return b.buf[start*b.unitSize:], b.buf[:(end-b.capUnits)*b.unitSize]
}

// Wrap reduces a unit index into [0, Capacity())
func (b *Buffer) Wrap(index int) int {
	if b.capUnits == 0 {
		return 0
	}
	index %= b.capUnits
	if index < 0 {
		index += b.capUnits
	}
	return index
}

// Cursor returns the index the next unit will be written at
func (b *Buffer) Cursor() int {
	return b.w
}

// Capacity returns the buffer size in units
func (b *Buffer) Capacity() int {
	return b.capUnits
}

// Len returns the number of units currently held
func (b *Buffer) Len() int {
	return b.n
}

// Total returns the number of units ingested since creation
func (b *Buffer) Total() uint64 {
	return b.total
}

// UnitSize returns the size of one sample unit in bytes
func (b *Buffer) UnitSize() int {
	return b.unitSize
}
