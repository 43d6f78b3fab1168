// Package rangelist implements the compact sorted-interval set used to
// report acknowledged message numbers: a RangeList never stores more than
// one entry per contiguous run of integers, and its wire encoding is
// compatible with the reference ACK format.
package rangelist

import (
	"errors"

	"goraknet/pkg/bitstream"
)

// ErrTooManyRanges is returned by Serialize when the range count would not
// fit in the compressed-16 count field.
var ErrTooManyRanges = errors.New("rangelist: too many ranges to serialize")

// Range is an inclusive [Min, Max] interval of 32-bit unsigned integers.
type Range struct {
	Min, Max uint32
}

// List is a sorted, non-overlapping, non-adjacent sequence of Range.
type List struct {
	ranges []Range
}

// New returns an empty List.
func New() *List {
	return &List{}
}

// Len returns the number of ranges (not the number of contained integers).
func (l *List) Len() int { return len(l.ranges) }

// Clear empties the list.
func (l *List) Clear() { l.ranges = nil }

// Contains reports whether n falls within any range.
func (l *List) Contains(n uint32) bool {
	for _, r := range l.ranges {
		if r.Min <= n && n <= r.Max {
			return true
		}
	}
	return false
}

// Insert adds n to the set, extending, merging or creating ranges as
// needed. Inserting an already-contained value is a no-op.
func (l *List) Insert(n uint32) {
	for i := range l.ranges {
		r := &l.ranges[i]
		if n+1 == r.Min {
			r.Min = n
			return
		}
		if r.Min <= n {
			if r.Max == n-1 {
				r.Max = n
				if i+1 < len(l.ranges) && l.ranges[i+1].Min == n+1 {
					r.Max = l.ranges[i+1].Max
					l.ranges = append(l.ranges[:i+1], l.ranges[i+2:]...)
				}
				return
			}
			if r.Max >= n {
				return
			}
			continue
		}
		l.ranges = append(l.ranges, Range{})
		copy(l.ranges[i+1:], l.ranges[i:])
		l.ranges[i] = Range{n, n}
		return
	}
	l.ranges = append(l.ranges, Range{n, n})
}

// Values returns every contained integer in ascending order.
func (l *List) Values() []uint32 {
	var out []uint32
	for _, r := range l.ranges {
		for v := r.Min; v <= r.Max; v++ {
			out = append(out, v)
			if v == r.Max {
				break
			}
		}
	}
	return out
}

// Holes returns every integer strictly between consecutive ranges.
func (l *List) Holes() []uint32 {
	var out []uint32
	for i := 0; i+1 < len(l.ranges); i++ {
		for v := l.ranges[i].Max + 1; v < l.ranges[i+1].Min; v++ {
			out = append(out, v)
		}
	}
	return out
}

// NumHoles returns len(Holes()) without allocating the slice.
func (l *List) NumHoles() int {
	n := 0
	for i := 0; i+1 < len(l.ranges); i++ {
		n += int(l.ranges[i+1].Min - l.ranges[i].Max - 1)
	}
	return n
}

// Serialize writes the count as a compressed 16-bit unsigned value, then
// for each range a min==max bit, the 32-bit min, and (if the bit was
// false) the 32-bit max.
func (l *List) Serialize(w *bitstream.Writer) error {
	if len(l.ranges) > 0xFFFF {
		return ErrTooManyRanges
	}
	w.WriteCompressedUint16(uint16(len(l.ranges)))
	for _, r := range l.ranges {
		w.WriteBit(r.Min == r.Max)
		w.WriteUint32(r.Min)
		if r.Min != r.Max {
			w.WriteUint32(r.Max)
		}
	}
	return nil
}

// Deserialize is the inverse of Serialize. No validation of sortedness is
// performed; inputs are trusted.
func Deserialize(r *bitstream.Reader) (*List, error) {
	count, err := r.ReadCompressedUint16()
	if err != nil {
		return nil, err
	}
	l := &List{ranges: make([]Range, 0, count)}
	for i := 0; i < int(count); i++ {
		eq, err := r.ReadBit()
		if err != nil {
			return nil, err
		}
		min, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		max := min
		if !eq {
			max, err = r.ReadUint32()
			if err != nil {
				return nil, err
			}
		}
		l.ranges = append(l.ranges, Range{min, max})
	}
	return l, nil
}
