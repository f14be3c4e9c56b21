// Package navbits provides the bit frame primitive: one as-broadcast
// navigation message unit (subframe or page) tagged with the satellite, the
// signal it was demodulated from and its transmit time.
//
// A frame is built by appending fields with AddBits and sealed with Trim.
// After Trim the bits are packed MSB first and only reads are allowed; before
// Trim no reads are allowed.
package navbits

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/bamiaux/iobit"

	"github.com/jprillam8/gnsstk/internal/gnss"
)

var (
	ErrCapacity   = errors.New("frame capacity exceeded")
	ErrWidth      = errors.New("invalid bit width")
	ErrScale      = errors.New("invalid scale")
	ErrLength     = errors.New("frame length mismatch")
	ErrRange      = errors.New("bit range outside frame")
	ErrNotTrimmed = errors.New("frame not trimmed")
	ErrTrimmed    = errors.New("frame already trimmed")
)

type field struct {
	value uint64
	width uint
}

// Frame is a fixed-capacity bit sequence with its broadcast metadata.
type Frame struct {
	sat      gnss.SatID
	xmit     gnss.SatID
	signal   gnss.NavSignal
	xmitTime time.Time

	capacity int
	length   int
	fields   []field
	data     []byte
	trimmed  bool
}

// New creates an empty frame sized for the signal's navigation standard.
func New(sat, xmit gnss.SatID, signal gnss.NavSignal, xmitTime time.Time) *Frame {
	return NewSized(sat, xmit, signal, xmitTime, signal.Nav.FrameBits())
}

// NewSized creates an empty frame with an explicit capacity in bits.
func NewSized(sat, xmit gnss.SatID, signal gnss.NavSignal, xmitTime time.Time, capacity int) *Frame {
	return &Frame{
		sat:      sat,
		xmit:     xmit,
		signal:   signal,
		xmitTime: xmitTime,
		capacity: capacity,
	}
}

// FromBytes builds and trims a frame from nbits packed bits.
func FromBytes(sat, xmit gnss.SatID, signal gnss.NavSignal, xmitTime time.Time, data []byte, nbits int) (*Frame, error) {
	if nbits < 0 || len(data)*8 < nbits {
		return nil, fmt.Errorf("%w: %d bits from %d bytes", ErrLength, nbits, len(data))
	}
	f := NewSized(sat, xmit, signal, xmitTime, signal.Nav.FrameBits())
	if f.capacity == 0 {
		f.capacity = nbits
	}
	r := iobit.NewReader(data)
	for left := nbits; left > 0; {
		n := 32
		if left < n {
			n = left
		}
		if err := f.AddBits(int64(r.Uint64(uint(n))), n, 1); err != nil {
			return nil, err
		}
		left -= n
	}
	if err := r.Error(); err != nil {
		return nil, fmt.Errorf("reading frame bytes: %w", err)
	}
	if err := f.Trim(); err != nil {
		return nil, err
	}
	return f, nil
}

// Sat is the satellite the data describes.
func (f *Frame) Sat() gnss.SatID { return f.sat }

// Xmit is the satellite that transmitted the frame.
func (f *Frame) Xmit() gnss.SatID { return f.xmit }

// Signal is the signal and navigation standard the frame came from.
func (f *Frame) Signal() gnss.NavSignal { return f.signal }

// XmitTime is the transmit time of the first bit.
func (f *Frame) XmitTime() time.Time { return f.xmitTime }

// Len is the number of bits appended so far.
func (f *Frame) Len() int { return f.length }

// Cap is the fixed frame length.
func (f *Frame) Cap() int { return f.capacity }

// Trimmed reports whether the frame is sealed.
func (f *Frame) Trimmed() bool { return f.trimmed }

// AddBits appends value/scale as a width-bit field. Negative values are stored
// in two's complement. scale lets callers pass a field in its physical integer
// unit (e.g. toc in seconds with scale 16) or the upper part of a split field.
func (f *Frame) AddBits(value int64, width int, scale int64) error {
	if f.trimmed {
		return ErrTrimmed
	}
	if width < 1 || width > 64 {
		return fmt.Errorf("%w: %d", ErrWidth, width)
	}
	if scale <= 0 || value%scale != 0 {
		return fmt.Errorf("%w: %d for value %d", ErrScale, scale, value)
	}
	v := value / scale
	if width < 64 {
		if v >= 0 && uint64(v) >= 1<<uint(width) {
			return fmt.Errorf("%w: %d does not fit in %d bits", ErrWidth, v, width)
		}
		if v < 0 && v < -(int64(1)<<uint(width-1)) {
			return fmt.Errorf("%w: %d does not fit in %d bits", ErrWidth, v, width)
		}
	}
	if f.length+width > f.capacity {
		return fmt.Errorf("%w: %d+%d > %d", ErrCapacity, f.length, width, f.capacity)
	}
	raw := uint64(v)
	if width < 64 {
		raw &= 1<<uint(width) - 1
	}
	f.fields = append(f.fields, field{value: raw, width: uint(width)})
	f.length += width
	return nil
}

// Trim seals the frame. The accumulated length must equal the capacity.
func (f *Frame) Trim() error {
	if f.trimmed {
		return nil
	}
	if f.length != f.capacity {
		return fmt.Errorf("%w: have %d bits, want %d", ErrLength, f.length, f.capacity)
	}
	data := make([]byte, (f.length+7)/8)
	w := iobit.NewWriter(data)
	for _, fl := range f.fields {
		w.PutUint64(fl.width, fl.value)
	}
	if pad := len(data)*8 - f.length; pad > 0 {
		w.PutUint64(uint(pad), 0)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("packing frame: %w", err)
	}
	f.data = data
	f.fields = nil
	f.trimmed = true
	return nil
}

func (f *Frame) checkRange(start, n int) error {
	if !f.trimmed {
		return ErrNotTrimmed
	}
	if start < 0 || n < 1 || n > 64 || start+n > f.length {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrRange, start, start+n, f.length)
	}
	return nil
}

// Unsigned returns the n-bit field starting at bit start.
func (f *Frame) Unsigned(start, n int) (uint64, error) {
	if err := f.checkRange(start, n); err != nil {
		return 0, err
	}
	r := iobit.NewReader(f.data)
	r.Skip(uint(start))
	v := r.Uint64(uint(n))
	if err := r.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRange, err)
	}
	return v, nil
}

// Signed returns the n-bit two's complement field starting at bit start.
func (f *Frame) Signed(start, n int) (int64, error) {
	u, err := f.Unsigned(start, n)
	if err != nil {
		return 0, err
	}
	if n < 64 && u&(1<<uint(n-1)) != 0 {
		return int64(u) - int64(1)<<uint(n), nil
	}
	return int64(u), nil
}

// AllZero reports whether every bit in [start, end) is zero.
func (f *Frame) AllZero(start, end int) (bool, error) {
	for pos := start; pos < end; pos += 64 {
		n := end - pos
		if n > 64 {
			n = 64
		}
		v, err := f.Unsigned(pos, n)
		if err != nil {
			return false, err
		}
		if v != 0 {
			return false, nil
		}
	}
	return true, nil
}

// Bytes returns a copy of the packed bits, nil before Trim.
func (f *Frame) Bytes() []byte {
	if !f.trimmed {
		return nil
	}
	return bytes.Clone(f.data)
}

// Equal reports whether both frames carry the same metadata and bits.
func (f *Frame) Equal(o *Frame) bool {
	if f == nil || o == nil {
		return f == o
	}
	return f.sat == o.sat &&
		f.xmit == o.xmit &&
		f.signal == o.signal &&
		f.xmitTime.Equal(o.xmitTime) &&
		f.length == o.length &&
		f.trimmed == o.trimmed &&
		bytes.Equal(f.data, o.data)
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s/%s %s %s %d bits", f.sat, f.xmit, f.signal, f.xmitTime.Format(time.RFC3339), f.length)
}
