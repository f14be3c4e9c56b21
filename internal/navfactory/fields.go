package navfactory

import (
	"fmt"
	"math"

	"github.com/jprillam8/gnsstk/internal/navbits"
)

// semicircle converts semi-circles to radians.
const semicircle = math.Pi

// pow2 returns 2^n.
func pow2(n int) float64 { return math.Ldexp(1, n) }

// fieldReader extracts fields from a frame. The first extraction error is
// kept and every later read returns zero, so a decoder reads all its fields
// and checks err once.
type fieldReader struct {
	f   *navbits.Frame
	err error
}

func newReader(f *navbits.Frame) *fieldReader {
	return &fieldReader{f: f}
}

func (r *fieldReader) u(start, n int) uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.f.Unsigned(start, n)
	if err != nil {
		r.err = fmt.Errorf("%w: %w", ErrDecode, err)
		return 0
	}
	return v
}

func (r *fieldReader) s(start, n int) int64 {
	if r.err != nil {
		return 0
	}
	v, err := r.f.Signed(start, n)
	if err != nil {
		r.err = fmt.Errorf("%w: %w", ErrDecode, err)
		return 0
	}
	return v
}

func (r *fieldReader) ui(start, n int) int { return int(r.u(start, n)) }
func (r *fieldReader) si(start, n int) int { return int(r.s(start, n)) }

// uf and sf scale a field by 2^exp.
func (r *fieldReader) uf(start, n, exp int) float64 {
	return float64(r.u(start, n)) * pow2(exp)
}

func (r *fieldReader) sf(start, n, exp int) float64 {
	return float64(r.s(start, n)) * pow2(exp)
}

// u2 and s2 join a field split into an MSB part and an LSB part.
func (r *fieldReader) u2(start1, n1, start2, n2 int) uint64 {
	return joinU(r.u(start1, n1), r.u(start2, n2), n2)
}

func (r *fieldReader) s2(start1, n1, start2, n2 int) int64 {
	return joinS(r.s(start1, n1), r.u(start2, n2), n2)
}

func joinU(hi, lo uint64, nlo int) uint64 { return hi<<nlo | lo }
func joinS(hi int64, lo uint64, nlo int) int64 {
	return hi*(1<<nlo) + int64(lo)
}

// flag reads a single bit.
func (r *fieldReader) flag(pos int) bool { return r.u(pos, 1) == 1 }
