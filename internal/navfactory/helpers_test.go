package navfactory

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/navbits"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bitBuf holds one entry per bit so tests can lay out fields at the
// positions the decoders read them from.
type bitBuf []byte

func newBits(n int) bitBuf { return make(bitBuf, n) }

// set writes the low n bits of v (two's complement for negatives) at start.
func (b bitBuf) set(start, n int, v int64) bitBuf {
	u := uint64(v)
	for i := 0; i < n; i++ {
		b[start+i] = byte(u >> uint(n-1-i) & 1)
	}
	return b
}

// split writes a value split into an MSB field and an LSB field.
func (b bitBuf) split(start1, n1, start2, n2 int, v int64) bitBuf {
	b.set(start1, n1, v>>uint(n2))
	return b.set(start2, n2, v&(1<<uint(n2)-1))
}

func (b bitBuf) frame(t *testing.T, xmit gnss.SatID, sig gnss.NavSignal, at time.Time) *navbits.Frame {
	t.Helper()
	f := navbits.NewSized(xmit, xmit, sig, at, len(b))
	for i := 0; i < len(b); i += 32 {
		n := min(32, len(b)-i)
		var v int64
		for j := 0; j < n; j++ {
			v = v<<1 | int64(b[i+j])
		}
		require.NoError(t, f.AddBits(v, n, 1))
	}
	require.NoError(t, f.Trim())
	return f
}

// bdsRaw spreads a 224-bit BeiDou information stream over ten 30-bit words,
// leaving the parity bits zero.
func bdsRaw(info bitBuf) bitBuf {
	raw := newBits(300)
	copy(raw[:bdsWord1InfoBits], info[:bdsWord1InfoBits])
	for w := 1; w < 10; w++ {
		from := bdsWord1InfoBits + (w-1)*bdsWordInfoBits
		copy(raw[w*bdsWordBits:w*bdsWordBits+bdsWordInfoBits], info[from:from+bdsWordInfoBits])
	}
	return raw
}

func kinds(recs []navdata.Record) map[navdata.Kind]int {
	out := make(map[navdata.Kind]int)
	for _, r := range recs {
		out[r.Kind()]++
	}
	return out
}

func only[T navdata.Record](t *testing.T, recs []navdata.Record) T {
	t.Helper()
	var found []T
	for _, r := range recs {
		if v, ok := r.(T); ok {
			found = append(found, v)
		}
	}
	require.Len(t, found, 1)
	return found[0]
}
