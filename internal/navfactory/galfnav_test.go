package navfactory

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navbits"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

var e11 = gnss.SatID{Sys: gnss.SysGAL, PRN: 11}

const (
	galTestWeek = 1272
	galTestTOW  = 35400
	galTestToe  = 36000
	galTestIOD  = 77
)

func galPage(pt int) bitBuf {
	return newBits(244).set(0, 6, int64(pt))
}

func galFrame(t *testing.T, b bitBuf, tow int64) *navbits.Frame {
	return b.frame(t, e11, gnss.SigGalE5aI, gnsstime.Galileo(galTestWeek, float64(tow)))
}

// galEphemerisFrames returns page types 1-4 broadcast 10 s apart. utcA0 sets
// the GST-UTC A0 field; the GST-GPS polynomial is always zero.
func galEphemerisFrames(t *testing.T, iod4 int, utcA0 int64) []*navbits.Frame {
	p1 := galPage(1)
	p1.set(6, 6, 11).set(12, 10, galTestIOD).set(22, 14, galTestToe/60)
	p1.set(36, 31, -70000).set(94, 8, 107).set(102, 11, 400).set(139, 1, 1)
	p1.set(155, 12, galTestWeek).set(167, 20, galTestTOW)

	p2 := galPage(2)
	p2.set(6, 10, galTestIOD).set(104, 32, 2852437926).set(72, 32, 1700000)
	p2.set(182, 12, galTestWeek).set(194, 20, galTestTOW+10)

	p3 := galPage(3)
	p3.set(6, 10, galTestIOD).set(16, 32, 0x2a000000).set(160, 14, galTestToe/60)
	p3.set(174, 12, galTestWeek).set(186, 20, galTestTOW+20)

	p4 := galPage(4)
	p4.set(6, 10, int64(iod4)).set(48, 32, utcA0).set(104, 8, 18).set(112, 8, 10)
	p4.set(120, 8, galTestWeek&0xff).set(189, 20, galTestTOW+30)

	return []*navbits.Frame{
		galFrame(t, p1, galTestTOW),
		galFrame(t, p2, galTestTOW+10),
		galFrame(t, p3, galTestTOW+20),
		galFrame(t, p4, galTestTOW+30),
	}
}

func TestGalFNavEphemeris(t *testing.T) {
	fac := NewGalFNav(DefaultOptions(), testLogger())
	frames := galEphemerisFrames(t, galTestIOD, 0)

	recs := addAll(t, fac, frames...)
	assert.Equal(t, map[navdata.Kind]int{
		navdata.KindHealth:    1,
		navdata.KindIono:      1,
		navdata.KindEphemeris: 1,
	}, kinds(recs))

	eph := only[*navdata.Ephemeris](t, recs)
	start := gnsstime.Galileo(galTestWeek, galTestTOW)
	assert.Equal(t, e11, eph.Sat)
	assert.Equal(t, galTestIOD, eph.IODE)
	assert.Equal(t, 107, eph.URA)
	assert.True(t, eph.Ref.Equal(gnsstime.Galileo(galTestWeek, galTestToe)))
	assert.True(t, eph.Ref.Equal(gnsstime.GPS(galTestWeek+1024, galTestToe)))
	assert.True(t, eph.Start.Equal(start))
	assert.True(t, eph.End.Equal(start.Add(4*time.Hour)))
	assert.InDelta(t, 2852437926*math.Pow(2, -19), eph.Orbit.SqrtA, 1e-12)
	assert.InDelta(t, -70000*math.Pow(2, -34), eph.Clock.Af0, 1e-20)
	assert.True(t, eph.Healthy)

	iono := only[*navdata.Iono](t, recs)
	assert.Equal(t, navdata.IonoNeQuick, iono.Model)
	assert.InDelta(t, 100.0, iono.Ai[0], 1e-12)
	assert.True(t, iono.Storm.Region2)
	assert.False(t, iono.Storm.Region1)
}

// TestGalFNavOrderIndependence verifies pages 4,3,2,1 produce the same
// ephemeris as 1,2,3,4.
func TestGalFNavOrderIndependence(t *testing.T) {
	frames := galEphemerisFrames(t, galTestIOD, 0)
	want := only[*navdata.Ephemeris](t, addAll(t, NewGalFNav(DefaultOptions(), testLogger()), frames...))
	got := only[*navdata.Ephemeris](t, addAll(t, NewGalFNav(DefaultOptions(), testLogger()),
		frames[3], frames[2], frames[1], frames[0]))
	assert.Equal(t, want, got)
}

func TestGalFNavIODMismatch(t *testing.T) {
	fac := NewGalFNav(DefaultOptions(), testLogger())
	frames := galEphemerisFrames(t, galTestIOD+1, 0)
	addAll(t, fac, frames[:3]...)
	_, err := fac.AddData(frames[3])
	assert.ErrorIs(t, err, ErrInconsistent)
}

// TestGalFNavTimeOffsets verifies the zero filter drops the degenerate
// GST-GPS polynomial but keeps GST-UTC.
func TestGalFNavTimeOffsets(t *testing.T) {
	fac := NewGalFNav(DefaultOptions(), testLogger())
	frames := galEphemerisFrames(t, galTestIOD, 512)
	recs, err := fac.AddData(frames[3])
	require.NoError(t, err)

	to := only[*navdata.TimeOffset](t, recs)
	assert.Equal(t, gnss.TimeGAL, to.From)
	assert.Equal(t, gnss.TimeUTC, to.To)
	assert.InDelta(t, 512*math.Pow(2, -30), to.A0, 1e-20)
	assert.Equal(t, 18, to.DeltaTLS)
	assert.True(t, to.Ref.Equal(gnsstime.Galileo(galTestWeek, 36000)))

	unfiltered := NewGalFNav(Options{Kinds: AllKinds()}, testLogger())
	recs, err = unfiltered.AddData(frames[3])
	require.NoError(t, err)
	assert.Equal(t, map[navdata.Kind]int{navdata.KindTimeOffset: 2}, kinds(recs))
}

func galAlmanacPages(ioda int) (bitBuf, bitBuf) {
	p5 := galPage(5)
	p5.set(6, 4, int64(ioda)).set(10, 2, galTestWeek&3).set(12, 10, 60)
	p5.set(22, 6, 5).set(28, 13, 100)        // SV1
	p5.set(153, 6, 7).set(210, 4, -1234>>12) // SV2, Omega0 MSBs

	p6 := galPage(6)
	p6.set(6, 4, int64(ioda)).set(10, 12, -1234&0xfff)
	p6.set(80, 6, 9).set(80+46, 11, -200) // SV3
	return p5, p6
}

// TestGalFNavAlmanacPairing verifies SV1 is emitted with page 5 and SV2/SV3
// once the paired page 6 arrives, in either arrival order.
func TestGalFNavAlmanacPairing(t *testing.T) {
	p5, p6 := galAlmanacPages(3)
	f5 := galFrame(t, p5, galTestTOW)
	f6 := galFrame(t, p6, galTestTOW+10)
	ref := gnsstime.Galileo(galTestWeek, 36000)

	fac := NewGalFNav(DefaultOptions(), testLogger())
	recs, err := fac.AddData(f5)
	require.NoError(t, err)
	sv1 := only[*navdata.Almanac](t, recs)
	assert.Equal(t, 5, sv1.Sat.PRN)
	assert.True(t, sv1.Ref.Equal(ref))
	assert.InDelta(t, galSqrtARef+100*math.Pow(2, -9), sv1.Orbit.SqrtA, 1e-9)
	assert.InDelta(t, 56.0/180*math.Pi, sv1.Orbit.I0, 1e-12)

	recs, err = fac.AddData(f6)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	sv2 := recs[0].(*navdata.Almanac)
	sv3 := recs[1].(*navdata.Almanac)
	assert.Equal(t, 7, sv2.Sat.PRN)
	assert.InDelta(t, -1234*math.Pow(2, -15)*math.Pi, sv2.Orbit.Omega0, 1e-15)
	assert.Equal(t, 9, sv3.Sat.PRN)
	assert.InDelta(t, (56.0/180-200*math.Pow(2, -14))*math.Pi, sv3.Orbit.I0, 1e-12)
	assert.Equal(t, StateEmpty, fac.State(e11))

	reversed := NewGalFNav(DefaultOptions(), testLogger())
	recs, err = reversed.AddData(f6)
	require.NoError(t, err)
	assert.Empty(t, recs)
	recs, err = reversed.AddData(f5)
	require.NoError(t, err)
	assert.Equal(t, map[navdata.Kind]int{navdata.KindAlmanac: 3}, kinds(recs))
}

func TestGalFNavAlmanacPairingRejected(t *testing.T) {
	p5, p6 := galAlmanacPages(3)
	_, other := galAlmanacPages(4)

	fac := NewGalFNav(DefaultOptions(), testLogger())
	_, err := fac.AddData(galFrame(t, p5, galTestTOW))
	require.NoError(t, err)

	// IODa mismatch
	recs, err := fac.AddData(galFrame(t, other, galTestTOW+10))
	require.NoError(t, err)
	assert.Empty(t, recs)

	// too far apart
	recs, err = fac.AddData(galFrame(t, p6, galTestTOW+60))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestGalFNavPageTypes(t *testing.T) {
	fac := NewGalFNav(DefaultOptions(), testLogger())
	recs, err := fac.AddData(galFrame(t, galPage(galPageDummy), galTestTOW))
	assert.NoError(t, err)
	assert.Nil(t, recs)

	_, err = fac.AddData(galFrame(t, galPage(9), galTestTOW))
	assert.ErrorIs(t, err, ErrUnknownPage)
}
