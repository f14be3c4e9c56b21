package navfactory

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

func TestParseKinds(t *testing.T) {
	tests := []struct {
		in      string
		want    KindSet
		wantErr bool
	}{
		{in: "all", want: AllKinds()},
		{in: "ALL", want: AllKinds()},
		{in: "eph,alm", want: KindSet{Ephemeris: true, Almanac: true}},
		{in: " health , timeoffset ", want: KindSet{Health: true, TimeOffset: true}},
		{in: "to,ion", want: KindSet{TimeOffset: true, Iono: true}},
		{in: "eph,bogus", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseKinds(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownKind, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestMultiRegisterDuplicate(t *testing.T) {
	m := NewMulti(testLogger())
	require.NoError(t, m.Register(NewGPSLNav(DefaultOptions(), testLogger())))
	err := m.Register(NewGPSLNav(DefaultOptions(), testLogger()))
	assert.ErrorIs(t, err, ErrDuplicateSignal)
	assert.Len(t, m.Signals(), 2)
}

// TestNewDefaultRegistersAll verifies every built-in factory registers
// cleanly, so NewDefault never reaches its panic.
func TestNewDefaultRegistersAll(t *testing.T) {
	var m *Multi
	require.NotPanics(t, func() { m = NewDefault(DefaultOptions(), testLogger()) })
	for _, sig := range []gnss.NavSignal{gnss.SigGPSL1CA, gnss.SigBDSD1B1I, gnss.SigBDSD2B1I} {
		assert.Contains(t, m.Signals(), sig)
	}

	dup := NewMulti(testLogger())
	require.NoError(t, dup.Register(NewBDSD2(DefaultOptions(), testLogger())))
	assert.ErrorIs(t, dup.Register(NewBDSD2(DefaultOptions(), testLogger())), ErrDuplicateSignal)
}

func TestMultiUnmatchedSignal(t *testing.T) {
	m := NewMulti(testLogger())
	require.NoError(t, m.Register(NewGalFNav(DefaultOptions(), testLogger())))

	f := lnavEphemerisFrames(t, lnavIODC&0xff)[0]
	recs, err := m.AddData(f)
	assert.NoError(t, err)
	assert.Nil(t, recs)
}

// TestMultiRoutes verifies frames of different standards reach their own
// factory and that state is reported per transmitting satellite.
func TestMultiRoutes(t *testing.T) {
	m := NewDefault(DefaultOptions(), testLogger())
	assert.Len(t, m.Signals(), 9)

	lnav := lnavEphemerisFrames(t, lnavIODC&0xff)
	recs, err := m.AddData(lnav[0])
	require.NoError(t, err)
	assert.Equal(t, map[navdata.Kind]int{navdata.KindHealth: 1}, kinds(recs))
	assert.Equal(t, StateAccumulating, m.State(g05))

	gal := galEphemerisFrames(t, galTestIOD, 0)
	recs, err = m.AddData(gal[0])
	require.NoError(t, err)
	assert.Equal(t, map[navdata.Kind]int{navdata.KindHealth: 1, navdata.KindIono: 1}, kinds(recs))
	assert.Equal(t, StateAccumulating, m.State(e11))

	recs = addAll(t, m, lnav[1:]...)
	only[*navdata.Ephemeris](t, recs)
	assert.Equal(t, StateReady, m.State(g05))

	var buf bytes.Buffer
	require.NoError(t, m.DumpState(&buf))
	assert.Contains(t, buf.String(), "G05")
	assert.Contains(t, buf.String(), "E11")

	m.ResetState()
	assert.Equal(t, StateEmpty, m.State(g05))
	assert.Equal(t, StateEmpty, m.State(e11))
}

// TestMultiDecodeFault verifies errors from a factory are passed through
// with whatever records were decoded alongside them.
func TestMultiDecodeFault(t *testing.T) {
	m := NewDefault(DefaultOptions(), testLogger())
	f := newBits(100).frame(t, gnss.SatID{Sys: gnss.SysGPS, PRN: 1}, gnss.SigGPSL1CA, gnsstime.GPS(2296, 0))
	_, err := m.AddData(f)
	assert.ErrorIs(t, err, ErrFrameLength)
	assert.ErrorIs(t, err, ErrDecode)
}
