package navfactory

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navbits"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

// LNAV special page SV IDs.
const (
	lnavSVIDHealth1  = 51 // SF5 page 25: health SV1-24, toa, WNa
	lnavSVIDIonoUTC  = 56 // SF4 page 18
	lnavSVIDHealth2  = 63 // SF4 page 25: health SV25-32
	lnavMaxAlmanacSV = 32
)

// lnavIssue keys subframes 1-3 by IODE (the IODC LSBs in subframe 1).
var lnavIssue = fieldKey(map[int][2]int{1: {210, 8}, 2: {60, 8}, 3: {270, 8}})

// GPSLNav decodes GPS legacy navigation subframes (300 raw bits, parity
// included, as broadcast on L1 C/A and L2).
type GPSLNav struct {
	base
	sats map[gnss.SatID]*pageSet
	alm  almPending
}

// NewGPSLNav returns a GPS LNAV factory.
func NewGPSLNav(opts Options, logger *slog.Logger) *GPSLNav {
	return &GPSLNav{
		base: base{
			nav:     gnss.NavGPSLNAV,
			signals: []gnss.NavSignal{gnss.SigGPSL1CA, gnss.SigGPSL2CM},
			opts:    opts,
			logger:  logger,
		},
		sats: make(map[gnss.SatID]*pageSet),
		alm:  newAlmPending(gnss.SysGPS),
	}
}

func (g *GPSLNav) AddData(f *navbits.Frame) ([]navdata.Record, error) {
	if !g.accepts(f.Signal()) {
		return nil, nil
	}
	if err := g.checkFrame(f); err != nil {
		return nil, err
	}
	r := newReader(f)
	sfid := r.ui(49, 3)
	if r.err != nil {
		return nil, r.err
	}

	st := g.sats[f.Xmit()]
	if st == nil {
		st = newPageSet()
		g.sats[f.Xmit()] = st
	}
	st.ready = false

	switch sfid {
	case 1, 2, 3:
		st.pages[sfid] = f
		var out []navdata.Record
		if sfid == 1 {
			out = g.emit(out, g.health(f, f.Xmit(), r.u(76, 6), 6))
		}
		eph, err := g.ephemeris(st)
		if err != nil {
			st.dropStale(sfid, lnavIssue, 1, 2, 3)
			return out, err
		}
		if eph == nil {
			return out, nil
		}
		st.clear(1, 2, 3)
		st.ready = true
		return g.emit(out, eph), nil
	case 4, 5:
		return g.almanacPage(f, sfid)
	}
	return nil, fmt.Errorf("%w: GPS LNAV subframe %d from %s", ErrUnknownPage, sfid, f.Xmit())
}

// health builds a health record for subject from an LNAV health field. Zero
// means all signals healthy.
func (g *GPSLNav) health(f *navbits.Frame, subject gnss.SatID, bits uint64, n int) *navdata.Health {
	t := f.XmitTime()
	return &navdata.Health{
		Header:  header(f, subject, t, navdata.EndOfTime, t),
		Bits:    uint32(bits),
		NumBits: n,
		Healthy: bits == 0,
	}
}

// ephemeris decodes subframes 1-3 once all are present. It returns nil
// without error while the group is incomplete.
func (g *GPSLNav) ephemeris(st *pageSet) (*navdata.Ephemeris, error) {
	if !st.has(1, 2, 3) {
		return nil, nil
	}
	sf1, sf2, sf3 := st.pages[1], st.pages[2], st.pages[3]
	r1, r2, r3 := newReader(sf1), newReader(sf2), newReader(sf3)

	iodc := int(r1.u2(82, 2, 210, 8))
	iode2 := r2.ui(60, 8)
	iode3 := r3.ui(270, 8)
	for _, r := range []*fieldReader{r1, r2, r3} {
		if r.err != nil {
			return nil, r.err
		}
	}
	if iode2 != iode3 || iode2 != iodc&0xff {
		return nil, fmt.Errorf("%w: %s IODC %d, IODE %d/%d", ErrInconsistent, sf1.Xmit(), iodc, iode2, iode3)
	}

	start := earliest(sf1, sf2, sf3)
	xmitWeek, xmitSOW := gnsstime.GPSWeekSecond(start)
	week := gnsstime.FullWeek(r1.ui(60, 10), 10, xmitWeek)

	toc := float64(r1.u(218, 16)) * 16
	toe := float64(r2.u(270, 16)) * 16
	toeWeek := gnsstime.AdjustWeek(week, toe, xmitSOW)
	tocWeek := gnsstime.AdjustWeek(week, toc, xmitSOW)
	ref := gnsstime.GPS(toeWeek, toe)

	health := r1.ui(76, 6)
	fitFlag := r2.ui(286, 1)
	interval := navdata.LegacyFitInterval(fitFlag, iodc)

	eph := &navdata.Ephemeris{
		Orbit: navdata.Kepler{
			M0:       float64(r2.s2(106, 8, 120, 24)) * pow2(-31) * semicircle,
			DeltaN:   r2.sf(90, 16, -43) * semicircle,
			Ecc:      float64(r2.u2(166, 8, 180, 24)) * pow2(-33),
			SqrtA:    float64(r2.u2(226, 8, 240, 24)) * pow2(-19),
			Omega0:   float64(r3.s2(76, 8, 90, 24)) * pow2(-31) * semicircle,
			I0:       float64(r3.s2(136, 8, 150, 24)) * pow2(-31) * semicircle,
			Omega:    float64(r3.s2(196, 8, 210, 24)) * pow2(-31) * semicircle,
			OmegaDot: r3.sf(240, 24, -43) * semicircle,
			IDot:     r3.sf(278, 14, -43) * semicircle,
			Cuc:      r2.sf(150, 16, -29),
			Cus:      r2.sf(210, 16, -29),
			Crc:      r3.sf(180, 16, -5),
			Crs:      r2.sf(68, 16, -5),
			Cic:      r3.sf(60, 16, -29),
			Cis:      r3.sf(120, 16, -29),
		},
		Clock: navdata.Clock{
			Toc: gnsstime.GPS(tocWeek, toc),
			Af0: r1.sf(270, 22, -31),
			Af1: r1.sf(248, 16, -43),
			Af2: r1.sf(240, 8, -55),
		},
		Week:     toeWeek,
		ToeSOW:   toe,
		IODE:     iode2,
		IODC:     iodc,
		URA:      r1.ui(72, 4),
		Health:   health,
		Healthy:  health == 0,
		FitFlag:  fitFlag,
		FitBegin: ref.Add(-interval / 2),
		FitEnd:   ref.Add(interval / 2),
	}
	if tgd := r1.s(196, 8); tgd != -128 {
		eph.TGD[0] = float64(tgd) * pow2(-31)
	}
	for _, r := range []*fieldReader{r1, r2, r3} {
		if r.err != nil {
			return nil, r.err
		}
	}
	eph.Header = header(sf1, sf1.Xmit(), start, eph.FitEnd, ref)
	return eph, nil
}

// almanacPage handles subframes 4 and 5 by SV ID.
func (g *GPSLNav) almanacPage(f *navbits.Frame, sfid int) ([]navdata.Record, error) {
	r := newReader(f)
	svid := r.ui(62, 6)
	if r.err != nil {
		return nil, r.err
	}
	xmitWeek, _ := gnsstime.GPSWeekSecond(f.XmitTime())

	var out []navdata.Record
	switch {
	case svid == 0:
		g.dropDefault(f.Xmit(), svid)
	case svid <= lnavMaxAlmanacSV:
		if lnavDefaultAlmanac(f) {
			g.dropDefault(f.Xmit(), svid)
			return nil, nil
		}
		alm, err := g.almanac(f, svid)
		if err != nil {
			return nil, err
		}
		if g.alm.add(alm) {
			out = g.emit(out, alm)
		}
	case svid == lnavSVIDHealth1 && sfid == 5:
		toa := float64(r.u(68, 8)) * 4096
		wna := gnsstime.FullWeek(r.ui(76, 8), 8, xmitWeek)
		for i := 0; i < 24; i++ {
			pos := 90 + (i/4)*30 + (i%4)*6
			out = g.emit(out, g.health(f, gnss.SatID{Sys: gnss.SysGPS, PRN: i + 1}, r.u(pos, 6), 6))
		}
		for _, alm := range g.alm.setWeek(f.Xmit(), wna, toa) {
			out = g.emit(out, alm)
		}
	case svid == lnavSVIDHealth2 && sfid == 4:
		positions := [8]int{228, 240, 246, 252, 258, 270, 276, 282}
		for i, pos := range positions {
			out = g.emit(out, g.health(f, gnss.SatID{Sys: gnss.SysGPS, PRN: 25 + i}, r.u(pos, 6), 6))
		}
	case svid == lnavSVIDIonoUTC && sfid == 4:
		out = g.emit(out, g.iono(f, r))
		out = g.emit(out, g.utc(f, r, xmitWeek))
	}
	if r.err != nil {
		return nil, r.err
	}
	return out, nil
}

// lnavDefaultAlmanac reports whether the data words of an almanac page hold
// the all-zero or alternating default pattern sent for unused slots.
func lnavDefaultAlmanac(f *navbits.Frame) bool {
	for _, pattern := range []uint64{0, 0xaaaaaa, 0x555555} {
		match := true
		for w := 3; w < 10 && match; w++ {
			v, err := f.Unsigned(w*30, 24)
			match = err == nil && v == pattern
		}
		if match {
			return true
		}
	}
	return false
}

func (g *GPSLNav) almanac(f *navbits.Frame, svid int) (*navdata.Almanac, error) {
	r := newReader(f)
	health := r.ui(136, 8)
	alm := &navdata.Almanac{
		Orbit: navdata.Kepler{
			Ecc:      r.uf(68, 16, -21),
			I0:       (0.3 + r.sf(98, 16, -19)) * semicircle,
			OmegaDot: r.sf(120, 16, -38) * semicircle,
			SqrtA:    r.uf(150, 24, -11),
			Omega0:   r.sf(180, 24, -23) * semicircle,
			Omega:    r.sf(210, 24, -23) * semicircle,
			M0:       r.sf(240, 24, -23) * semicircle,
		},
		Af0:         float64(r.s2(270, 8, 289, 3)) * pow2(-20),
		Af1:         r.sf(278, 11, -38),
		ToaSOW:      float64(r.u(90, 8)) * 4096,
		Health:      health,
		HealthKnown: true,
		Healthy:     health == 0,
	}
	if r.err != nil {
		return nil, r.err
	}
	t := f.XmitTime()
	alm.Header = header(f, gnss.SatID{Sys: gnss.SysGPS, PRN: svid}, t, navdata.EndOfTime, t)
	return alm, nil
}

func (g *GPSLNav) iono(f *navbits.Frame, r *fieldReader) *navdata.Iono {
	t := f.XmitTime()
	return &navdata.Iono{
		Header: header(f, f.Xmit(), t, navdata.EndOfTime, t),
		Model:  navdata.IonoKlobuchar,
		Alpha: [4]float64{
			r.sf(68, 8, -30), r.sf(76, 8, -27), r.sf(90, 8, -24), r.sf(98, 8, -24),
		},
		Beta: [4]float64{
			r.sf(106, 8, 11), r.sf(120, 8, 14), r.sf(128, 8, 16), r.sf(136, 8, 16),
		},
	}
}

func (g *GPSLNav) utc(f *navbits.Frame, r *fieldReader, xmitWeek int) *navdata.TimeOffset {
	tot := float64(r.u(218, 8)) * 4096
	wnt := gnsstime.FullWeek(r.ui(226, 8), 8, xmitWeek)
	return &navdata.TimeOffset{
		Header:    header(f, f.Xmit(), f.XmitTime(), navdata.EndOfTime, gnsstime.GPS(wnt, tot)),
		From:      gnss.TimeGPS,
		To:        gnss.TimeUTC,
		A0:        float64(r.s2(180, 24, 210, 8)) * pow2(-30),
		A1:        r.sf(150, 24, -50),
		RefWeek:   wnt,
		RefSOW:    tot,
		HasLeap:   true,
		DeltaTLS:  r.si(240, 8),
		WNLSF:     gnsstime.FullWeek(r.ui(248, 8), 8, xmitWeek),
		DN:        r.ui(256, 8),
		DeltaTLSF: r.si(270, 8),
	}
}

func (g *GPSLNav) ResetState() {
	g.sats = make(map[gnss.SatID]*pageSet)
	g.alm.reset()
}

func (g *GPSLNav) State(xmit gnss.SatID) AccumState {
	s := g.sats[xmit].state()
	if s == StateEmpty && g.alm.parked(xmit) > 0 {
		return StateAccumulating
	}
	return s
}

func (g *GPSLNav) DumpState(w io.Writer) error {
	return dumpPages(w, g.nav, g.sats, &g.alm)
}

// dumpPages writes one line per transmitter followed by parked almanacs.
func dumpPages(w io.Writer, nav gnss.NavType, sats map[gnss.SatID]*pageSet, alm *almPending) error {
	ids := maps.Keys(sats)
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	for _, id := range ids {
		st := sats[id]
		idx := maps.Keys(st.pages)
		sort.Ints(idx)
		if _, err := fmt.Fprintf(w, "%s %s state=%s pages=%v\n", nav, id, st.state(), idx); err != nil {
			return err
		}
	}
	if alm != nil {
		return alm.dump(w)
	}
	return nil
}
