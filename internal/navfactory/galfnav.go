package navfactory

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navbits"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

const (
	galPageDummy = 63

	// Almanac nominal values the broadcast deltas are relative to.
	galSqrtARef = 5440.588203494177 // sqrt(29600 km)
	galI0Ref    = 56.0 / 180.0      // semi-circles

	galFitSpan        = 4 * time.Hour
	galAlmanacPairing = 50 * time.Second
)

// galIssue keys page types 1-4 by IODnav.
var galIssue = fieldKey(map[int][2]int{1: {12, 10}, 2: {6, 10}, 3: {6, 10}, 4: {6, 10}})

// GalFNav decodes Galileo F/NAV pages (244 bits, CRC and tail removed) from
// E5a-I.
type GalFNav struct {
	base
	sats map[gnss.SatID]*pageSet
}

// NewGalFNav returns a Galileo F/NAV factory.
func NewGalFNav(opts Options, logger *slog.Logger) *GalFNav {
	return &GalFNav{
		base: base{
			nav:     gnss.NavGalFNAV,
			signals: []gnss.NavSignal{gnss.SigGalE5aI},
			opts:    opts,
			logger:  logger,
		},
		sats: make(map[gnss.SatID]*pageSet),
	}
}

func (g *GalFNav) AddData(f *navbits.Frame) ([]navdata.Record, error) {
	if !g.accepts(f.Signal()) {
		return nil, nil
	}
	if err := g.checkFrame(f); err != nil {
		return nil, err
	}
	r := newReader(f)
	pt := r.ui(0, 6)
	if r.err != nil {
		return nil, r.err
	}
	if pt == galPageDummy {
		return nil, nil
	}
	if pt < 1 || pt > 6 {
		return nil, fmt.Errorf("%w: Galileo F/NAV page type %d from %s", ErrUnknownPage, pt, f.Xmit())
	}

	st := g.sats[f.Xmit()]
	if st == nil {
		st = newPageSet()
		g.sats[f.Xmit()] = st
	}
	st.ready = false
	st.pages[pt] = f

	var out []navdata.Record
	switch pt {
	case 1:
		out = g.clockPage(out, f)
	case 4:
		out = g.timePage(out, f)
	case 5, 6:
		return g.almanacPages(st, pt)
	}

	eph, err := g.ephemeris(st)
	if err != nil {
		st.dropStale(pt, galIssue, 1, 2, 3, 4)
		return out, err
	}
	if eph == nil {
		return out, nil
	}
	st.clear(1, 2, 3, 4)
	st.ready = true
	return g.emit(out, eph), nil
}

// clockPage emits the health and NeQuick parameters of page type 1.
func (g *GalFNav) clockPage(out []navdata.Record, f *navbits.Frame) []navdata.Record {
	r := newReader(f)
	t := f.XmitTime()
	hs := r.u(153, 2)
	dvs := r.u(187, 1)
	iono := &navdata.Iono{
		Header: header(f, f.Xmit(), t, navdata.EndOfTime, t),
		Model:  navdata.IonoNeQuick,
		Ai:     [3]float64{r.uf(102, 11, -2), r.sf(113, 11, -8), r.sf(124, 14, -15)},
		Storm: navdata.StormFlags{
			Region1: r.flag(138),
			Region2: r.flag(139),
			Region3: r.flag(140),
			Region4: r.flag(141),
			Region5: r.flag(142),
		},
	}
	if r.err != nil {
		return out
	}
	out = g.emit(out, &navdata.Health{
		Header:  header(f, f.Xmit(), t, navdata.EndOfTime, t),
		Bits:    uint32(hs<<1 | dvs),
		NumBits: 3,
		Healthy: hs == 0 && dvs == 0,
	})
	return g.emit(out, iono)
}

// timePage emits the GST-UTC and GST-GPS offsets of page type 4.
func (g *GalFNav) timePage(out []navdata.Record, f *navbits.Frame) []navdata.Record {
	r := newReader(f)
	xmitWeek, _ := gnsstime.WeekSecond(gnss.SysGAL, f.XmitTime())
	tot := float64(r.u(112, 8)) * 3600
	wnot := gnsstime.FullWeek(r.ui(120, 8), 8, xmitWeek)
	t0g := float64(r.u(147, 8)) * 3600
	wn0g := gnsstime.FullWeek(r.ui(183, 6), 6, xmitWeek)
	utc := &navdata.TimeOffset{
		Header:    header(f, f.Xmit(), f.XmitTime(), navdata.EndOfTime, gnsstime.Galileo(wnot, tot)),
		From:      gnss.TimeGAL,
		To:        gnss.TimeUTC,
		A0:        r.sf(48, 32, -30),
		A1:        r.sf(80, 24, -50),
		RefWeek:   wnot,
		RefSOW:    tot,
		HasLeap:   true,
		DeltaTLS:  r.si(104, 8),
		WNLSF:     gnsstime.FullWeek(r.ui(128, 8), 8, xmitWeek),
		DN:        r.ui(136, 3),
		DeltaTLSF: r.si(139, 8),
	}
	ggto := &navdata.TimeOffset{
		Header:  header(f, f.Xmit(), f.XmitTime(), navdata.EndOfTime, gnsstime.Galileo(wn0g, t0g)),
		From:    gnss.TimeGAL,
		To:      gnss.TimeGPS,
		A0:      r.sf(155, 16, -35),
		A1:      r.sf(171, 12, -51),
		RefWeek: wn0g,
		RefSOW:  t0g,
	}
	if r.err != nil {
		return out
	}
	out = g.emit(out, utc)
	return g.emit(out, ggto)
}

// ephemeris decodes page types 1-4 once all four carry the same IODnav.
func (g *GalFNav) ephemeris(st *pageSet) (*navdata.Ephemeris, error) {
	if !st.has(1, 2, 3, 4) {
		return nil, nil
	}
	p1, p2, p3, p4 := newReader(st.pages[1]), newReader(st.pages[2]), newReader(st.pages[3]), newReader(st.pages[4])
	iod1 := p1.ui(12, 10)
	iod2 := p2.ui(6, 10)
	iod3 := p3.ui(6, 10)
	iod4 := p4.ui(6, 10)
	readers := []*fieldReader{p1, p2, p3, p4}
	for _, r := range readers {
		if r.err != nil {
			return nil, r.err
		}
	}
	xmit := st.pages[1].Xmit()
	if iod1 != iod2 || iod1 != iod3 || iod1 != iod4 {
		return nil, fmt.Errorf("%w: %s IODnav %d/%d/%d/%d", ErrInconsistent, xmit, iod1, iod2, iod3, iod4)
	}

	toe := float64(p3.u(160, 14)) * 60
	toeWeek := gnsstime.AdjustWeek(p3.ui(174, 12), toe, float64(p3.u(186, 20)))
	toc := float64(p1.u(22, 14)) * 60
	tocWeek := gnsstime.AdjustWeek(p1.ui(155, 12), toc, float64(p1.u(167, 20)))
	ref := gnsstime.Galileo(toeWeek, toe)
	start := earliest(st.pages[1], st.pages[2], st.pages[3], st.pages[4])
	hs := p1.ui(153, 2)
	dvs := p1.ui(187, 1)

	eph := &navdata.Ephemeris{
		Orbit: navdata.Kepler{
			M0:       p2.sf(16, 32, -31) * semicircle,
			OmegaDot: p2.sf(48, 24, -43) * semicircle,
			Ecc:      p2.uf(72, 32, -33),
			SqrtA:    p2.uf(104, 32, -19),
			Omega0:   p2.sf(136, 32, -31) * semicircle,
			IDot:     p2.sf(168, 14, -43) * semicircle,
			I0:       p3.sf(16, 32, -31) * semicircle,
			Omega:    p3.sf(48, 32, -31) * semicircle,
			DeltaN:   p3.sf(80, 16, -43) * semicircle,
			Cuc:      p3.sf(96, 16, -29),
			Cus:      p3.sf(112, 16, -29),
			Crc:      p3.sf(128, 16, -5),
			Crs:      p3.sf(144, 16, -5),
			Cic:      p4.sf(16, 16, -29),
			Cis:      p4.sf(32, 16, -29),
		},
		Clock: navdata.Clock{
			Toc: gnsstime.Galileo(tocWeek, toc),
			Af0: p1.sf(36, 31, -34),
			Af1: p1.sf(67, 21, -46),
			Af2: p1.sf(88, 6, -59),
		},
		Week:     toeWeek,
		ToeSOW:   toe,
		IODE:     iod1,
		IODC:     iod1,
		URA:      p1.ui(94, 8),
		Health:   hs<<1 | dvs,
		Healthy:  hs == 0 && dvs == 0,
		TGD:      [2]float64{p1.sf(143, 10, -32), 0},
		FitBegin: start,
		FitEnd:   start.Add(galFitSpan),
	}
	for _, r := range readers {
		if r.err != nil {
			return nil, r.err
		}
	}
	eph.Header = header(st.pages[1], xmit, start, eph.FitEnd, ref)
	return eph, nil
}

// galAlmanacFields holds one almanac slot before the reference week is
// applied.
type galAlmanacFields struct {
	svid   int
	orbit  navdata.Kepler
	af0    float64
	af1    float64
	health int
}

// almanacPages decodes the almanac split over page types 5 and 6. Page 5
// carries SV1 and most of SV2; page 6 the rest of SV2 and SV3. SV1 is
// emitted as soon as page 5 arrives. SV2 and SV3 need a pair sharing IODa
// with page 6 broadcast no more than 50 s after page 5, in either arrival
// order.
func (g *GalFNav) almanacPages(st *pageSet, pt int) ([]navdata.Record, error) {
	f5 := st.pages[5]
	if f5 == nil {
		return nil, nil
	}
	r5 := newReader(f5)
	ioda := r5.ui(6, 4)
	xmitWeek, _ := gnsstime.WeekSecond(gnss.SysGAL, f5.XmitTime())
	week := gnsstime.FullWeek(r5.ui(10, 2), 2, xmitWeek)
	t0a := float64(r5.u(12, 10)) * 600

	var slots []galAlmanacFields
	if pt == 5 {
		slots = append(slots, galAlmanacSlot(r5, 22))
	}
	if f6 := st.pages[6]; f6 != nil {
		r6 := newReader(f6)
		gap := f6.XmitTime().Sub(f5.XmitTime())
		if r6.ui(6, 4) == ioda && gap > 0 && gap <= galAlmanacPairing {
			sv2 := galAlmanacFields{
				svid: r5.ui(153, 6),
				orbit: navdata.Kepler{
					SqrtA:    r5.sf(159, 13, -9) + galSqrtARef,
					Ecc:      r5.uf(172, 11, -16),
					Omega:    r5.sf(183, 16, -15) * semicircle,
					I0:       (galI0Ref + r5.sf(199, 11, -14)) * semicircle,
					Omega0:   float64(joinS(r5.s(210, 4), r6.u(10, 12), 12)) * pow2(-15) * semicircle,
					OmegaDot: r6.sf(22, 11, -33) * semicircle,
					M0:       r6.sf(33, 16, -15) * semicircle,
				},
				af0:    r6.sf(49, 16, -19),
				af1:    r6.sf(65, 13, -38),
				health: r6.ui(78, 2),
			}
			slots = append(slots, sv2, galAlmanacSlot(r6, 80))
			if r6.err != nil {
				return nil, r6.err
			}
			st.clear(5, 6)
		}
	}
	if r5.err != nil {
		return nil, r5.err
	}

	ref := gnsstime.Galileo(week, t0a)
	t := f5.XmitTime()
	end := ref.Add(navdata.AlmanacValidity)
	if !end.After(t) {
		end = t.Add(navdata.AlmanacValidity)
	}
	var out []navdata.Record
	for _, s := range slots {
		if s.svid == 0 {
			g.dropDefault(f5.Xmit(), s.svid)
			continue
		}
		out = g.emit(out, &navdata.Almanac{
			Header:      header(f5, gnss.SatID{Sys: gnss.SysGAL, PRN: s.svid}, t, end, ref),
			Orbit:       s.orbit,
			Af0:         s.af0,
			Af1:         s.af1,
			Week:        week,
			ToaSOW:      t0a,
			Health:      s.health,
			HealthKnown: true,
			Healthy:     s.health == 0,
		})
	}
	return out, nil
}

// galAlmanacSlot decodes a complete almanac slot starting at bit off.
func galAlmanacSlot(r *fieldReader, off int) galAlmanacFields {
	return galAlmanacFields{
		svid: r.ui(off, 6),
		orbit: navdata.Kepler{
			SqrtA:    r.sf(off+6, 13, -9) + galSqrtARef,
			Ecc:      r.uf(off+19, 11, -16),
			Omega:    r.sf(off+30, 16, -15) * semicircle,
			I0:       (galI0Ref + r.sf(off+46, 11, -14)) * semicircle,
			Omega0:   r.sf(off+57, 16, -15) * semicircle,
			OmegaDot: r.sf(off+73, 11, -33) * semicircle,
			M0:       r.sf(off+84, 16, -15) * semicircle,
		},
		af0:    r.sf(off+100, 16, -19),
		af1:    r.sf(off+116, 13, -38),
		health: r.ui(off+129, 2),
	}
}

func (g *GalFNav) ResetState() {
	g.sats = make(map[gnss.SatID]*pageSet)
}

func (g *GalFNav) State(xmit gnss.SatID) AccumState {
	return g.sats[xmit].state()
}

func (g *GalFNav) DumpState(w io.Writer) error {
	return dumpPages(w, g.nav, g.sats, nil)
}
