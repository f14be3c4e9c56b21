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

// D2 subframe 1 pages forming an ephemeris. Page 2 carries the Klobuchar
// parameters and is decoded on its own.
var d2EphPages = []int{1, 3, 4, 5, 6, 7, 8, 9, 10}

var d2Issue = cycleKey(3)

// BDSD2 decodes BeiDou D2 subframes broadcast by GEO satellites.
type BDSD2 struct {
	base
	sats map[gnss.SatID]*pageSet
	bds  bdsAlmanacs
}

// NewBDSD2 returns a BeiDou D2 factory.
func NewBDSD2(opts Options, logger *slog.Logger) *BDSD2 {
	d := &BDSD2{
		base: base{
			nav:     gnss.NavBeiDouD2,
			signals: []gnss.NavSignal{gnss.SigBDSD2B1I, gnss.SigBDSD2B2I, gnss.SigBDSD2B3I},
			opts:    opts,
			logger:  logger,
		},
		sats: make(map[gnss.SatID]*pageSet),
	}
	d.bds = newBDSAlmanacs(&d.base, 6*time.Minute)
	return d
}

func (d *BDSD2) AddData(f *navbits.Frame) ([]navdata.Record, error) {
	if !d.accepts(f.Signal()) {
		return nil, nil
	}
	if err := d.checkFrame(f); err != nil {
		return nil, err
	}
	info, err := bdsInfo(f)
	if err != nil {
		return nil, err
	}
	r := newReader(info)
	fraID, sow := bdsSubframe(r)
	if r.err != nil {
		return nil, r.err
	}

	var out []navdata.Record
	switch fraID {
	case 1:
		pnum := r.ui(38, 4)
		if pnum < 1 || pnum > 10 {
			return nil, fmt.Errorf("%w: BDS D2 subframe 1 page %d from %s", ErrUnknownPage, pnum, f.Xmit())
		}
		if pnum == 2 {
			return d.ionoPage(nil, info)
		}
		st := d.sats[f.Xmit()]
		if st == nil {
			st = newPageSet()
			d.sats[f.Xmit()] = st
		}
		st.ready = false
		st.pages[pnum] = info
		if pnum == 1 {
			sath1 := r.u(42, 1)
			t := info.XmitTime()
			out = d.emit(out, &navdata.Health{
				Header:  header(info, info.Xmit(), t, navdata.EndOfTime, t),
				Bits:    uint32(sath1),
				NumBits: 1,
				Healthy: sath1 == 0,
			})
		}
		eph, err := d.ephemeris(st)
		if err != nil {
			st.dropStale(pnum, d2Issue, d2EphPages...)
			return out, err
		}
		if eph == nil {
			return out, nil
		}
		st.clear(d2EphPages...)
		st.ready = true
		return d.emit(out, eph), nil
	case 2, 3, 4:
		// integrity and differential corrections
		return nil, nil
	case 5:
		pnum := r.ui(39, 7)
		switch {
		case pnum >= 1 && pnum <= 34, pnum >= 61 && pnum <= 94, pnum >= 117 && pnum <= 120:
			return nil, nil
		case pnum == 35:
			return d.bds.healthPage(out, info, 1, 19)
		case pnum == 36:
			if out, err = d.bds.healthPage(out, info, 20, 11); err != nil {
				return nil, err
			}
			return d.bds.weekPage(out, info)
		case pnum >= 37 && pnum <= 60:
			return d.bds.almanacPage(out, info, pnum-36, sow)
		case pnum >= 95 && pnum <= 100:
			return d.bds.almanacPage(out, info, pnum-70, sow)
		case pnum == 101:
			return d.bds.offsetsPage(out, info)
		case pnum == 102:
			return d.bds.utcPage(out, info)
		case pnum >= 103 && pnum <= 115:
			d.bds.stashExpanded(info, pnum-103, sow)
			return nil, nil
		case pnum == 116:
			return d.bds.expandedHealthPage(out, info)
		}
		return nil, fmt.Errorf("%w: BDS D2 subframe 5 page %d from %s", ErrUnknownPage, pnum, f.Xmit())
	}
	return nil, fmt.Errorf("%w: BDS D2 subframe %d from %s", ErrUnknownPage, fraID, f.Xmit())
}

// ionoPage emits the Klobuchar parameters of subframe 1 page 2.
func (d *BDSD2) ionoPage(out []navdata.Record, info *navbits.Frame) ([]navdata.Record, error) {
	r := newReader(info)
	iono := &navdata.Iono{
		Model: navdata.IonoKlobuchar,
		Alpha: [4]float64{r.sf(42, 8, -30), r.sf(50, 8, -27), r.sf(58, 8, -24), r.sf(66, 8, -24)},
		Beta:  [4]float64{r.sf(74, 8, 11), r.sf(82, 8, 14), r.sf(90, 8, 16), r.sf(98, 8, 16)},
	}
	if r.err != nil {
		return out, r.err
	}
	t := info.XmitTime()
	iono.Header = header(info, info.Xmit(), t, navdata.EndOfTime, t)
	return d.emit(out, iono), nil
}

// ephemeris decodes subframe 1 pages 1 and 3-10 once all are present and
// consistent. Several fields straddle pages and are joined here.
func (d *BDSD2) ephemeris(st *pageSet) (*navdata.Ephemeris, error) {
	if !st.has(d2EphPages...) {
		return nil, nil
	}
	p := make(map[int]*fieldReader, len(d2EphPages))
	frames := make([]*navbits.Frame, 0, len(d2EphPages))
	for _, i := range d2EphPages {
		p[i] = newReader(st.pages[i])
		frames = append(frames, st.pages[i])
	}
	checkErr := func() error {
		for _, i := range d2EphPages {
			if p[i].err != nil {
				return p[i].err
			}
		}
		return nil
	}

	_, sow1 := bdsSubframe(p[1])
	for _, i := range d2EphPages[1:] {
		_, sow := bdsSubframe(p[i])
		if want := sow1 + 3*float64(i-1); sow != want {
			return nil, fmt.Errorf("%w: %s page %d SOW %.0f, want %.0f", ErrInconsistent, st.pages[1].Xmit(), i, sow, want)
		}
	}
	toc := float64(p[1].u(65, 17)) * 8
	toe := float64(p[7].u(68, 17)) * 8
	if err := checkErr(); err != nil {
		return nil, err
	}
	if toc != toe {
		return nil, fmt.Errorf("%w: %s toc %.0f toe %.0f", ErrInconsistent, st.pages[1].Xmit(), toc, toe)
	}

	week := bdsWeek(p[1].ui(52, 13), toe, sow1)
	ref := gnsstime.BeiDou(week, toe)
	start := earliest(frames...)
	sath1 := p[1].ui(42, 1)

	eph := &navdata.Ephemeris{
		Orbit: navdata.Kepler{
			DeltaN:   p[4].sf(76, 16, -43) * semicircle,
			Cuc:      float64(joinS(p[4].s(92, 14), p[5].u(42, 4), 4)) * pow2(-31),
			M0:       p[5].sf(46, 32, -31) * semicircle,
			Cus:      p[5].sf(78, 18, -31),
			Ecc:      float64(joinU(p[5].u(96, 10), p[6].u(42, 22), 22)) * pow2(-33),
			SqrtA:    p[6].uf(64, 32, -19),
			Cic:      float64(joinS(p[6].s(96, 10), p[7].u(42, 8), 8)) * pow2(-31),
			Cis:      p[7].sf(50, 18, -31),
			I0:       float64(joinS(p[7].s(85, 21), p[8].u(42, 11), 11)) * pow2(-31) * semicircle,
			Crc:      p[8].sf(53, 18, -6),
			Crs:      p[8].sf(71, 18, -6),
			OmegaDot: float64(joinS(p[8].s(89, 19), p[9].u(42, 5), 5)) * pow2(-43) * semicircle,
			Omega0:   p[9].sf(47, 32, -31) * semicircle,
			Omega:    float64(joinS(p[9].s(79, 27), p[10].u(42, 5), 5)) * pow2(-31) * semicircle,
			IDot:     p[10].sf(47, 14, -43) * semicircle,
		},
		Clock: navdata.Clock{
			Toc: ref,
			Af0: p[3].sf(80, 24, -33),
			Af1: float64(joinS(p[3].s(104, 4), p[4].u(42, 18), 18)) * pow2(-50),
			Af2: p[4].sf(60, 11, -66),
		},
		Week:    week,
		ToeSOW:  toe,
		IODE:    p[4].ui(71, 5),
		IODC:    p[1].ui(43, 5),
		URA:     p[1].ui(48, 4),
		Health:  sath1,
		Healthy: sath1 == 0,
		TGD: [2]float64{
			float64(p[1].s(82, 10)) * 0.1e-9,
			float64(p[1].s(92, 10)) * 0.1e-9,
		},
		FitBegin: start,
		FitEnd:   bdsFit(start, ref),
	}
	if err := checkErr(); err != nil {
		return nil, err
	}
	eph.Header = header(st.pages[1], st.pages[1].Xmit(), start, eph.FitEnd, ref)
	return eph, nil
}

func (d *BDSD2) ResetState() {
	d.sats = make(map[gnss.SatID]*pageSet)
	d.bds.reset()
}

func (d *BDSD2) State(xmit gnss.SatID) AccumState {
	s := d.sats[xmit].state()
	if s == StateEmpty && d.bds.parked(xmit) > 0 {
		return StateAccumulating
	}
	return s
}

func (d *BDSD2) DumpState(w io.Writer) error {
	if err := dumpPages(w, d.nav, d.sats, nil); err != nil {
		return err
	}
	return d.bds.dump(w)
}
