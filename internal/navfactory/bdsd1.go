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

// d1Issue keys subframes 1-3 by the SOW of subframe 1 of their frame.
var d1Issue = cycleKey(6)

// BDSD1 decodes BeiDou D1 subframes broadcast by MEO and IGSO satellites.
type BDSD1 struct {
	base
	sats map[gnss.SatID]*pageSet
	bds  bdsAlmanacs
}

// NewBDSD1 returns a BeiDou D1 factory.
func NewBDSD1(opts Options, logger *slog.Logger) *BDSD1 {
	d := &BDSD1{
		base: base{
			nav:     gnss.NavBeiDouD1,
			signals: []gnss.NavSignal{gnss.SigBDSD1B1I, gnss.SigBDSD1B2I, gnss.SigBDSD1B3I},
			opts:    opts,
			logger:  logger,
		},
		sats: make(map[gnss.SatID]*pageSet),
	}
	d.bds = newBDSAlmanacs(&d.base, 12*time.Minute)
	return d
}

func (d *BDSD1) AddData(f *navbits.Frame) ([]navdata.Record, error) {
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
	pnum := r.ui(39, 7)
	if r.err != nil {
		return nil, r.err
	}

	st := d.sats[f.Xmit()]
	if st == nil {
		st = newPageSet()
		d.sats[f.Xmit()] = st
	}
	st.ready = false

	var out []navdata.Record
	switch fraID {
	case 1, 2, 3:
		st.pages[fraID] = info
		if fraID == 1 {
			if out, err = d.clockPage(out, info); err != nil {
				return nil, err
			}
		}
		eph, err := d.ephemeris(st)
		if err != nil {
			st.dropStale(fraID, d1Issue, 1, 2, 3)
			return out, err
		}
		if eph == nil {
			return out, nil
		}
		st.clear(1, 2, 3)
		st.ready = true
		return d.emit(out, eph), nil
	case 4:
		if pnum < 1 || pnum > 24 {
			break
		}
		return d.bds.almanacPage(out, info, pnum, sow)
	case 5:
		switch {
		case pnum >= 1 && pnum <= 6:
			return d.bds.almanacPage(out, info, 24+pnum, sow)
		case pnum == 7:
			return d.bds.healthPage(out, info, 1, 19)
		case pnum == 8:
			if out, err = d.bds.healthPage(out, info, 20, 11); err != nil {
				return nil, err
			}
			return d.bds.weekPage(out, info)
		case pnum == 9:
			return d.bds.offsetsPage(out, info)
		case pnum == 10:
			return d.bds.utcPage(out, info)
		case pnum >= 11 && pnum <= 23:
			d.bds.stashExpanded(info, pnum-11, sow)
			return nil, nil
		case pnum == 24:
			return d.bds.expandedHealthPage(out, info)
		}
	}
	return nil, fmt.Errorf("%w: BDS D1 subframe %d page %d from %s", ErrUnknownPage, fraID, pnum, f.Xmit())
}

// clockPage emits the health and Klobuchar parameters of subframe 1.
func (d *BDSD1) clockPage(out []navdata.Record, info *navbits.Frame) ([]navdata.Record, error) {
	r := newReader(info)
	sath1 := r.u(38, 1)
	iono := &navdata.Iono{
		Model: navdata.IonoKlobuchar,
		Alpha: [4]float64{r.sf(98, 8, -30), r.sf(106, 8, -27), r.sf(114, 8, -24), r.sf(122, 8, -24)},
		Beta:  [4]float64{r.sf(130, 8, 11), r.sf(138, 8, 14), r.sf(146, 8, 16), r.sf(154, 8, 16)},
	}
	if r.err != nil {
		return out, r.err
	}
	t := info.XmitTime()
	iono.Header = header(info, info.Xmit(), t, navdata.EndOfTime, t)
	out = d.emit(out, &navdata.Health{
		Header:  header(info, info.Xmit(), t, navdata.EndOfTime, t),
		Bits:    uint32(sath1),
		NumBits: 1,
		Healthy: sath1 == 0,
	})
	return d.emit(out, iono), nil
}

// ephemeris decodes subframes 1-3 once all are present and consistent.
func (d *BDSD1) ephemeris(st *pageSet) (*navdata.Ephemeris, error) {
	if !st.has(1, 2, 3) {
		return nil, nil
	}
	sf1, sf2, sf3 := st.pages[1], st.pages[2], st.pages[3]
	r1, r2, r3 := newReader(sf1), newReader(sf2), newReader(sf3)
	_, sow1 := bdsSubframe(r1)
	_, sow2 := bdsSubframe(r2)
	_, sow3 := bdsSubframe(r3)
	toc := float64(r1.u(61, 17)) * 8
	toe := float64(joinU(r2.u(222, 2), r3.u(38, 15), 15)) * 8
	for _, r := range []*fieldReader{r1, r2, r3} {
		if r.err != nil {
			return nil, r.err
		}
	}
	if sow2 != sow1+6 || sow3 != sow2+6 || toc != toe {
		return nil, fmt.Errorf("%w: %s SOW %.0f/%.0f/%.0f toc %.0f toe %.0f",
			ErrInconsistent, sf1.Xmit(), sow1, sow2, sow3, toc, toe)
	}

	week := bdsWeek(r1.ui(48, 13), toe, sow1)
	ref := gnsstime.BeiDou(week, toe)
	start := earliest(sf1, sf2, sf3)
	sath1 := r1.ui(38, 1)

	eph := &navdata.Ephemeris{
		Orbit: navdata.Kepler{
			DeltaN:   r2.sf(38, 16, -43) * semicircle,
			Cuc:      r2.sf(54, 18, -31),
			M0:       r2.sf(72, 32, -31) * semicircle,
			Ecc:      r2.uf(104, 32, -33),
			Cus:      r2.sf(136, 18, -31),
			Crc:      r2.sf(154, 18, -6),
			Crs:      r2.sf(172, 18, -6),
			SqrtA:    r2.uf(190, 32, -19),
			I0:       r3.sf(53, 32, -31) * semicircle,
			Cic:      r3.sf(85, 18, -31),
			OmegaDot: r3.sf(103, 24, -43) * semicircle,
			Cis:      r3.sf(127, 18, -31),
			IDot:     r3.sf(145, 14, -43) * semicircle,
			Omega0:   r3.sf(159, 32, -31) * semicircle,
			Omega:    r3.sf(191, 32, -31) * semicircle,
		},
		Clock: navdata.Clock{
			Toc: ref,
			Af0: r1.sf(173, 24, -33),
			Af1: r1.sf(197, 22, -50),
			Af2: r1.sf(162, 11, -66),
		},
		Week:    week,
		ToeSOW:  toe,
		IODE:    r1.ui(219, 5),
		IODC:    r1.ui(39, 5),
		URA:     r1.ui(44, 4),
		Health:  sath1,
		Healthy: sath1 == 0,
		TGD: [2]float64{
			float64(r1.s(78, 10)) * 0.1e-9,
			float64(r1.s(88, 10)) * 0.1e-9,
		},
		FitBegin: start,
		FitEnd:   bdsFit(start, ref),
	}
	for _, r := range []*fieldReader{r1, r2, r3} {
		if r.err != nil {
			return nil, r.err
		}
	}
	eph.Header = header(sf1, sf1.Xmit(), start, eph.FitEnd, ref)
	return eph, nil
}

func (d *BDSD1) ResetState() {
	d.sats = make(map[gnss.SatID]*pageSet)
	d.bds.reset()
}

func (d *BDSD1) State(xmit gnss.SatID) AccumState {
	s := d.sats[xmit].state()
	if s == StateEmpty && d.bds.parked(xmit) > 0 {
		return StateAccumulating
	}
	return s
}

func (d *BDSD1) DumpState(w io.Writer) error {
	if err := dumpPages(w, d.nav, d.sats, nil); err != nil {
		return err
	}
	return d.bds.dump(w)
}
