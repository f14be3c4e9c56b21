package navfactory

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navbits"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

// BeiDou D1/D2 subframes are ten 30-bit words. Word 1 carries 26 information
// bits and every later word 22, the rest is parity. Decoders work on the
// 224-bit information stream.
const (
	bdsInfoBits      = 224
	bdsWord1InfoBits = 26
	bdsWordInfoBits  = 22
	bdsWordBits      = 30

	bdsAlmPayloadStart = 46
	bdsAlmPayloadEnd   = 222
	bdsHealthBits      = 9

	// Expanded almanac identifiers select which PRN block pages carry.
	amEpochExpanded = 3
)

// bdsInfo strips parity from a raw subframe.
func bdsInfo(f *navbits.Frame) (*navbits.Frame, error) {
	info := navbits.NewSized(f.Sat(), f.Xmit(), f.Signal(), f.XmitTime(), bdsInfoBits)
	v, err := f.Unsigned(0, bdsWord1InfoBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := info.AddBits(int64(v), bdsWord1InfoBits, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	for w := 1; w < 10; w++ {
		v, err := f.Unsigned(w*bdsWordBits, bdsWordInfoBits)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		if err := info.AddBits(int64(v), bdsWordInfoBits, 1); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
	}
	if err := info.Trim(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return info, nil
}

// bdsSubframe reads the subframe id and seconds of week common to D1 and D2.
func bdsSubframe(r *fieldReader) (fraID int, sow float64) {
	return r.ui(15, 3), float64(r.u(18, 20))
}

// amEpoch is the almanac epoch window announced by a transmitter for the
// current superframe.
type amEpoch struct {
	id         int
	start, end time.Time
}

func (a amEpoch) expanded(t time.Time) bool {
	return a.id == amEpochExpanded && !t.Before(a.start) && t.Before(a.end)
}

// bdsAlmanacs decodes the almanac, health and time pages shared by D1 and D2.
type bdsAlmanacs struct {
	*base
	superframe time.Duration
	alm        almPending

	// latest health word per subject
	health map[gnss.SatID]uint32
	// almanac epoch per transmitter
	epochs map[gnss.SatID]amEpoch
	// stashed expanded almanac pages per transmitter, by page offset
	expanded map[gnss.SatID]map[int]*navbits.Frame
}

func newBDSAlmanacs(b *base, superframe time.Duration) bdsAlmanacs {
	return bdsAlmanacs{
		base:       b,
		superframe: superframe,
		alm:        newAlmPending(gnss.SysBDS),
		health:     make(map[gnss.SatID]uint32),
		epochs:     make(map[gnss.SatID]amEpoch),
		expanded:   make(map[gnss.SatID]map[int]*navbits.Frame),
	}
}

func (b *bdsAlmanacs) reset() {
	b.alm.reset()
	b.health = make(map[gnss.SatID]uint32)
	b.epochs = make(map[gnss.SatID]amEpoch)
	b.expanded = make(map[gnss.SatID]map[int]*navbits.Frame)
}

func bdsSat(prn int) gnss.SatID { return gnss.SatID{Sys: gnss.SysBDS, PRN: prn} }

// noteEpoch records the AmEpID of an almanac-layout page for the superframe
// the page belongs to.
func (b *bdsAlmanacs) noteEpoch(info *navbits.Frame, sow float64) {
	r := newReader(info)
	id := r.ui(222, 2)
	if r.err != nil {
		return
	}
	into := gnsstime.Seconds(float64(int64(sow) % int64(b.superframe/time.Second)))
	start := info.XmitTime().Add(-into)
	b.epochs[info.Xmit()] = amEpoch{id: id, start: start, end: start.Add(b.superframe)}
}

// almanacPage decodes a regular almanac page for prn.
func (b *bdsAlmanacs) almanacPage(out []navdata.Record, info *navbits.Frame, prn int, sow float64) ([]navdata.Record, error) {
	b.noteEpoch(info, sow)
	return b.decodeAlmanac(out, info, prn)
}

func (b *bdsAlmanacs) decodeAlmanac(out []navdata.Record, info *navbits.Frame, prn int) ([]navdata.Record, error) {
	zero, err := info.AllZero(bdsAlmPayloadStart, bdsAlmPayloadEnd)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if zero {
		b.dropDefault(info.Xmit(), prn)
		return out, nil
	}

	sat := bdsSat(prn)
	r := newReader(info)
	di := r.sf(133, 16, -19)
	if !sat.IsBeiDouGEO() {
		di += 0.30
	}
	alm := &navdata.Almanac{
		Orbit: navdata.Kepler{
			SqrtA:    r.uf(46, 24, -11),
			Omega0:   r.sf(92, 24, -23) * semicircle,
			Ecc:      r.uf(116, 17, -21),
			I0:       di * semicircle,
			OmegaDot: r.sf(157, 17, -38) * semicircle,
			Omega:    r.sf(174, 24, -23) * semicircle,
			M0:       r.sf(198, 24, -23) * semicircle,
		},
		Af0:    r.sf(81, 11, -20),
		Af1:    r.sf(70, 11, -38),
		ToaSOW: float64(r.u(149, 8)) * 4096,
	}
	if r.err != nil {
		return out, r.err
	}
	t := info.XmitTime()
	alm.Header = header(info, sat, t, navdata.EndOfTime, t)
	if b.alm.add(alm) {
		out = b.emit(out, b.mergeHealth(alm))
	}
	return out, nil
}

// mergeHealth copies the latest known health for the subject into alm. The
// health may be from an older superframe than the almanac.
func (b *bdsAlmanacs) mergeHealth(alm *navdata.Almanac) *navdata.Almanac {
	if h, ok := b.health[alm.Sat]; ok {
		alm.Health = int(h)
		alm.HealthKnown = true
		alm.Healthy = h == 0
	}
	return alm
}

// healthPage decodes count consecutive 9-bit health words from bit 46 for
// PRNs starting at first.
func (b *bdsAlmanacs) healthPage(out []navdata.Record, info *navbits.Frame, first, count int) ([]navdata.Record, error) {
	r := newReader(info)
	t := info.XmitTime()
	for i := 0; i < count; i++ {
		bits := r.u(bdsAlmPayloadStart+i*bdsHealthBits, bdsHealthBits)
		if r.err != nil {
			return out, r.err
		}
		sat := bdsSat(first + i)
		b.health[sat] = uint32(bits)
		out = b.emit(out, &navdata.Health{
			Header:  header(info, sat, t, navdata.EndOfTime, t),
			Bits:    uint32(bits),
			NumBits: bdsHealthBits,
			Healthy: bits == 0,
		})
	}
	return out, nil
}

// weekPage handles the page carrying WNa and toa, completing parked almanacs.
func (b *bdsAlmanacs) weekPage(out []navdata.Record, info *navbits.Frame) ([]navdata.Record, error) {
	r := newReader(info)
	wna := r.ui(145, 8)
	toa := float64(r.u(153, 8)) * 4096
	if r.err != nil {
		return out, r.err
	}
	xmitWeek, _ := gnsstime.WeekSecond(gnss.SysBDS, info.XmitTime())
	for _, alm := range b.alm.setWeek(info.Xmit(), gnsstime.FullWeek(wna, 8, xmitWeek), toa) {
		out = b.emit(out, b.mergeHealth(alm))
	}
	return out, nil
}

// offsetsPage decodes the BDT to GPS, Galileo and GLONASS offsets. The
// polynomials are in BDT seconds of week, so they reference the start of the
// broadcast week.
func (b *bdsAlmanacs) offsetsPage(out []navdata.Record, info *navbits.Frame) ([]navdata.Record, error) {
	r := newReader(info)
	const unit = 0.1e-9
	type offset struct {
		to     gnss.TimeSystem
		a0, a1 float64
	}
	offsets := []offset{
		{gnss.TimeGPS, float64(r.s(55, 14)) * unit, float64(r.s(69, 16)) * unit},
		{gnss.TimeGAL, float64(r.s(85, 14)) * unit, float64(r.s(99, 16)) * unit},
		{gnss.TimeGLO, float64(r.s(115, 14)) * unit, float64(r.s(129, 16)) * unit},
	}
	if r.err != nil {
		return out, r.err
	}
	week, _ := gnsstime.WeekSecond(gnss.SysBDS, info.XmitTime())
	ref := gnsstime.BeiDou(week, 0)
	for _, o := range offsets {
		out = b.emit(out, &navdata.TimeOffset{
			Header:  header(info, info.Xmit(), info.XmitTime(), navdata.EndOfTime, ref),
			From:    gnss.TimeBDT,
			To:      o.to,
			A0:      o.a0,
			A1:      o.a1,
			RefWeek: week,
		})
	}
	return out, nil
}

// utcPage decodes the BDT to UTC offset and leap second parameters.
func (b *bdsAlmanacs) utcPage(out []navdata.Record, info *navbits.Frame) ([]navdata.Record, error) {
	r := newReader(info)
	week, _ := gnsstime.WeekSecond(gnss.SysBDS, info.XmitTime())
	to := &navdata.TimeOffset{
		Header:    header(info, info.Xmit(), info.XmitTime(), navdata.EndOfTime, gnsstime.BeiDou(week, 0)),
		From:      gnss.TimeBDT,
		To:        gnss.TimeUTC,
		DeltaTLS:  r.si(46, 8),
		DeltaTLSF: r.si(54, 8),
		WNLSF:     gnsstime.FullWeek(r.ui(62, 8), 8, week),
		A0:        r.sf(70, 32, -30),
		A1:        r.sf(102, 24, -50),
		DN:        r.ui(126, 8),
		RefWeek:   week,
		HasLeap:   true,
	}
	if r.err != nil {
		return out, r.err
	}
	return b.emit(out, to), nil
}

// stashExpanded keeps an expanded almanac page until the identifying health
// page of the same superframe arrives. Pages outside an expanded epoch are
// ignored.
func (b *bdsAlmanacs) stashExpanded(info *navbits.Frame, idx int, sow float64) {
	b.noteEpoch(info, sow)
	xmit := info.Xmit()
	if !b.epochs[xmit].expanded(info.XmitTime()) {
		return
	}
	pages := b.expanded[xmit]
	if pages == nil {
		pages = make(map[int]*navbits.Frame)
		b.expanded[xmit] = pages
	}
	pages[idx] = info
}

// expandedBase maps AmID to the first PRN and page count of its block.
func expandedBase(amID int) (first, count int) {
	switch amID {
	case 1:
		return 31, 13
	case 2:
		return 44, 13
	case 3:
		return 57, 7
	}
	return 0, 0
}

// expandedHealthPage decodes the expanded health page and the stashed
// expanded almanac pages of the same superframe.
func (b *bdsAlmanacs) expandedHealthPage(out []navdata.Record, info *navbits.Frame) ([]navdata.Record, error) {
	xmit := info.Xmit()
	ep := b.epochs[xmit]
	pages := b.expanded[xmit]
	delete(b.expanded, xmit)
	if !ep.expanded(info.XmitTime()) {
		return out, nil
	}
	r := newReader(info)
	amID := r.ui(163, 2)
	if r.err != nil {
		return out, r.err
	}
	first, count := expandedBase(amID)
	if count == 0 {
		return out, nil
	}
	out, err := b.healthPage(out, info, first, count)
	if err != nil {
		return out, err
	}

	idx := make([]int, 0, len(pages))
	for i := range pages {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		page := pages[i]
		if i >= count || page.XmitTime().Before(ep.start) || !page.XmitTime().Before(ep.end) {
			continue
		}
		if out, err = b.decodeAlmanac(out, page, first+i); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (b *bdsAlmanacs) parked(xmit gnss.SatID) int {
	return b.alm.parked(xmit) + len(b.expanded[xmit])
}

func (b *bdsAlmanacs) dump(w io.Writer) error {
	ids := make([]gnss.SatID, 0, len(b.epochs))
	for id := range b.epochs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	for _, id := range ids {
		ep := b.epochs[id]
		if _, err := fmt.Fprintf(w, "  almanac epoch xmit=%s amEpID=%d window=[%s, %s) stashed=%d\n",
			id, ep.id, ep.start.Format(time.RFC3339), ep.end.Format(time.RFC3339), len(b.expanded[id])); err != nil {
			return err
		}
	}
	return b.alm.dump(w)
}

// bdsWeek resolves the ephemeris reference week from the broadcast week and
// the subframe seconds of week.
func bdsWeek(wn int, toe, sow float64) int {
	return gnsstime.AdjustWeek(wn, toe, sow)
}

// bdsFit returns the fit end of an ephemeris broadcast from start with
// reference epoch ref.
func bdsFit(start, ref time.Time) time.Time {
	end := ref.Add(time.Hour)
	if !end.After(start) {
		end = start.Add(time.Hour)
	}
	return end
}
