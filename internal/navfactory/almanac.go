package navfactory

import (
	"fmt"
	"io"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

type almKey struct {
	xmit, sat gnss.SatID
}

// almWeek is the latest almanac reference week seen from one transmitter.
type almWeek struct {
	week int
	toa  float64
}

// almPending holds almanacs whose reference week is not yet known. Almanac
// pages carry toa but not the week; the week arrives on a separate page from
// the same transmitter. An almanac completes when that page reports the same
// toa.
type almPending struct {
	sys     gnss.System
	pending map[almKey]*navdata.Almanac
	weeks   map[gnss.SatID]almWeek
}

func newAlmPending(sys gnss.System) almPending {
	return almPending{
		sys:     sys,
		pending: make(map[almKey]*navdata.Almanac),
		weeks:   make(map[gnss.SatID]almWeek),
	}
}

func (p *almPending) reset() {
	p.pending = make(map[almKey]*navdata.Almanac)
	p.weeks = make(map[gnss.SatID]almWeek)
}

// add completes alm immediately when the transmitter's week is known for its
// toa, otherwise parks it. A parked almanac for the same subject and
// transmitter is replaced.
func (p *almPending) add(alm *navdata.Almanac) bool {
	if w, ok := p.weeks[alm.Xmit]; ok && w.toa == alm.ToaSOW {
		p.finish(alm, w.week)
		return true
	}
	p.pending[almKey{xmit: alm.Xmit, sat: alm.Sat}] = alm
	return false
}

// setWeek records the week for toa and returns the parked almanacs from xmit
// that it completes, ordered by subject.
func (p *almPending) setWeek(xmit gnss.SatID, week int, toa float64) []*navdata.Almanac {
	p.weeks[xmit] = almWeek{week: week, toa: toa}
	var done []*navdata.Almanac
	for k, alm := range p.pending {
		if k.xmit != xmit || alm.ToaSOW != toa {
			continue
		}
		p.finish(alm, week)
		done = append(done, alm)
		delete(p.pending, k)
	}
	sort.Slice(done, func(i, j int) bool { return done[i].Sat.Less(done[j].Sat) })
	return done
}

// finish sets the reference epoch and validity. The almanac stays selectable
// until toa plus the validity span and never before it was broadcast.
func (p *almPending) finish(alm *navdata.Almanac, week int) {
	alm.Week = week
	alm.Ref = gnsstime.FromWeekSecond(p.sys, week, alm.ToaSOW)
	alm.End = alm.Ref.Add(navdata.AlmanacValidity)
	if !alm.End.After(alm.Start) {
		alm.End = alm.Start.Add(navdata.AlmanacValidity)
	}
}

func (p *almPending) parked(xmit gnss.SatID) int {
	n := 0
	for k := range p.pending {
		if k.xmit == xmit {
			n++
		}
	}
	return n
}

func (p *almPending) dump(w io.Writer) error {
	keys := maps.Keys(p.pending)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].xmit != keys[j].xmit {
			return keys[i].xmit.Less(keys[j].xmit)
		}
		return keys[i].sat.Less(keys[j].sat)
	})
	for _, k := range keys {
		alm := p.pending[k]
		if _, err := fmt.Fprintf(w, "  pending almanac xmit=%s sat=%s toa=%.0f\n", k.xmit, k.sat, alm.ToaSOW); err != nil {
			return err
		}
	}
	return nil
}
