// Package navstore indexes decoded navigation records by satellite, kind and
// time.
//
// Store is not safe for concurrent use; Shared wraps it with a RWMutex for the
// service. Tabular holds externally supplied orbit points and interpolates
// between them.
package navstore

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/exp/maps"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

// ErrNotFound is returned when no stored record is valid at the query time.
var ErrNotFound = errors.New("no record found")

type key struct {
	sat  gnss.SatID
	kind navdata.Kind
}

type entry struct {
	rec navdata.Record
	hdr navdata.Header
	seq uint64
}

// Store holds records per (subject satellite, kind), each list ordered by
// validity start. Records of every standard share a list; FindNav narrows to
// one.
type Store struct {
	index map[key][]entry
	count map[navdata.Kind]int
	seq   uint64

	offsetFilter TimeOffsetFilter
	filtered     int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		index: make(map[key][]entry),
		count: make(map[navdata.Kind]int),
	}
}

// SetTimeOffsetFilter sets the duplicate filter for time offset records.
// The default, TimeOffsetNoFilt, keeps everything.
func (s *Store) SetTimeOffsetFilter(f TimeOffsetFilter) {
	s.offsetFilter = f
}

// Insert adds rec and reports whether it was stored. Duplicates are kept and
// resolved by insertion order, except time offsets rejected by the time
// offset filter.
func (s *Store) Insert(rec navdata.Record) bool {
	if to, ok := rec.(*navdata.TimeOffset); ok && s.duplicateOffset(to) {
		s.filtered++
		return false
	}
	h := rec.Meta()
	k := key{sat: h.Sat, kind: rec.Kind()}
	list := s.index[k]
	i := sort.Search(len(list), func(i int) bool { return list[i].hdr.Start.After(h.Start) })
	s.seq++
	list = append(list, entry{})
	copy(list[i+1:], list[i:])
	list[i] = entry{rec: rec, hdr: h, seq: s.seq}
	s.index[k] = list
	s.count[k.kind]++
	return true
}

// Find returns the record of kind for sat valid at t, from any standard.
func (s *Store) Find(kind navdata.Kind, sat gnss.SatID, t time.Time) (navdata.Record, error) {
	return s.find(kind, sat, t, nil)
}

// FindNav is Find restricted to records decoded from nav.
func (s *Store) FindNav(kind navdata.Kind, sat gnss.SatID, nav gnss.NavType, t time.Time) (navdata.Record, error) {
	return s.find(kind, sat, t, func(h navdata.Header) bool { return h.Signal.Nav == nav })
}

func (s *Store) find(kind navdata.Kind, sat gnss.SatID, t time.Time, match func(navdata.Header) bool) (navdata.Record, error) {
	list := s.index[key{sat: sat, kind: kind}]
	n := sort.Search(len(list), func(i int) bool { return list[i].hdr.Start.After(t) })
	var best *entry
	for i := 0; i < n; i++ {
		e := &list[i]
		if !e.hdr.Contains(t) || (match != nil && !match(e.hdr)) {
			continue
		}
		if best == nil || better(e, best, t) {
			best = e
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s for %s at %s", ErrNotFound, kind, sat, t.Format(time.RFC3339))
	}
	return best.rec, nil
}

// better reports whether a beats b at t. A reference time at or before t
// beats one that is not; among those the latest reference wins, then the
// latest start, then the latest insertion.
func better(a, b *entry, t time.Time) bool {
	aRef := !a.hdr.Ref.IsZero() && !a.hdr.Ref.After(t)
	bRef := !b.hdr.Ref.IsZero() && !b.hdr.Ref.After(t)
	if aRef != bRef {
		return aRef
	}
	if aRef && !a.hdr.Ref.Equal(b.hdr.Ref) {
		return a.hdr.Ref.After(b.hdr.Ref)
	}
	if !a.hdr.Start.Equal(b.hdr.Start) {
		return a.hdr.Start.After(b.hdr.Start)
	}
	return a.seq > b.seq
}

// FindTimeOffset returns the from→to offset valid at t, whichever satellite
// broadcast it.
func (s *Store) FindTimeOffset(from, to gnss.TimeSystem, t time.Time) (*navdata.TimeOffset, error) {
	var best *entry
	for k, list := range s.index {
		if k.kind != navdata.KindTimeOffset {
			continue
		}
		for i := range list {
			e := &list[i]
			if e.hdr.Start.After(t) {
				break
			}
			off := e.rec.(*navdata.TimeOffset)
			if off.From != from || off.To != to || !e.hdr.Contains(t) {
				continue
			}
			if best == nil || better(e, best, t) {
				best = e
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s-%s offset at %s", ErrNotFound, from, to, t.Format(time.RFC3339))
	}
	return best.rec.(*navdata.TimeOffset), nil
}

// ComputeState evaluates the ephemeris selected for sat at t. Under
// FitLenient a satellite with no ephemeris valid at t falls back to the one
// whose reference time is closest.
func (s *Store) ComputeState(sat gnss.SatID, t time.Time, fit navdata.FitPolicy) (navdata.Xvt, error) {
	rec, err := s.Find(navdata.KindEphemeris, sat, t)
	if err != nil {
		if fit != navdata.FitLenient {
			return navdata.Xvt{}, err
		}
		if rec = s.nearest(navdata.KindEphemeris, sat, t); rec == nil {
			return navdata.Xvt{}, err
		}
	}
	return rec.(*navdata.Ephemeris).ComputeState(t, fit)
}

func (s *Store) nearest(kind navdata.Kind, sat gnss.SatID, t time.Time) navdata.Record {
	list := s.index[key{sat: sat, kind: kind}]
	var best *entry
	bestDist := math.Inf(1)
	for i := range list {
		e := &list[i]
		d := math.Abs(t.Sub(e.hdr.Ref).Seconds())
		if best == nil || d < bestDist || (d == bestDist && e.seq > best.seq) {
			best = e
			bestDist = d
		}
	}
	if best == nil {
		return nil
	}
	return best.rec
}

// Edit removes every record whose validity lies entirely outside
// [start, end) and returns how many were removed.
func (s *Store) Edit(start, end time.Time) int {
	return s.prune(func(h navdata.Header) bool {
		return h.End.After(start) && h.Start.Before(end)
	})
}

// EditFrom removes every record whose validity ended at or before start.
func (s *Store) EditFrom(start time.Time) int {
	return s.prune(func(h navdata.Header) bool { return h.End.After(start) })
}

func (s *Store) prune(keep func(navdata.Header) bool) int {
	removed := 0
	for k, list := range s.index {
		kept := list[:0]
		for _, e := range list {
			if keep(e.hdr) {
				kept = append(kept, e)
			}
		}
		n := len(list) - len(kept)
		clear(list[len(kept):])
		removed += n
		s.count[k.kind] -= n
		if len(kept) == 0 {
			delete(s.index, k)
			continue
		}
		s.index[k] = kept
	}
	return removed
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	n := 0
	for _, c := range s.count {
		n += c
	}
	return n
}

// Count returns the number of stored records of kind.
func (s *Store) Count(kind navdata.Kind) int {
	return s.count[kind]
}

// Satellites lists the subjects holding records of kind, ordered by system
// and PRN.
func (s *Store) Satellites(kind navdata.Kind) []gnss.SatID {
	seen := make(map[gnss.SatID]struct{})
	for k := range s.index {
		if k.kind == kind {
			seen[k.sat] = struct{}{}
		}
	}
	sats := maps.Keys(seen)
	sort.Slice(sats, func(i, j int) bool { return sats[i].Less(sats[j]) })
	return sats
}

// Records returns the records of kind for sat ordered by validity start.
func (s *Store) Records(kind navdata.Kind, sat gnss.SatID) []navdata.Record {
	list := s.index[key{sat: sat, kind: kind}]
	out := make([]navdata.Record, len(list))
	for i, e := range list {
		out[i] = e.rec
	}
	return out
}

// Span returns the earliest and latest validity start held. ok is false for
// an empty store.
func (s *Store) Span() (first, last time.Time, ok bool) {
	for _, list := range s.index {
		if len(list) == 0 {
			continue
		}
		if !ok || list[0].hdr.Start.Before(first) {
			first = list[0].hdr.Start
		}
		if !ok || list[len(list)-1].hdr.Start.After(last) {
			last = list[len(list)-1].hdr.Start
		}
		ok = true
	}
	return first, last, ok
}

// Stats summarizes the store contents.
type Stats struct {
	Records    int            `json:"records"`
	ByKind     map[string]int `json:"by_kind"`
	Satellites int            `json:"satellites"`
	Filtered   int            `json:"time_offsets_filtered"`
	First      *time.Time     `json:"first,omitempty"`
	Last       *time.Time     `json:"last,omitempty"`
}

// Stats returns record counts per kind, the number of distinct subjects and
// the span.
func (s *Store) Stats() Stats {
	st := Stats{
		Records:  s.Len(),
		ByKind:   make(map[string]int, len(navdata.AllKinds)),
		Filtered: s.filtered,
	}
	for _, k := range navdata.AllKinds {
		st.ByKind[k.String()] = s.count[k]
	}
	sats := make(map[gnss.SatID]struct{})
	for k := range s.index {
		sats[k.sat] = struct{}{}
	}
	st.Satellites = len(sats)
	if first, last, ok := s.Span(); ok {
		st.First, st.Last = &first, &last
	}
	return st
}
