package navstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jprillam8/gnsstk/internal/navdata"
)

// ErrUnknownFilter is returned by ParseTimeOffsetFilter for unknown names.
var ErrUnknownFilter = errors.New("unknown time offset filter")

// TimeOffsetFilter selects which repeated time offset broadcasts Insert
// keeps. Every transmitter repeats the same parameters many times a day.
type TimeOffsetFilter int

const (
	// TimeOffsetNoFilt stores every time offset record.
	TimeOffsetNoFilt TimeOffsetFilter = iota
	// TimeOffsetBySV drops a record identical to one already stored from the
	// same transmitter on any signal.
	TimeOffsetBySV
	// TimeOffsetBySignal drops a record identical to one already stored from
	// the same transmitter and signal.
	TimeOffsetBySignal
)

func (f TimeOffsetFilter) String() string {
	switch f {
	case TimeOffsetNoFilt:
		return "nofilt"
	case TimeOffsetBySV:
		return "bysv"
	case TimeOffsetBySignal:
		return "bysignal"
	}
	return fmt.Sprintf("TimeOffsetFilter(%d)", int(f))
}

// ParseTimeOffsetFilter accepts nofilt, bysv and bysignal in any case.
func ParseTimeOffsetFilter(s string) (TimeOffsetFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nofilt":
		return TimeOffsetNoFilt, nil
	case "bysv":
		return TimeOffsetBySV, nil
	case "bysignal":
		return TimeOffsetBySignal, nil
	}
	return TimeOffsetNoFilt, fmt.Errorf("%w: %q", ErrUnknownFilter, s)
}

// duplicateOffset reports whether the filter rejects to given what is stored.
func (s *Store) duplicateOffset(to *navdata.TimeOffset) bool {
	if s.offsetFilter == TimeOffsetNoFilt {
		return false
	}
	for _, e := range s.index[key{sat: to.Sat, kind: navdata.KindTimeOffset}] {
		old, ok := e.rec.(*navdata.TimeOffset)
		if !ok || old.Xmit != to.Xmit {
			continue
		}
		if s.offsetFilter == TimeOffsetBySignal && old.Signal != to.Signal {
			continue
		}
		if sameOffset(old, to) {
			return true
		}
	}
	return false
}

// sameOffset compares the broadcast parameters, ignoring transmit times.
func sameOffset(a, b *navdata.TimeOffset) bool {
	return a.From == b.From && a.To == b.To &&
		a.A0 == b.A0 && a.A1 == b.A1 && a.A2 == b.A2 &&
		a.RefWeek == b.RefWeek && a.RefSOW == b.RefSOW &&
		a.HasLeap == b.HasLeap && a.DeltaTLS == b.DeltaTLS &&
		a.WNLSF == b.WNLSF && a.DN == b.DN && a.DeltaTLSF == b.DeltaTLSF
}
