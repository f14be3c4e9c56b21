// Package gnsstime converts between system week/second-of-week pairs and the
// continuous time scale used by the pipeline.
//
// All times are GPS system time carried in a time.Time with the UTC location.
// No leap seconds are applied: a time.Time here is a label on the GPS time
// scale, not a civil UTC instant. Galileo system time is aligned with GPS
// time; BeiDou time lags GPS time by 14 s.
package gnsstime

import (
	"math"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
)

// SecondsPerWeek is the length of a GNSS week.
const SecondsPerWeek = 604800

// Week is the duration of one GNSS week.
const Week = SecondsPerWeek * time.Second

// GPSEpoch is the start of GPS week 0.
var GPSEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

const (
	galWeekOffset = 1024 // GST week 0 starts at GPS week 1024
	bdsWeekOffset = 1356 // BDT week 0 starts at GPS week 1356
	bdsSecOffset  = 14   // GPST - BDT
)

// LeapSeconds is GPST - UTC, unchanged since 2017-01-01.
const LeapSeconds = 18

// FromUTC labels a civil UTC instant on the GPS time scale.
func FromUTC(t time.Time) time.Time {
	return t.UTC().Add(LeapSeconds * time.Second)
}

// Now returns the current GPS time.
func Now() time.Time {
	return FromUTC(time.Now())
}

// Seconds converts fractional seconds into a duration rounded to the nanosecond.
func Seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * 1e9))
}

// GPS returns the time for a GPS week and second of week.
func GPS(week int, sow float64) time.Time {
	return GPSEpoch.Add(time.Duration(week) * Week).Add(Seconds(sow))
}

// Galileo returns the time for a Galileo (GST) week and second of week.
func Galileo(week int, sow float64) time.Time {
	return GPS(week+galWeekOffset, sow)
}

// BeiDou returns the time for a BeiDou (BDT) week and second of week.
func BeiDou(week int, sow float64) time.Time {
	return GPS(week+bdsWeekOffset, sow+bdsSecOffset)
}

// FromWeekSecond dispatches on the satellite system. GPS and QZSS share a scale.
func FromWeekSecond(sys gnss.System, week int, sow float64) time.Time {
	switch sys {
	case gnss.SysGAL:
		return Galileo(week, sow)
	case gnss.SysBDS:
		return BeiDou(week, sow)
	}
	return GPS(week, sow)
}

// GPSWeekSecond returns the GPS week and second of week of t.
func GPSWeekSecond(t time.Time) (int, float64) {
	d := t.Sub(GPSEpoch)
	week := int(math.Floor(d.Seconds() / SecondsPerWeek))
	sow := d - time.Duration(week)*Week
	return week, sow.Seconds()
}

// WeekSecond returns the week and second of week of t in the time scale of sys.
func WeekSecond(sys gnss.System, t time.Time) (int, float64) {
	switch sys {
	case gnss.SysGAL:
		w, s := GPSWeekSecond(t)
		return w - galWeekOffset, s
	case gnss.SysBDS:
		w, s := GPSWeekSecond(t.Add(-bdsSecOffset * time.Second))
		return w - bdsWeekOffset, s
	}
	return GPSWeekSecond(t)
}

// FullWeek resolves a week number truncated to bits bits to the full week
// closest to ref.
func FullWeek(truncated, bits, ref int) int {
	span := 1 << bits
	mask := span - 1
	w := ref&^mask | truncated&mask
	switch {
	case w-ref > span/2:
		w -= span
	case ref-w > span/2:
		w += span
	}
	return w
}

// AdjustWeek moves week by one when sow and refSOW (both in that week) are
// more than half a week apart, e.g. a toe broadcast just before rollover.
func AdjustWeek(week int, sow, refSOW float64) int {
	switch {
	case sow-refSOW > SecondsPerWeek/2:
		return week - 1
	case refSOW-sow > SecondsPerWeek/2:
		return week + 1
	}
	return week
}
