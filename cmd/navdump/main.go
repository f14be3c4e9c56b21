// Command navdump decodes a recorded frame file and prints what the store
// ended up holding.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navfactory"
	"github.com/jprillam8/gnsstk/internal/navstore"
	"github.com/jprillam8/gnsstk/internal/pipeline"
)

func main() {
	var (
		in       = flag.String("in", "-", "frame file, - for stdin")
		kinds    = flag.String("kinds", "all", "record kinds to emit")
		tofilt   = flag.String("tofilter", "nofilt", "repeated time offset filter: nofilt, bysv or bysignal")
		at       = flag.String("time", "", "evaluation time (RFC3339, GPS); default is the end of the data")
		xmit     = flag.String("xmit", "", "report the accumulation state of this transmitter, e.g. G07")
		state    = flag.Bool("state", false, "dump decoder accumulation state")
		tabulate = flag.String("tabulate", "", "compare broadcast states with a tabulated orbit for this satellite")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := navfactory.DefaultOptions()
	k, err := navfactory.ParseKinds(*kinds)
	if err != nil {
		fmt.Println("ERROR:", err)
		os.Exit(2)
	}
	opts.Kinds = k

	var r io.Reader = os.Stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			fmt.Println("ERROR opening frame file:", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	filter, err := navstore.ParseTimeOffsetFilter(*tofilt)
	if err != nil {
		fmt.Println("ERROR:", err)
		os.Exit(2)
	}
	base := navstore.New()
	base.SetTimeOffsetFilter(filter)
	store := navstore.NewShared(base)
	pipe := pipeline.New(navfactory.NewDefault(opts, logger), store, nil, nil, logger)

	stats, err := pipe.Run(context.Background(), r)
	if err != nil {
		fmt.Println("ERROR reading frames:", err)
		os.Exit(1)
	}
	fmt.Printf("Frames %s, records %s, faults %s\n",
		humanize.Comma(stats.Frames), humanize.Comma(stats.Records), humanize.Comma(stats.Faults))

	st := store.Stats()
	for _, kind := range navdata.AllKinds {
		fmt.Printf("  %-12s %s\n", kind.String(), humanize.Comma(int64(st.ByKind[kind.String()])))
	}
	fmt.Printf("  %-12s %d\n", "satellites", st.Satellites)
	if st.Filtered > 0 {
		fmt.Printf("  %-12s %s\n", "filtered TO", humanize.Comma(int64(st.Filtered)))
	}
	if st.First != nil {
		fmt.Printf("Span: %s .. %s\n", st.First.Format(time.RFC3339), st.Last.Format(time.RFC3339))
	}

	if *state {
		fmt.Println()
		if err := pipe.DumpState(os.Stdout); err != nil {
			fmt.Println("ERROR dumping state:", err)
		}
	}
	if *xmit != "" {
		sat, err := gnss.ParseSatID(*xmit)
		if err != nil {
			fmt.Println("ERROR:", err)
			os.Exit(2)
		}
		fmt.Printf("\n%s accumulation: %s\n", sat, pipe.State(sat))
	}

	t := time.Time{}
	switch {
	case *at != "":
		t, err = time.Parse(time.RFC3339, *at)
		if err != nil {
			fmt.Println("ERROR parsing -time:", err)
			os.Exit(2)
		}
	case st.Last != nil:
		t = *st.Last
	}
	if t.IsZero() {
		return
	}

	fmt.Printf("\nStates at %s\n", t.Format(time.RFC3339))
	for _, sat := range store.Satellites(navdata.KindEphemeris) {
		xvt, err := store.ComputeState(sat, t, navdata.FitLenient)
		if err != nil {
			fmt.Printf("  %s: ERROR %v\n", sat, err)
			continue
		}
		fmt.Printf("  %s: pos=[%.1f %.1f %.1f] clk=%.3fus healthy=%t\n",
			sat, xvt.Pos[0], xvt.Pos[1], xvt.Pos[2], xvt.ClockBias*1e6, xvt.Healthy)
	}

	if *tabulate != "" {
		sat, err := gnss.ParseSatID(*tabulate)
		if err != nil {
			fmt.Println("ERROR:", err)
			os.Exit(2)
		}
		compareTabular(store, sat, t)
	}
}

// compareTabular samples broadcast states every 15 minutes for two hours each
// side of t, then checks interpolation at the midpoints against the
// broadcast orbit.
func compareTabular(store *navstore.Shared, sat gnss.SatID, t time.Time) {
	const (
		step = 15 * time.Minute
		span = 2 * time.Hour
	)

	tab := navstore.NewTabular()
	for ts := t.Add(-span); !ts.After(t.Add(span)); ts = ts.Add(step) {
		xvt, err := store.ComputeState(sat, ts, navdata.FitLenient)
		if err != nil {
			fmt.Printf("\n%s: no broadcast state at %s: %v\n", sat, ts.Format(time.RFC3339), err)
			return
		}
		if err := tab.Add(sat, navstore.Point{Time: ts, Pos: xvt.Pos, Clock: xvt.ClockBias}); err != nil {
			fmt.Printf("\n%s: %v\n", sat, err)
			return
		}
	}

	fmt.Printf("\n%s tabulated (%d points, order %d)\n", sat, tab.Len(sat), tab.Order())
	worst := 0.0
	for ts := t.Add(-span / 2).Add(step / 2); ts.Before(t.Add(span / 2)); ts = ts.Add(step) {
		want, err := store.ComputeState(sat, ts, navdata.FitLenient)
		if err != nil {
			continue
		}
		got, err := tab.Xvt(sat, ts)
		if err != nil {
			fmt.Printf("  %s: ERROR %v\n", ts.Format(time.RFC3339), err)
			continue
		}
		d := math.Sqrt(sq(got.Pos[0]-want.Pos[0]) + sq(got.Pos[1]-want.Pos[1]) + sq(got.Pos[2]-want.Pos[2]))
		worst = math.Max(worst, d)
		fmt.Printf("  %s: position residual %.4f m\n", ts.Format(time.RFC3339), d)
	}
	fmt.Printf("Worst residual: %.4f m\n", worst)
}

func sq(v float64) float64 { return v * v }
