package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navbits"
)

var (
	gpsLine = "G05 G05 GPS_LNAV L1 CA 2295 345600 8B" + strings.Repeat("0", 72) + "A"
	galLine = "E11 E11 GAL_FNAV E5a E5aI 1272 35400 " + strings.Repeat("F", 60) + "8"
	bdsLine = "C19 C19 BDS_D1 B1 B1I 900 100.5 " + strings.Repeat("1", 75)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestParseLine(t *testing.T) {
	f, err := ParseLine(gpsLine)
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	g05 := gnss.SatID{Sys: gnss.SysGPS, PRN: 5}
	if f.Sat() != g05 || f.Xmit() != g05 {
		t.Errorf("sat/xmit = %s/%s, want G05/G05", f.Sat(), f.Xmit())
	}
	if f.Signal() != gnss.SigGPSL1CA {
		t.Errorf("signal = %s, want %s", f.Signal(), gnss.SigGPSL1CA)
	}
	if want := gnsstime.GPS(2295, 345600); !f.XmitTime().Equal(want) {
		t.Errorf("xmit time = %v, want %v", f.XmitTime(), want)
	}
	if f.Len() != 300 {
		t.Errorf("len = %d, want 300", f.Len())
	}
	if v, _ := f.Unsigned(0, 8); v != 0x8B {
		t.Errorf("preamble = %#x, want 0x8b", v)
	}
	if v, _ := f.Unsigned(296, 4); v != 0xA {
		t.Errorf("last nibble = %#x, want 0xa", v)
	}
}

// TestParseLineLength verifies an odd digit count for a 244-bit Galileo page
// and that a truncated frame is rejected.
func TestParseLineLength(t *testing.T) {
	f, err := ParseLine(galLine)
	if err != nil {
		t.Fatalf("ParseLine failed: %v", err)
	}
	if f.Len() != 244 {
		t.Errorf("len = %d, want 244", f.Len())
	}
	if want := gnsstime.Galileo(1272, 35400); !f.XmitTime().Equal(want) {
		t.Errorf("xmit time = %v, want %v", f.XmitTime(), want)
	}

	if _, err := ParseLine("G05 G05 GPS_LNAV L1 CA 2295 345600 8B00F"); !errors.Is(err, navbits.ErrLength) {
		t.Errorf("truncated frame: err = %v, want ErrLength", err)
	}
}

func TestParseLineErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"too few fields", "G05 G05 GPS_LNAV L1 CA 2295 345600"},
		{"bad sat", "X05 G05 GPS_LNAV L1 CA 2295 345600 8B"},
		{"bad nav", "G05 G05 GPS_CNAV L1 CA 2295 345600 8B"},
		{"bad band", "G05 G05 GPS_LNAV Q9 CA 2295 345600 8B"},
		{"bad code", "G05 G05 GPS_LNAV L1 P 2295 345600 8B"},
		{"bad week", "G05 G05 GPS_LNAV L1 CA -1 345600 8B"},
		{"sow past week", "G05 G05 GPS_LNAV L1 CA 2295 604800 8B"},
		{"bad hex", "G05 G05 GPS_LNAV L1 CA 2295 345600 8G"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseLine(tt.line); !errors.Is(err, ErrSyntax) {
				t.Errorf("err = %v, want ErrSyntax", err)
			}
		})
	}

	if _, err := ParseLine("G05 G05 GPS_LNAV L1 CA 2295 345600 " + strings.Repeat("0", 80)); !errors.Is(err, navbits.ErrCapacity) {
		t.Errorf("oversized frame: err = %v, want ErrCapacity", err)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, line := range []string{gpsLine, galLine, bdsLine} {
		f, err := ParseLine(line)
		if err != nil {
			t.Fatalf("ParseLine(%q) failed: %v", line, err)
		}
		if got := Format(f); got != line {
			t.Errorf("Format = %q\nwant     %q", got, line)
		}
	}
}

func TestScan(t *testing.T) {
	input := strings.Join([]string{
		"# capture from receiver 1",
		"",
		gpsLine,
		"garbage",
		"   " + galLine + "   ",
		bdsLine,
	}, "\n")

	frames, err := Parse(strings.NewReader(input), testLogger())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[1].Signal() != gnss.SigGalE5aI {
		t.Errorf("frame 1 signal = %s", frames[1].Signal())
	}

	stop := errors.New("stop")
	var n int
	err = Scan(context.Background(), strings.NewReader(input), testLogger(), func(*navbits.Frame) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Errorf("Scan stopped after %d frames with %v, want 1 and stop", n, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Scan(ctx, strings.NewReader(input), testLogger(), func(*navbits.Frame) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Scan = %v, want context.Canceled", err)
	}
}
