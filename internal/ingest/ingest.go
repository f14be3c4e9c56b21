// Package ingest reads and writes the line-oriented frame capture format:
//
//	# sat xmit nav band code week sow hex
//	G05 G05 GPS_LNAV L1 CA 2295 345600 8B0000...
//
// week and sow are in the time scale of the transmitting satellite's system.
// hex carries the frame bits MSB first, padded to whole nibbles. Blank lines
// and lines starting with '#' are ignored.
package ingest

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navbits"
)

// ErrSyntax is wrapped by every line parse error.
var ErrSyntax = errors.New("malformed frame line")

const fieldCount = 8

// ParseLine parses one non-comment line.
func ParseLine(line string) (*navbits.Frame, error) {
	fields := strings.Fields(line)
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("%w: %d fields, want %d", ErrSyntax, len(fields), fieldCount)
	}

	sat, err := gnss.ParseSatID(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: sat: %v", ErrSyntax, err)
	}
	xmit, err := gnss.ParseSatID(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: xmit: %v", ErrSyntax, err)
	}
	nav, err := gnss.ParseNavType(fields[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	band, err := gnss.ParseBand(fields[3])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	code, err := gnss.ParseCode(fields[4])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	week, err := strconv.Atoi(fields[5])
	if err != nil || week < 0 {
		return nil, fmt.Errorf("%w: week %q", ErrSyntax, fields[5])
	}
	sow, err := strconv.ParseFloat(fields[6], 64)
	if err != nil || sow < 0 || sow >= gnsstime.SecondsPerWeek {
		return nil, fmt.Errorf("%w: second of week %q", ErrSyntax, fields[6])
	}

	digits := fields[7]
	nbits := len(digits) * 4
	if len(digits)%2 == 1 {
		digits += "0"
	}
	data, err := hex.DecodeString(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	// Nibble padding beyond the standard's frame length is not frame data.
	if fb := nav.FrameBits(); fb > 0 && fb < nbits && nbits-fb < 4 {
		nbits = fb
	}

	signal := gnss.NavSignal{Nav: nav, Band: band, Code: code}
	xmitTime := gnsstime.FromWeekSecond(xmit.Sys, week, sow)
	return navbits.FromBytes(sat, xmit, signal, xmitTime, data, nbits)
}

// Format renders f as one line of the capture format, without newline.
func Format(f *navbits.Frame) string {
	week, sow := gnsstime.WeekSecond(f.Xmit().Sys, f.XmitTime())
	sig := f.Signal()
	digits := hex.EncodeToString(f.Bytes())
	if n := (f.Len() + 3) / 4; n < len(digits) {
		digits = digits[:n]
	}
	return strings.Join([]string{
		f.Sat().String(),
		f.Xmit().String(),
		sig.Nav.String(),
		sig.Band.String(),
		sig.Code.String(),
		strconv.Itoa(week),
		strconv.FormatFloat(sow, 'f', -1, 64),
		strings.ToUpper(digits),
	}, " ")
}

// Scan calls fn for each frame read from r, skipping malformed lines with a
// warning. It stops at EOF, on the first fn error or when ctx is done.
func Scan(ctx context.Context, r io.Reader, logger *slog.Logger, fn func(*navbits.Frame) error) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		f, err := ParseLine(line)
		if err != nil {
			logger.Warn("skipping malformed frame line", "line", lineNo, "error", err)
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading frames: %w", err)
	}
	return nil
}

// Parse reads every frame from r. Malformed lines are skipped with a warning.
func Parse(r io.Reader, logger *slog.Logger) ([]*navbits.Frame, error) {
	var frames []*navbits.Frame
	err := Scan(context.Background(), r, logger, func(f *navbits.Frame) error {
		frames = append(frames, f)
		return nil
	})
	return frames, err
}
