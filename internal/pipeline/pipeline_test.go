package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/ingest"
	"github.com/jprillam8/gnsstk/internal/navbits"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navfactory"
	"github.com/jprillam8/gnsstk/internal/navstore"
)

var (
	g05 = gnss.SatID{Sys: gnss.SysGPS, PRN: 5}
	t0  = gnsstime.GPS(2296, 600)
)

const (
	tagNone   = 0x00
	tagRecord = 0x01
	tagFault  = 0x80
	tagBoth   = 0x81
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// frame builds an LNAV sized frame whose first byte selects the behaviour of
// tagFactory.
func frame(t *testing.T, tag byte) *navbits.Frame {
	t.Helper()
	data := make([]byte, 38)
	data[0] = tag
	f, err := navbits.FromBytes(g05, g05, gnss.SigGPSL1CA, t0, data, 300)
	require.NoError(t, err)
	return f
}

// tagFactory emits a health record and/or a decode fault depending on the
// first byte of the frame.
type tagFactory struct {
	frames int
}

func (tf *tagFactory) Signals() []gnss.NavSignal { return []gnss.NavSignal{gnss.SigGPSL1CA} }

func (tf *tagFactory) AddData(f *navbits.Frame) ([]navdata.Record, error) {
	tf.frames++
	tag, err := f.Unsigned(0, 8)
	if err != nil {
		return nil, err
	}
	var recs []navdata.Record
	if tag&tagRecord != 0 {
		recs = append(recs, &navdata.Health{
			Header: navdata.Header{
				Sat: f.Sat(), Xmit: f.Xmit(), Signal: f.Signal(),
				Start: f.XmitTime().Add(gnsstime.Seconds(float64(tf.frames))), End: navdata.EndOfTime,
			},
			Healthy: true,
		})
	}
	if tag&tagFault != 0 {
		return recs, fmt.Errorf("%w: test page", navfactory.ErrUnknownPage)
	}
	return recs, nil
}

func (tf *tagFactory) ResetState() { tf.frames = 0 }

func (tf *tagFactory) DumpState(w io.Writer) error {
	_, err := fmt.Fprintf(w, "tag factory: %d frames\n", tf.frames)
	return err
}

func (tf *tagFactory) State(xmit gnss.SatID) navfactory.AccumState {
	if tf.frames > 0 {
		return navfactory.StateAccumulating
	}
	return navfactory.StateEmpty
}

type countingPublisher struct {
	published int
	drop      int
}

func (c *countingPublisher) Publish(recs []navdata.Record) int {
	c.published += len(recs)
	return c.drop
}

type recordingSink struct {
	writes int
	err    error
}

func (s *recordingSink) Write(ctx context.Context, recs []navdata.Record) error {
	s.writes++
	return s.err
}

func newTestPipeline(t *testing.T, pub Publisher, sink Sink) (*Pipeline, *navstore.Shared) {
	t.Helper()
	m := navfactory.NewMulti(testLogger())
	require.NoError(t, m.Register(&tagFactory{}))
	store := navstore.NewShared(navstore.New())
	return New(m, store, pub, sink, testLogger()), store
}

// TestProcess verifies records reach the store, the publisher and the sink,
// and that a fault does not discard records completed by the same frame.
func TestProcess(t *testing.T) {
	pub := &countingPublisher{}
	sink := &recordingSink{}
	p, store := newTestPipeline(t, pub, sink)
	ctx := context.Background()

	recs, err := p.Process(ctx, frame(t, tagNone))
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, sink.writes)

	recs, err = p.Process(ctx, frame(t, tagRecord))
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = p.Process(ctx, frame(t, tagBoth))
	assert.ErrorIs(t, err, navfactory.ErrDecode)
	assert.Len(t, recs, 1)

	_, err = p.Process(ctx, frame(t, tagFault))
	assert.ErrorIs(t, err, navfactory.ErrUnknownPage)

	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 2, pub.published)
	assert.Equal(t, 2, sink.writes)
	assert.Equal(t, Stats{Frames: 4, Records: 2, Faults: 2}, p.Stats())
}

// TestProcessUnmatchedSignal verifies frames without a factory are ignored.
func TestProcessUnmatchedSignal(t *testing.T) {
	p, store := newTestPipeline(t, nil, nil)

	e11 := gnss.SatID{Sys: gnss.SysGAL, PRN: 11}
	f, err := navbits.FromBytes(e11, e11, gnss.SigGalE5aI, t0, make([]byte, 31), 244)
	require.NoError(t, err)

	recs, err := p.Process(context.Background(), f)
	assert.NoError(t, err)
	assert.Nil(t, recs)
	assert.Zero(t, store.Len())
	assert.Equal(t, int64(1), p.Stats().Frames)
}

func TestProcessSinkFailure(t *testing.T) {
	pub := &countingPublisher{drop: 1}
	sink := &recordingSink{err: errors.New("bucket not found")}
	p, store := newTestPipeline(t, pub, sink)

	recs, err := p.Process(context.Background(), frame(t, tagRecord))
	assert.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, int64(1), p.Stats().Dropped)
}

// TestRun verifies a text stream is decoded end to end, skipping malformed
// lines and counting faults without stopping.
func TestRun(t *testing.T) {
	p, store := newTestPipeline(t, nil, nil)

	var in strings.Builder
	in.WriteString("# recorded frames\n")
	for _, tag := range []byte{tagRecord, tagFault, tagRecord, tagNone} {
		in.WriteString(ingest.Format(frame(t, tag)) + "\n")
	}
	in.WriteString("G05 garbage\n")

	stats, err := p.Run(context.Background(), strings.NewReader(in.String()))
	require.NoError(t, err)
	assert.Equal(t, Stats{Frames: 4, Records: 2, Faults: 1}, stats)
	assert.Equal(t, 2, store.Len())

	again, err := p.Run(context.Background(), strings.NewReader(ingest.Format(frame(t, tagRecord))))
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Frames, "run stats are per call")
	assert.Equal(t, int64(5), p.Stats().Frames)
}

func TestRunCancelled(t *testing.T) {
	p, _ := newTestPipeline(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := p.Run(ctx, strings.NewReader(ingest.Format(frame(t, tagRecord))))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Frames)
}

func TestStateAndReset(t *testing.T) {
	p, store := newTestPipeline(t, nil, nil)
	assert.Equal(t, navfactory.StateEmpty, p.State(g05))

	_, err := p.Process(context.Background(), frame(t, tagRecord))
	require.NoError(t, err)
	assert.Equal(t, navfactory.StateAccumulating, p.State(g05))

	var buf bytes.Buffer
	require.NoError(t, p.DumpState(&buf))
	assert.Contains(t, buf.String(), "tag factory: 1 frames")

	p.Reset()
	assert.Equal(t, navfactory.StateEmpty, p.State(g05))
	assert.Equal(t, 1, store.Len(), "reset leaves the store alone")
}
