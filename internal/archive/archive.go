// Package archive keeps recorded frame files on disk and fetches frame files
// from remote sources.
//
// Files are written as frames_<unix>.txt in the ingest line format, so an
// archive file can be replayed through the pipeline unchanged.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jprillam8/gnsstk/internal/ingest"
	"github.com/jprillam8/gnsstk/internal/navbits"
)

// ErrEmpty is returned by LoadLatest when no archive file exists.
var ErrEmpty = errors.New("no archive files found")

const (
	filePrefix = "frames_"
	fileSuffix = ".txt"
)

// Archive manages frame files on disk.
type Archive struct {
	dir      string
	maxFiles int
}

// New creates an Archive that stores files in dir and keeps at most maxFiles.
func New(dir string, maxFiles int) *Archive {
	if maxFiles <= 0 {
		maxFiles = 5
	}
	return &Archive{
		dir:      dir,
		maxFiles: maxFiles,
	}
}

// Dir returns the archive directory.
func (a *Archive) Dir() string { return a.dir }

// Write saves data to a timestamped file and prunes old files beyond maxFiles.
func (a *Archive) Write(data []byte, ts time.Time) error {
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}

	name := fmt.Sprintf("%s%d%s", filePrefix, ts.Unix(), fileSuffix)
	if err := os.WriteFile(filepath.Join(a.dir, name), data, 0644); err != nil {
		return fmt.Errorf("writing archive file: %w", err)
	}

	return a.prune()
}

// LoadLatest reads the newest archive file by the timestamp in its name.
func (a *Archive) LoadLatest() ([]byte, time.Time, error) {
	files, err := a.listFiles()
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(files) == 0 {
		return nil, time.Time{}, ErrEmpty
	}

	latest := files[len(files)-1]
	data, err := os.ReadFile(filepath.Join(a.dir, latest.name))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading archive file: %w", err)
	}
	return data, latest.ts, nil
}

type archiveFile struct {
	name string
	ts   time.Time
}

// listFiles returns archive files oldest first. A missing directory is empty.
func (a *Archive) listFiles() ([]archiveFile, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing archive dir: %w", err)
	}

	var files []archiveFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		tsStr, ok := strings.CutPrefix(name, filePrefix)
		if !ok {
			continue
		}
		tsStr, ok = strings.CutSuffix(tsStr, fileSuffix)
		if !ok {
			continue
		}
		unix, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, archiveFile{name: name, ts: time.Unix(unix, 0).UTC()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ts.Before(files[j].ts)
	})
	return files, nil
}

func (a *Archive) prune() error {
	files, err := a.listFiles()
	if err != nil {
		return err
	}
	if len(files) <= a.maxFiles {
		return nil
	}

	for _, f := range files[:len(files)-a.maxFiles] {
		if err := os.Remove(filepath.Join(a.dir, f.name)); err != nil {
			return fmt.Errorf("pruning archive file %s: %w", f.name, err)
		}
	}
	return nil
}

// Recorder buffers frames in ingest format until Flush writes them out as one
// archive file. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	frames  int
	archive *Archive
}

// NewRecorder returns a recorder writing to a.
func NewRecorder(a *Archive) *Recorder {
	return &Recorder{archive: a}
}

// Record appends f to the buffer.
func (r *Recorder) Record(f *navbits.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.WriteString(ingest.Format(f))
	r.buf.WriteByte('\n')
	r.frames++
}

// Pending returns the number of buffered frames.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Flush writes buffered frames to a file stamped ts and empties the buffer.
// It returns the number of frames written; an empty buffer writes nothing.
func (r *Recorder) Flush(ts time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == 0 {
		return 0, nil
	}
	if err := r.archive.Write(r.buf.Bytes(), ts); err != nil {
		return 0, err
	}
	n := r.frames
	r.buf.Reset()
	r.frames = 0
	return n, nil
}
