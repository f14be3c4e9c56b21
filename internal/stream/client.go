package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jprillam8/gnsstk/internal/metrics"
)

const writeTimeout = 30 * time.Second

// eventWriter writes SSE events to one connection. Events carry increasing
// ids so a client can tell where a reconnect picked up.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	logger  *slog.Logger

	lastID int64
	events int64
	bytes  int64
}

// event marshals v as the data of an event named name.
func (ew *eventWriter) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal %s: %w", name, err)
	}
	ew.lastID++
	frame := "id: " + strconv.FormatInt(ew.lastID, 10) + "\nevent: " + name + "\ndata: " + string(data) + "\n\n"
	if err := ew.write(frame); err != nil {
		return err
	}
	ew.events++
	metrics.IncStreamMessages("sent")
	return nil
}

// keepalive writes an SSE comment.
func (ew *eventWriter) keepalive() error {
	return ew.write(":\n\n")
}

func (ew *eventWriter) write(frame string) error {
	if err := ew.rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		ew.logger.Debug("could not set write deadline", "error", err)
	}
	n, err := fmt.Fprint(ew.w, frame)
	ew.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("stream write: %w", err)
	}
	ew.flusher.Flush()
	return nil
}
