// Package output renders engine events for the CLI: JSON lines, YAML
// documents, or messages published to NATS.
package output

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/logger"
	"golang.org/x/term"
)

// IsTTY returns true if stdout is connected to a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// MarshalJSONPretty marshals v to JSON with explicit formatting control.
func MarshalJSONPretty(v any, pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

// JSONWriter writes each event as one JSON value followed by a newline.
type JSONWriter struct {
	mu     sync.Mutex
	w      io.Writer
	pretty bool
}

// NewJSONWriter creates a JSONWriter. Compact output puts one event per
// line.
func NewJSONWriter(w io.Writer, pretty bool) *JSONWriter {
	return &JSONWriter{w: w, pretty: pretty}
}

// Observe implements event.Observer.
func (j *JSONWriter) Observe(ev *event.Event) {
	data, err := MarshalJSONPretty(ev, j.pretty)
	if err != nil {
		logger.Warn("Failed to encode event", "kind", ev.Kind.String(), "format", "json", "error", err)
		return
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(data); err != nil {
		logger.Warn("Failed to write event", "kind", ev.Kind.String(), "error", err)
	}
}

// Close implements Sink.
func (j *JSONWriter) Close() error { return nil }
