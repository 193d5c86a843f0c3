package output

import (
	"io"
	"sync"

	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/logger"
	"gopkg.in/yaml.v3"
)

// YAMLWriter writes each event as a separate YAML document.
type YAMLWriter struct {
	mu  sync.Mutex
	enc *yaml.Encoder
}

// NewYAMLWriter creates a YAMLWriter on w.
func NewYAMLWriter(w io.Writer) *YAMLWriter {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	return &YAMLWriter{enc: enc}
}

// Observe implements event.Observer.
func (y *YAMLWriter) Observe(ev *event.Event) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if err := y.enc.Encode(ev); err != nil {
		logger.Warn("Failed to encode event", "kind", ev.Kind.String(), "format", "yaml", "error", err)
	}
}

// Close flushes the encoder.
func (y *YAMLWriter) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.enc.Close()
}
