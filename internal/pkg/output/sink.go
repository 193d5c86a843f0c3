package output

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/endorses/flowscope/internal/pkg/event"
)

// Sink is an event observer that holds resources.
type Sink interface {
	event.Observer
	Close() error
}

// Format selects how events are rendered to a writer.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
	FormatYAML   Format = "yaml"
	FormatNone   Format = "none"
)

// ParseFormat converts a format name. "auto" picks pretty JSON on a
// terminal and compact JSON otherwise.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(name)); f {
	case FormatJSON, FormatPretty, FormatYAML, FormatNone:
		return f, nil
	case "", "auto":
		if IsTTY() {
			return FormatPretty, nil
		}
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q", name)
	}
}

// NewWriter returns the sink rendering f to w, or nil for FormatNone.
func NewWriter(f Format, w io.Writer) Sink {
	switch f {
	case FormatPretty:
		return NewJSONWriter(w, true)
	case FormatYAML:
		return NewYAMLWriter(w)
	case FormatNone:
		return nil
	default:
		return NewJSONWriter(w, false)
	}
}

// Tee fans every event out to several sinks.
type Tee []Sink

// Observe implements event.Observer.
func (t Tee) Observe(ev *event.Event) {
	for _, s := range t {
		s.Observe(ev)
	}
}

// Close closes every sink and joins their errors.
func (t Tee) Close() error {
	var errs []error
	for _, s := range t {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
