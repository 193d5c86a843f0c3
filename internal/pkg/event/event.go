// Package event defines the protocol events produced by the analysis engine
// and the observer interface they are delivered through.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/google/uuid"
)

// Kind is the closed set of event kinds.
type Kind uint8

const (
	ConnectionUp Kind = iota + 1
	ConnectionDown
	UnrecognisedStream
	UnrecognisedDatagram
	ICMP
	HTTPRequest
	HTTPResponse
	DNSMessage
	SMTPCommand
	SMTPResponse
	SMTPData
	FTPCommand
	FTPResponse
	TriggerUp
	TriggerDown
)

var kindNames = map[Kind]string{
	ConnectionUp:         "connection_up",
	ConnectionDown:       "connection_down",
	UnrecognisedStream:   "unrecognised_stream",
	UnrecognisedDatagram: "unrecognised_datagram",
	ICMP:                 "icmp",
	HTTPRequest:          "http_request",
	HTTPResponse:         "http_response",
	DNSMessage:           "dns_message",
	SMTPCommand:          "smtp_command",
	SMTPResponse:         "smtp_response",
	SMTPData:             "smtp_data",
	FTPCommand:           "ftp_command",
	FTPResponse:          "ftp_response",
	TriggerUp:            "trigger_up",
	TriggerDown:          "trigger_down",
}

// String returns the snake_case kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText renders the kind by name in JSON and YAML output.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("event: unknown kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// Chain is the address chain of an event: one flow address per context
// level, network layer first.
type Chain []address.FlowAddress

// Src renders the source side, e.g. "ipv4:10.0.0.1/tcp:4444".
func (c Chain) Src() string {
	parts := make([]string, len(c))
	for i, f := range c {
		parts[i] = f.Src.String()
	}
	return strings.Join(parts, "/")
}

// Dst renders the destination side.
func (c Chain) Dst() string {
	parts := make([]string, len(c))
	for i, f := range c {
		parts[i] = f.Dst.String()
	}
	return strings.Join(parts, "/")
}

// String renders "src -> dst".
func (c Chain) String() string {
	return c.Src() + " -> " + c.Dst()
}

// MarshalText renders the chain for JSON and YAML output.
func (c Chain) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Event is one completed decode unit. Events are immutable once emitted.
type Event struct {
	ID        uuid.UUID `json:"id" yaml:"id"`
	Kind      Kind      `json:"kind" yaml:"kind"`
	DeviceID  string    `json:"device_id" yaml:"device_id"`
	NetworkID string    `json:"network_id" yaml:"network_id"`
	Trigger   string    `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	ContextID uint64    `json:"context_id" yaml:"context_id"`
	Chain     Chain     `json:"chain" yaml:"chain"`
	Detail    any       `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Observer receives every emitted event. Implementations must be safe for
// concurrent use; the engine calls Observe from its worker goroutines.
type Observer interface {
	Observe(ev *Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev *Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev *Event) { f(ev) }

// Discard is an Observer that drops everything.
var Discard Observer = ObserverFunc(func(*Event) {})
