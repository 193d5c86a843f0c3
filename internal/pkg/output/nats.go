package output

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/logger"
	"github.com/nats-io/nats.go"
)

// DefaultSubject prefixes the subjects events are published on.
const DefaultSubject = "flowscope.events"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes every event as JSON on "<subject>.<kind>", so
// subscribers can pick kinds with NATS wildcards.
type NATSPublisher struct {
	conn    publisher
	nc      *nats.Conn
	subject string
	failed  atomic.Uint64
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("flowscope"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("Connected to NATS", "url", nc.ConnectedUrl(), "subject", subject)

	p := newNATSPublisher(nc, subject)
	p.nc = nc
	return p, nil
}

func newNATSPublisher(conn publisher, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

// Subject returns the subject an event kind is published on.
func (p *NATSPublisher) Subject(kind event.Kind) string {
	return p.subject + "." + kind.String()
}

// Observe implements event.Observer.
func (p *NATSPublisher) Observe(ev *event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.failed.Add(1)
		logger.Warn("Failed to encode event", "kind", ev.Kind.String(), "format", "nats", "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(ev.Kind), data); err != nil {
		p.failed.Add(1)
		logger.Warn("Failed to publish event", "subject", p.Subject(ev.Kind), "error", err)
	}
}

// Failed returns how many events could not be published.
func (p *NATSPublisher) Failed() uint64 {
	return p.failed.Load()
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	logger.Info("NATS connection drained", "failed", p.Failed())
	return nil
}
