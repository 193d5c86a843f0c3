package dns

import (
	"encoding/binary"
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/detector"
	"github.com/endorses/flowscope/internal/pkg/detector/signatures/application"
	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/endorses/flowscope/internal/pkg/logger"
)

// NewService returns DNS over UDP: every datagram is one message. Off the
// well-known port a datagram is recognised by its header shape.
func NewService(em *event.Emitter) detector.Service {
	return detector.Service{
		Name:      "dns",
		Kind:      flowtree.KindDNS,
		Protocol:  address.ProtocolDNS,
		Ports:     detector.WellKnownPorts(flowtree.KindDNS),
		Signature: application.NewDNSSignature(),
		New: func(detector.Direction) detector.Parser {
			return &datagramParser{emitter: em}
		},
	}
}

// NewStreamService returns DNS over TCP: messages prefixed with a two-byte
// length (RFC 1035 4.2.2).
func NewStreamService(em *event.Emitter) detector.Service {
	svc := NewService(em)
	svc.Signature = detector.DefaultSignature(flowtree.KindDNS)
	svc.New = func(detector.Direction) detector.Parser {
		return &streamParser{emitter: em}
	}
	return svc
}

type datagramParser struct {
	emitter *event.Emitter
}

func (p *datagramParser) Feed(app *flowtree.Context, data []byte, ts time.Time) error {
	m, err := Parse(data)
	if err != nil {
		return err
	}
	p.emitter.Emit(app, event.DNSMessage, ts, m)
	return nil
}

func (p *datagramParser) Close(*flowtree.Context, time.Time) {}

type streamParser struct {
	emitter *event.Emitter

	// buf holds a partial length prefix or message.
	buf []byte
}

func (p *streamParser) Feed(app *flowtree.Context, data []byte, ts time.Time) error {
	var msgs [][]byte
	app.Lock()
	p.buf = append(p.buf, data...)
	for len(p.buf) >= 2 {
		n := int(binary.BigEndian.Uint16(p.buf))
		if len(p.buf) < 2+n {
			break
		}
		msgs = append(msgs, p.buf[2:2+n])
		p.buf = p.buf[2+n:]
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	app.Unlock()

	for _, raw := range msgs {
		m, err := Parse(raw)
		if err != nil {
			// The framing is intact, so the stream carries on.
			logger.Debug("Dropping malformed DNS message", "context", app.String(), "error", err)
			continue
		}
		p.emitter.Emit(app, event.DNSMessage, ts, m)
	}
	return nil
}

func (p *streamParser) Close(*flowtree.Context, time.Time) {}
