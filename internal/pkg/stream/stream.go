// Package stream is the fallback handler for TCP streams no signature
// recognised: every delivered chunk becomes one unrecognised_stream event.
package stream

import (
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/constants"
	"github.com/endorses/flowscope/internal/pkg/detector"
	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
)

// Chunk is the detail of an unrecognised_stream event.
type Chunk struct {
	Direction string `json:"direction" yaml:"direction"`
	Offset    uint64 `json:"offset" yaml:"offset"`
	Length    int    `json:"length" yaml:"length"`
	Payload   []byte `json:"payload,omitempty" yaml:"payload,omitempty"`
	Truncated bool   `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}

type parser struct {
	emitter    *event.Emitter
	dir        detector.Direction
	maxPayload int

	// offset is guarded by the application context lock.
	offset uint64
}

// NewService returns the fallback service. Events carry at most maxPayload
// bytes of each chunk; zero selects the default.
func NewService(em *event.Emitter, maxPayload int) detector.Service {
	if maxPayload <= 0 {
		maxPayload = constants.MaxPayloadSize
	}
	return detector.Service{
		Name:     "stream",
		Kind:     flowtree.KindStream,
		Protocol: address.ProtocolStream,
		New: func(dir detector.Direction) detector.Parser {
			return &parser{emitter: em, dir: dir, maxPayload: maxPayload}
		},
	}
}

func (p *parser) Feed(app *flowtree.Context, data []byte, ts time.Time) error {
	if len(data) == 0 {
		return nil
	}

	app.Lock()
	offset := p.offset
	p.offset += uint64(len(data))
	app.Unlock()

	keep := min(len(data), p.maxPayload)
	p.emitter.Emit(app, event.UnrecognisedStream, ts, &Chunk{
		Direction: p.dir.String(),
		Offset:    offset,
		Length:    len(data),
		Payload:   append([]byte(nil), data[:keep]...),
		Truncated: keep < len(data),
	})
	return nil
}

func (p *parser) Close(*flowtree.Context, time.Time) {}
