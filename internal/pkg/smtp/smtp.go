// Package smtp decodes SMTP dialogues: client commands, the DATA body and
// server replies.
package smtp

import (
	"fmt"
	"regexp"
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/constants"
	"github.com/endorses/flowscope/internal/pkg/detector"
	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/endorses/flowscope/internal/pkg/lineproto"
)

var mailboxRegex = regexp.MustCompile(`<([^>]*)>`)

// Command is the detail of an smtp_command event.
type Command struct {
	lineproto.Command `yaml:",inline"`

	// Mailbox is the address of MAIL FROM and RCPT TO.
	Mailbox string `json:"mailbox,omitempty" yaml:"mailbox,omitempty"`
}

// Data is the detail of an smtp_data event: one dot-unstuffed message body.
type Data struct {
	Length    int    `json:"length" yaml:"length"`
	Body      []byte `json:"body" yaml:"body"`
	Truncated bool   `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}

// Response is the detail of an smtp_response event.
type Response = lineproto.Reply

// NewService returns the SMTP service. maxData caps the retained bytes of
// each message body; zero selects the default.
func NewService(em *event.Emitter, maxData int) detector.Service {
	if maxData <= 0 {
		maxData = constants.MaxDataSize
	}
	return detector.Service{
		Name:      "smtp",
		Kind:      flowtree.KindSMTP,
		Protocol:  address.ProtocolSMTP,
		Ports:     detector.WellKnownPorts(flowtree.KindSMTP),
		Signature: detector.DefaultSignature(flowtree.KindSMTP),
		New: func(dir detector.Direction) detector.Parser {
			if dir == detector.ToClient {
				return &serverParser{emitter: em, replies: lineproto.NewReplyParser("smtp")}
			}
			return &clientParser{emitter: em, maxData: maxData, commands: lineproto.NewCommandParser("smtp")}
		},
	}
}

type dataState uint8

const (
	dataLineStart dataState = iota
	dataDot
	dataDotCR
	dataText
	dataCR
)

func (s dataState) String() string {
	switch s {
	case dataLineStart:
		return "line_start"
	case dataDot:
		return "dot"
	case dataDotCR:
		return "dot_cr"
	case dataText:
		return "text"
	case dataCR:
		return "cr"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// clientParser decodes the client side: commands, and after DATA the
// message body up to the terminating "." line.
type clientParser struct {
	emitter *event.Emitter
	maxData int

	commands *lineproto.CommandParser
	inData   bool
	data     dataState
	body     []byte
	length   int
}

type unit struct {
	kind   event.Kind
	detail any
}

func (p *clientParser) Feed(app *flowtree.Context, data []byte, ts time.Time) error {
	app.Lock()
	units, err := p.consume(data)
	app.Unlock()

	for _, u := range units {
		p.emitter.Emit(app, u.kind, ts, u.detail)
	}
	return err
}

func (p *clientParser) Close(*flowtree.Context, time.Time) {}

func (p *clientParser) consume(data []byte) ([]unit, error) {
	var out []unit
	for _, b := range data {
		if p.inData {
			if done := p.stepData(b); done != nil {
				out = append(out, unit{kind: event.SMTPData, detail: done})
			}
			continue
		}

		cmd, err := p.commands.Step(b)
		if err != nil {
			return out, err
		}
		if cmd == nil {
			continue
		}
		out = append(out, unit{kind: event.SMTPCommand, detail: newCommand(*cmd)})
		if cmd.Verb == "DATA" && cmd.Argument == "" {
			p.inData, p.data = true, dataLineStart
		}
	}
	return out, nil
}

// stepData advances the body state machine. A line holding a single "."
// ends the body; a leading "." on any other line is removed.
func (p *clientParser) stepData(b byte) *Data {
	switch p.data {
	case dataLineStart:
		if b == '.' {
			p.data = dataDot
			return nil
		}
		p.data = dataText
		return p.stepData(b)

	case dataDot:
		switch b {
		case '\r':
			p.data = dataDotCR
			return nil
		case '\n':
			return p.endData()
		}
		p.data = dataText
		return p.stepData(b)

	case dataDotCR:
		if b == '\n' {
			return p.endData()
		}
		// A stuffed line starting ".\r": the CR is content.
		p.appendBody('\r')
		p.data = dataText
		return p.stepData(b)

	case dataText:
		p.appendBody(b)
		if b == '\r' {
			p.data = dataCR
		} else if b == '\n' {
			p.data = dataLineStart
		}
		return nil

	case dataCR:
		p.appendBody(b)
		switch b {
		case '\n':
			p.data = dataLineStart
		case '\r':
			p.data = dataCR
		default:
			p.data = dataText
		}
		return nil
	}
	panic(fmt.Sprintf("smtp: data parser in %s", p.data))
}

func (p *clientParser) appendBody(b byte) {
	p.length++
	if len(p.body) < p.maxData {
		p.body = append(p.body, b)
	}
}

func (p *clientParser) endData() *Data {
	d := &Data{Length: p.length, Body: p.body, Truncated: p.length > len(p.body)}
	p.body, p.length = nil, 0
	p.inData = false
	return d
}

func newCommand(c lineproto.Command) *Command {
	cmd := &Command{Command: c}
	switch c.Verb {
	case "MAIL", "RCPT":
		if m := mailboxRegex.FindStringSubmatch(c.Argument); m != nil {
			cmd.Mailbox = m[1]
		}
	}
	return cmd
}

// serverParser decodes the server side: numeric replies.
type serverParser struct {
	emitter *event.Emitter
	replies *lineproto.ReplyParser
}

func (p *serverParser) Feed(app *flowtree.Context, data []byte, ts time.Time) error {
	app.Lock()
	replies, err := p.replies.Feed(data)
	app.Unlock()

	for i := range replies {
		p.emitter.Emit(app, event.SMTPResponse, ts, &replies[i])
	}
	return err
}

func (p *serverParser) Close(*flowtree.Context, time.Time) {}
