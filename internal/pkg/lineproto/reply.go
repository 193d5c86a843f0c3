// Package lineproto holds the byte-at-a-time state machines shared by the
// CRLF line protocols (SMTP, FTP): numeric replies with multi-line
// continuation, and verb/argument command lines.
package lineproto

import (
	"fmt"
	"strings"

	"github.com/endorses/flowscope/internal/pkg/constants"
	"github.com/endorses/flowscope/internal/pkg/errs"
)

// Reply is one complete server reply.
type Reply struct {
	Code  int      `json:"code" yaml:"code"`
	Lines []string `json:"lines" yaml:"lines"`
}

// Text returns the reply lines joined by newlines.
func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// Class returns the first digit of the code: 2 positive completion, 3
// positive intermediate, 4 transient and 5 permanent failure.
func (r Reply) Class() int {
	return r.Code / 100
}

type replyState uint8

const (
	replyCode replyState = iota
	replySeparator
	replyText
	replyCR
)

func (s replyState) String() string {
	switch s {
	case replyCode:
		return "code"
	case replySeparator:
		return "separator"
	case replyText:
		return "text"
	case replyCR:
		return "cr"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ReplyParser reassembles replies of the form "ddd text" and multi-line
// replies opened by "ddd-text" and closed by "ddd text". Lines between the
// two that do not start with the code are kept verbatim.
type ReplyParser struct {
	name    string
	maxLine int

	state  replyState
	digits int
	code   int
	sep    byte
	line   []byte

	// open is the code of a multi-line reply in progress, or 0.
	open  int
	lines []string
}

// NewReplyParser creates a parser whose errors are prefixed with name.
func NewReplyParser(name string) *ReplyParser {
	return &ReplyParser{name: name, maxLine: constants.MaxLineLength}
}

// Feed consumes data and returns every reply it completes. A grammar
// violation returns the replies completed before it.
func (p *ReplyParser) Feed(data []byte) ([]Reply, error) {
	var out []Reply
	for _, b := range data {
		done, err := p.step(b)
		if err != nil {
			return out, err
		}
		if done != nil {
			out = append(out, *done)
		}
	}
	return out, nil
}

func (p *ReplyParser) step(b byte) (*Reply, error) {
	switch p.state {
	case replyCode:
		if b < '0' || b > '9' {
			return nil, errs.Violation("%s: reply code byte 0x%02x", p.name, b)
		}
		p.code = p.code*10 + int(b-'0')
		p.digits++
		if p.digits == 3 {
			if p.code < 100 || p.code > 599 {
				return nil, errs.Violation("%s: reply code %d", p.name, p.code)
			}
			p.state = replySeparator
		}
		return nil, nil

	case replySeparator:
		p.sep = b
		switch b {
		case ' ', '-':
			p.state = replyText
			return nil, nil
		case '\r':
			p.state = replyCR
			return nil, nil
		case '\n':
			return p.endLine(), nil
		default:
			return nil, errs.Violation("%s: reply separator byte 0x%02x", p.name, b)
		}

	case replyText:
		switch b {
		case '\r':
			p.state = replyCR
			return nil, nil
		case '\n':
			return p.endLine(), nil
		}
		if len(p.line) >= p.maxLine {
			return nil, errs.Violation("%s: reply line longer than %d bytes", p.name, p.maxLine)
		}
		p.line = append(p.line, b)
		return nil, nil

	case replyCR:
		if b != '\n' {
			return nil, errs.Violation("%s: CR followed by 0x%02x", p.name, b)
		}
		return p.endLine(), nil
	}
	panic(fmt.Sprintf("lineproto: reply parser in %s", p.state))
}

// endLine finishes the current line and returns the reply it completes.
func (p *ReplyParser) endLine() *Reply {
	line := string(p.line)
	p.line = p.line[:0]

	if p.open == 0 {
		code := p.code
		p.code, p.digits = 0, 0
		if p.sep == '-' {
			p.open = code
			p.lines = []string{line}
			// Continuation lines are read raw and classified when complete.
			p.state = replyText
			return nil
		}
		p.state = replyCode
		return &Reply{Code: code, Lines: []string{line}}
	}

	prefix := fmt.Sprintf("%03d", p.open)
	switch {
	case line == prefix || strings.HasPrefix(line, prefix+" "):
		p.lines = append(p.lines, strings.TrimPrefix(strings.TrimPrefix(line, prefix), " "))
		r := &Reply{Code: p.open, Lines: p.lines}
		p.open, p.lines = 0, nil
		p.state = replyCode
		return r
	case strings.HasPrefix(line, prefix+"-"):
		p.lines = append(p.lines, line[4:])
	default:
		p.lines = append(p.lines, line)
	}
	p.state = replyText
	return nil
}
