package lineproto

import (
	"fmt"
	"strings"

	"github.com/endorses/flowscope/internal/pkg/constants"
	"github.com/endorses/flowscope/internal/pkg/errs"
)

// Command is one client command line.
type Command struct {
	Verb     string `json:"verb" yaml:"verb"`
	Argument string `json:"argument,omitempty" yaml:"argument,omitempty"`
}

type commandState uint8

const (
	commandVerb commandState = iota
	commandArgument
	commandCR
)

func (s commandState) String() string {
	switch s {
	case commandVerb:
		return "verb"
	case commandArgument:
		return "argument"
	case commandCR:
		return "cr"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// CommandParser splits CRLF-terminated lines into an upper-cased verb and
// its argument. Verbs are letters, digits and the base64 punctuation sent
// during SASL exchanges; arguments are any bytes except control characters
// other than tab.
type CommandParser struct {
	name    string
	maxLine int

	state commandState
	verb  []byte
	arg   []byte
}

// NewCommandParser creates a parser whose errors are prefixed with name.
func NewCommandParser(name string) *CommandParser {
	return &CommandParser{name: name, maxLine: constants.MaxLineLength}
}

// Step consumes one byte and returns the command it completes, if any.
// Empty lines complete nothing.
func (p *CommandParser) Step(b byte) (*Command, error) {
	switch p.state {
	case commandVerb:
		switch {
		case b == ' ':
			if len(p.verb) == 0 {
				return nil, errs.Violation("%s: command line starts with a space", p.name)
			}
			p.state = commandArgument
		case b == '\r':
			p.state = commandCR
		case b == '\n':
			return p.end(), nil
		case isVerbByte(b):
			if err := p.checkLength(); err != nil {
				return nil, err
			}
			p.verb = append(p.verb, b)
		default:
			return nil, errs.Violation("%s: command verb byte 0x%02x", p.name, b)
		}
		return nil, nil

	case commandArgument:
		switch {
		case b == '\r':
			p.state = commandCR
		case b == '\n':
			return p.end(), nil
		case b < 0x20 && b != '\t', b == 0x7f:
			return nil, errs.Violation("%s: control byte 0x%02x in argument", p.name, b)
		default:
			if err := p.checkLength(); err != nil {
				return nil, err
			}
			p.arg = append(p.arg, b)
		}
		return nil, nil

	case commandCR:
		if b != '\n' {
			return nil, errs.Violation("%s: CR followed by 0x%02x", p.name, b)
		}
		return p.end(), nil
	}
	panic(fmt.Sprintf("lineproto: command parser in %s", p.state))
}

// checkLength fails once the verb and argument fill the line limit.
func (p *CommandParser) checkLength() error {
	if len(p.verb)+len(p.arg) >= p.maxLine {
		return errs.Violation("%s: command line longer than %d bytes", p.name, p.maxLine)
	}
	return nil
}

func (p *CommandParser) end() *Command {
	defer func() {
		p.verb, p.arg = p.verb[:0], p.arg[:0]
		p.state = commandVerb
	}()
	if len(p.verb) == 0 {
		return nil
	}
	return &Command{
		Verb:     strings.ToUpper(string(p.verb)),
		Argument: string(p.arg),
	}
}

func isVerbByte(b byte) bool {
	return b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9' ||
		b == '+' || b == '/' || b == '=' || b == '-'
}
