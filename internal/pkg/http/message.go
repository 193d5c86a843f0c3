package http

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/endorses/flowscope/internal/pkg/constants"
	"github.com/endorses/flowscope/internal/pkg/errs"
)

// Header line: Name: Value
var headerRegex = regexp.MustCompile(`^([!#$%&'*+\-.^_` + "`" + `|~0-9A-Za-z]+):[ \t]*(.*?)[ \t]*$`)

// Header is one message header, in arrival order.
type Header struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// get returns the value of the first header named name, ignoring case.
func get(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

type bodyMode uint8

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

type state uint8

const (
	stateStartLine state = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkEnd
	stateTrailers
	stateUntilClose
)

func (s state) String() string {
	switch s {
	case stateStartLine:
		return "start_line"
	case stateHeaders:
		return "headers"
	case stateBody:
		return "body"
	case stateChunkSize:
		return "chunk_size"
	case stateChunkData:
		return "chunk_data"
	case stateChunkEnd:
		return "chunk_end"
	case stateTrailers:
		return "trailers"
	case stateUntilClose:
		return "until_close"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// handler supplies the request or response specific parts of a message.
type handler interface {
	// startLine parses the first line of a message.
	startLine(line string) error
	// framing chooses how the body is delimited once the headers are read.
	framing(headers []Header) (bodyMode, int64, error)
	// complete receives the finished message.
	complete(headers []Header, body []byte, length int, truncated bool)
}

// framer is the state machine shared by requests and responses: start
// line, headers, and a body delimited by length, chunking or close.
type framer struct {
	name    string
	maxBody int
	maxLine int

	state     state
	line      []byte
	headers   []Header
	remaining int64
	body      []byte
	length    int

	// yield makes feed return after the current byte. Handlers set it to
	// step out of the context lock between messages.
	yield bool
}

func newFramer(name string, maxBody int) framer {
	if maxBody <= 0 {
		maxBody = constants.MaxBodySize
	}
	return framer{name: name, maxBody: maxBody, maxLine: constants.MaxLineLength}
}

// feed consumes data and returns how many bytes it used. It stops early
// when a handler yields or on the first violation.
func (f *framer) feed(data []byte, h handler) (int, error) {
	used := 0
	for used < len(data) {
		rest := data[used:]
		switch f.state {
		case stateBody, stateChunkData:
			n := int(min(int64(len(rest)), f.remaining))
			f.appendBody(rest[:n])
			used += n
			f.remaining -= int64(n)
			if f.remaining > 0 {
				continue
			}
			if f.state == stateChunkData {
				f.state = stateChunkEnd
			} else {
				f.finish(h)
			}

		case stateUntilClose:
			f.appendBody(rest)
			used += len(rest)

		default:
			used++
			if err := f.step(rest[0], h); err != nil {
				return used, err
			}
		}

		if f.yield {
			f.yield = false
			return used, nil
		}
	}
	return used, nil
}

// step consumes one byte of a line-oriented state.
func (f *framer) step(b byte, h handler) error {
	if b != '\n' {
		if len(f.line) >= f.maxLine {
			return errs.Violation("%s: %s line longer than %d bytes", f.name, f.state, f.maxLine)
		}
		f.line = append(f.line, b)
		return nil
	}
	line := strings.TrimSuffix(string(f.line), "\r")
	f.line = f.line[:0]
	if strings.IndexByte(line, '\r') >= 0 {
		return errs.Violation("%s: bare CR in %s", f.name, f.state)
	}
	return f.endLine(line, h)
}

func (f *framer) endLine(line string, h handler) error {
	switch f.state {
	case stateStartLine:
		// Empty lines between pipelined messages are tolerated.
		if line == "" {
			return nil
		}
		if err := h.startLine(line); err != nil {
			return err
		}
		f.state = stateHeaders
		return nil

	case stateHeaders:
		if line == "" {
			return f.startBody(h)
		}
		return f.addHeader(line)

	case stateChunkSize:
		size, err := parseChunkSize(line)
		if err != nil || size < 0 {
			return errs.Violation("%s: chunk size %q", f.name, line)
		}
		if size == 0 {
			f.state = stateTrailers
			return nil
		}
		f.remaining = size
		f.state = stateChunkData
		return nil

	case stateChunkEnd:
		if line != "" {
			return errs.Violation("%s: %d bytes after chunk data", f.name, len(line))
		}
		f.state = stateChunkSize
		return nil

	case stateTrailers:
		if line == "" {
			f.finish(h)
			return nil
		}
		if !headerRegex.MatchString(line) {
			return errs.Violation("%s: trailer %q", f.name, line)
		}
		return nil
	}
	panic(fmt.Sprintf("http: line in %s", f.state))
}

func (f *framer) addHeader(line string) error {
	if line[0] == ' ' || line[0] == '\t' {
		// Obsolete line folding continues the previous value.
		if len(f.headers) == 0 {
			return errs.Violation("%s: continuation before first header", f.name)
		}
		last := &f.headers[len(f.headers)-1]
		last.Value += " " + strings.TrimSpace(line)
		return nil
	}
	m := headerRegex.FindStringSubmatch(line)
	if m == nil {
		return errs.Violation("%s: header %q", f.name, line)
	}
	if len(f.headers) >= constants.MaxHeaders {
		return errs.Violation("%s: more than %d headers", f.name, constants.MaxHeaders)
	}
	f.headers = append(f.headers, Header{Name: m[1], Value: m[2]})
	return nil
}

func (f *framer) startBody(h handler) error {
	mode, n, err := h.framing(f.headers)
	if err != nil {
		return err
	}
	switch mode {
	case bodyLength:
		if n == 0 {
			f.finish(h)
			return nil
		}
		f.remaining = n
		f.state = stateBody
	case bodyChunked:
		f.state = stateChunkSize
	case bodyUntilClose:
		f.state = stateUntilClose
	default:
		f.finish(h)
	}
	return nil
}

func (f *framer) appendBody(b []byte) {
	f.length += len(b)
	if room := f.maxBody - len(f.body); room > 0 {
		f.body = append(f.body, b[:min(room, len(b))]...)
	}
}

// finish hands the message to the handler and resets for the next one.
func (f *framer) finish(h handler) {
	h.complete(f.headers, f.body, f.length, f.length > len(f.body))
	f.state = stateStartLine
	f.headers, f.body, f.length, f.remaining = nil, nil, 0, 0
}

// closing completes a close-delimited body. Anything else in progress is
// dropped.
func (f *framer) closing(h handler) {
	if f.state == stateUntilClose {
		f.finish(h)
	}
}

// contentFraming applies the Transfer-Encoding and Content-Length rules
// common to requests and responses. ok is false when neither is present.
func contentFraming(name string, headers []Header) (mode bodyMode, n int64, ok bool, err error) {
	if te, found := get(headers, "Transfer-Encoding"); found {
		codings := strings.Split(te, ",")
		if strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked") {
			return bodyChunked, 0, true, nil
		}
		return bodyUntilClose, 0, true, nil
	}
	cl, found := get(headers, "Content-Length")
	if !found {
		return bodyNone, 0, false, nil
	}
	n, err = strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || n < 0 {
		return bodyNone, 0, false, errs.Violation("%s: Content-Length %q", name, cl)
	}
	return bodyLength, n, true, nil
}

func parseChunkSize(line string) (int64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" || len(line) > 15 {
		return 0, fmt.Errorf("chunk size %q", line)
	}
	return strconv.ParseInt(line, 16, 64)
}
