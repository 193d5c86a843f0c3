// Package http decodes HTTP/1.x dialogues from reassembled TCP streams.
// Each direction is parsed by its own state machine; responses are paired
// with requests through the request side's queue of outstanding requests.
package http

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/constants"
	"github.com/endorses/flowscope/internal/pkg/detector"
	"github.com/endorses/flowscope/internal/pkg/errs"
	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
)

// HTTP methods (RFC 7231 + common extensions)
var validMethods = map[string]bool{
	"GET":      true,
	"HEAD":     true,
	"POST":     true,
	"PUT":      true,
	"DELETE":   true,
	"CONNECT":  true,
	"OPTIONS":  true,
	"TRACE":    true,
	"PATCH":    true,
	"PROPFIND": true,
}

// Common HTTP status reasons
var statusReasons = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	429: "Too Many Requests",
	500: "Internal Server Error",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

var (
	// Request line: METHOD TARGET HTTP/VERSION
	requestLineRegex = regexp.MustCompile(`^([A-Z]+) ([^\s]+) HTTP/(\d\.\d)$`)
	// Status line: HTTP/VERSION STATUS REASON
	statusLineRegex = regexp.MustCompile(`^HTTP/(\d\.\d) (\d{3})(?: (.*))?$`)
)

// Request is the detail of an http_request event.
type Request struct {
	Method        string   `json:"method" yaml:"method"`
	URL           string   `json:"url" yaml:"url"`
	Path          string   `json:"path" yaml:"path"`
	QueryString   string   `json:"query_string,omitempty" yaml:"query_string,omitempty"`
	Version       string   `json:"version" yaml:"version"`
	Host          string   `json:"host,omitempty" yaml:"host,omitempty"`
	Headers       []Header `json:"headers" yaml:"headers"`
	BodyLength    int      `json:"body_length" yaml:"body_length"`
	Body          []byte   `json:"body,omitempty" yaml:"body,omitempty"`
	BodyTruncated bool     `json:"body_truncated,omitempty" yaml:"body_truncated,omitempty"`
}

// Response is the detail of an http_response event. Method and URL are
// those of the request it answers, when that request was seen.
type Response struct {
	Version       string   `json:"version" yaml:"version"`
	StatusCode    int      `json:"status_code" yaml:"status_code"`
	StatusReason  string   `json:"status_reason,omitempty" yaml:"status_reason,omitempty"`
	Headers       []Header `json:"headers" yaml:"headers"`
	BodyLength    int      `json:"body_length" yaml:"body_length"`
	Body          []byte   `json:"body,omitempty" yaml:"body,omitempty"`
	BodyTruncated bool     `json:"body_truncated,omitempty" yaml:"body_truncated,omitempty"`
	Method        string   `json:"method,omitempty" yaml:"method,omitempty"`
	URL           string   `json:"url,omitempty" yaml:"url,omitempty"`
}

// pending is one request awaiting its response.
type pending struct {
	method string
	url    string
}

// NewService returns the HTTP service. maxBody caps the retained bytes of
// each body; zero selects the default.
func NewService(em *event.Emitter, maxBody int) detector.Service {
	return detector.Service{
		Name:      "http",
		Kind:      flowtree.KindHTTP,
		Protocol:  address.ProtocolHTTP,
		Signature: detector.DefaultSignature(flowtree.KindHTTP),
		New: func(dir detector.Direction) detector.Parser {
			if dir == detector.ToClient {
				return &responseParser{emitter: em, frame: newFramer("http response", maxBody)}
			}
			return &requestParser{emitter: em, frame: newFramer("http request", maxBody)}
		},
	}
}

// requestParser decodes the client side. Its queue of outstanding
// requests is read by the response parser of the reverse flow.
type requestParser struct {
	emitter *event.Emitter
	frame   framer

	current *Request
	done    []*Request

	// queue is guarded by the lock of this parser's context.
	queue []pending
}

func (p *requestParser) Feed(app *flowtree.Context, data []byte, ts time.Time) error {
	app.Lock()
	_, err := p.frame.feed(data, p)
	done := p.done
	p.done = nil
	app.Unlock()

	for _, req := range done {
		p.emitter.Emit(app, event.HTTPRequest, ts, req)
	}
	return err
}

func (p *requestParser) Close(*flowtree.Context, time.Time) {}

func (p *requestParser) startLine(line string) error {
	m := requestLineRegex.FindStringSubmatch(line)
	if m == nil || !validMethods[m[1]] {
		return errs.Violation("http request: request line %q", line)
	}
	req := &Request{Method: m[1], URL: m[2], Path: m[2], Version: "HTTP/" + m[3]}
	if i := strings.IndexByte(req.Path, '?'); i >= 0 {
		req.Path, req.QueryString = req.Path[:i], req.Path[i+1:]
	}
	p.current = req
	return nil
}

func (p *requestParser) framing(headers []Header) (bodyMode, int64, error) {
	p.current.Host, _ = get(headers, "Host")
	p.push(pending{method: p.current.Method, url: p.current.URL})

	mode, n, _, err := contentFraming("http request", headers)
	if err != nil {
		return bodyNone, 0, err
	}
	if mode == bodyUntilClose {
		return bodyNone, 0, errs.Violation("http request: transfer coding without chunked")
	}
	return mode, n, nil
}

func (p *requestParser) complete(headers []Header, body []byte, length int, truncated bool) {
	req := p.current
	p.current = nil
	req.Headers = headers
	req.Body, req.BodyLength, req.BodyTruncated = body, length, truncated
	p.done = append(p.done, req)
}

func (p *requestParser) push(r pending) {
	if len(p.queue) >= constants.MaxPendingRequests {
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, r)
}

// pop removes the oldest outstanding request. The caller holds the lock
// of this parser's context.
func (p *requestParser) pop() (pending, bool) {
	if len(p.queue) == 0 {
		return pending{}, false
	}
	r := p.queue[0]
	p.queue = p.queue[1:]
	return r, true
}

// responseParser decodes the server side.
type responseParser struct {
	emitter *event.Emitter
	frame   framer

	current *Response
	done    []*Response

	// correlate is set once a final status line is read and the request
	// it answers must be taken from the reverse flow.
	correlate bool
}

func (p *responseParser) Feed(app *flowtree.Context, data []byte, ts time.Time) error {
	for len(data) > 0 {
		app.Lock()
		n, err := p.frame.feed(data, p)
		done := p.done
		p.done = nil
		correlate := p.correlate
		p.correlate = false
		app.Unlock()

		for _, resp := range done {
			p.emitter.Emit(app, event.HTTPResponse, ts, resp)
		}
		if err != nil {
			return err
		}
		data = data[n:]

		if correlate {
			req, ok := requestFor(app)
			app.Lock()
			if ok && p.current != nil {
				p.current.Method, p.current.URL = req.method, req.url
			}
			app.Unlock()
		}
	}
	return nil
}

func (p *responseParser) Close(app *flowtree.Context, ts time.Time) {
	app.Lock()
	p.frame.closing(p)
	done := p.done
	p.done = nil
	app.Unlock()

	for _, resp := range done {
		p.emitter.Emit(app, event.HTTPResponse, ts, resp)
	}
}

// requestFor takes the oldest outstanding request from the request side
// of the dialogue. It must be called without any context lock held.
func requestFor(app *flowtree.Context) (pending, bool) {
	rev := flowtree.Reverse(app)
	if rev == nil {
		return pending{}, false
	}
	req, ok := rev.State().(*requestParser)
	if !ok {
		return pending{}, false
	}
	rev.Lock()
	defer rev.Unlock()
	return req.pop()
}

func (p *responseParser) startLine(line string) error {
	m := statusLineRegex.FindStringSubmatch(line)
	if m == nil {
		return errs.Violation("http response: status line %q", line)
	}
	code, _ := strconv.Atoi(m[2])
	if code < 100 || code > 599 {
		return errs.Violation("http response: status code %d", code)
	}
	reason := m[3]
	if reason == "" {
		reason = statusReasons[code]
	}
	p.current = &Response{Version: "HTTP/" + m[1], StatusCode: code, StatusReason: reason}

	// Interim responses do not answer the request.
	if code >= 200 || code == 101 {
		p.correlate = true
		p.frame.yield = true
	}
	return nil
}

func (p *responseParser) framing(headers []Header) (bodyMode, int64, error) {
	resp := p.current
	if resp.Method == "HEAD" || resp.StatusCode < 200 || resp.StatusCode == 204 || resp.StatusCode == 304 {
		return bodyNone, 0, nil
	}
	mode, n, ok, err := contentFraming("http response", headers)
	if err != nil {
		return bodyNone, 0, err
	}
	if !ok {
		return bodyUntilClose, 0, nil
	}
	return mode, n, nil
}

func (p *responseParser) complete(headers []Header, body []byte, length int, truncated bool) {
	resp := p.current
	p.current = nil
	resp.Headers = headers
	resp.Body, resp.BodyLength, resp.BodyTruncated = body, length, truncated
	p.done = append(p.done, resp)
}
