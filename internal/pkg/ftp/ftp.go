// Package ftp decodes the FTP control connection: client commands and
// server replies. Data connections are not followed; their endpoints are
// reported on the PORT command and the 227 passive reply.
package ftp

import (
	"net/netip"
	"regexp"
	"strconv"
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/detector"
	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/endorses/flowscope/internal/pkg/lineproto"
)

var hostPortRegex = regexp.MustCompile(`(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3})`)

// Command is the detail of an ftp_command event. Arguments are kept as
// sent, including the PASS argument.
type Command struct {
	lineproto.Command `yaml:",inline"`

	// DataEndpoint is the address announced by PORT.
	DataEndpoint string `json:"data_endpoint,omitempty" yaml:"data_endpoint,omitempty"`
}

// Response is the detail of an ftp_response event.
type Response struct {
	lineproto.Reply `yaml:",inline"`

	// DataEndpoint is the address announced by a 227 passive reply.
	DataEndpoint string `json:"data_endpoint,omitempty" yaml:"data_endpoint,omitempty"`
}

// NewService returns the FTP control connection service.
func NewService(em *event.Emitter) detector.Service {
	return detector.Service{
		Name:      "ftp",
		Kind:      flowtree.KindFTP,
		Protocol:  address.ProtocolFTP,
		Ports:     detector.WellKnownPorts(flowtree.KindFTP),
		Signature: detector.DefaultSignature(flowtree.KindFTP),
		New: func(dir detector.Direction) detector.Parser {
			if dir == detector.ToClient {
				return &serverParser{emitter: em, replies: lineproto.NewReplyParser("ftp")}
			}
			return &clientParser{emitter: em, commands: lineproto.NewCommandParser("ftp")}
		},
	}
}

type clientParser struct {
	emitter  *event.Emitter
	commands *lineproto.CommandParser
}

func (p *clientParser) Feed(app *flowtree.Context, data []byte, ts time.Time) error {
	var (
		cmds []*Command
		err  error
	)
	app.Lock()
	for _, b := range data {
		var c *lineproto.Command
		if c, err = p.commands.Step(b); err != nil {
			break
		}
		if c != nil {
			cmds = append(cmds, newCommand(*c))
		}
	}
	app.Unlock()

	for _, c := range cmds {
		p.emitter.Emit(app, event.FTPCommand, ts, c)
	}
	return err
}

func (p *clientParser) Close(*flowtree.Context, time.Time) {}

func newCommand(c lineproto.Command) *Command {
	cmd := &Command{Command: c}
	if c.Verb == "PORT" {
		cmd.DataEndpoint = hostPort(c.Argument)
	}
	return cmd
}

type serverParser struct {
	emitter *event.Emitter
	replies *lineproto.ReplyParser
}

func (p *serverParser) Feed(app *flowtree.Context, data []byte, ts time.Time) error {
	app.Lock()
	replies, err := p.replies.Feed(data)
	app.Unlock()

	for _, r := range replies {
		resp := &Response{Reply: r}
		if r.Code == 227 {
			resp.DataEndpoint = hostPort(r.Text())
		}
		p.emitter.Emit(app, event.FTPResponse, ts, resp)
	}
	return err
}

func (p *serverParser) Close(*flowtree.Context, time.Time) {}

// hostPort decodes the "h1,h2,h3,h4,p1,p2" form used by PORT and PASV.
// Anything else yields "".
func hostPort(s string) string {
	m := hostPortRegex.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	var n [6]int
	for i := range n {
		v, err := strconv.Atoi(m[i+1])
		if err != nil || v > 255 {
			return ""
		}
		n[i] = v
	}
	addr := netip.AddrFrom4([4]byte{byte(n[0]), byte(n[1]), byte(n[2]), byte(n[3])})
	return netip.AddrPortFrom(addr, uint16(n[4]<<8|n[5])).String()
}
