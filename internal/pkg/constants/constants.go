// Package constants provides shared defaults used across flowscope components.
package constants

import "time"

// Flow lifetime defaults
const (
	// DefaultFlowTTL is the idle lifetime a context starts with
	DefaultFlowTTL = 5 * time.Minute

	// ClosingFlowTTL replaces the TTL of a TCP context once FIN or RST is seen,
	// so closed connections are reaped quickly
	ClosingFlowTTL = 10 * time.Second

	// SweepInterval is how much capture time passes between reaper sweeps
	SweepInterval = 30 * time.Second
)

// Reassembly bounds
//
// These caps implement a lossy-under-pressure policy: when a bound is hit
// the oldest state is evicted (fragments) or the gap is skipped (segments).
// The producer is never blocked or signalled.
const (
	// FragmentQueueSize is the number of IPv4 fragments one network context
	// buffers before evicting the oldest fragment and its datagram
	FragmentQueueSize = 64

	// MaxBufferedSegments is the number of out-of-order TCP segments one
	// transport context holds before skipping to the lowest buffered sequence
	MaxBufferedSegments = 32

	// IdentBufferSize is the number of stream bytes sniffed before the
	// service signatures are tried
	IdentBufferSize = 16
)

// Parser limits
const (
	// MaxBodySize is the number of HTTP body bytes retained per message.
	// Bodies are always consumed to their declared length; only retention is capped
	MaxBodySize = 1 << 20

	// MaxLineLength bounds request lines, header lines and text protocol lines
	MaxLineLength = 8192

	// MaxHeaders bounds the header count of one HTTP message
	MaxHeaders = 128

	// MaxPendingRequests bounds the HTTP requests awaiting a response on one
	// flow; the oldest is dropped when the cap is hit
	MaxPendingRequests = 64

	// MaxDataSize bounds retained SMTP DATA bytes per message
	MaxDataSize = 16 << 20

	// MaxPayloadSize bounds the bytes copied into unrecognised stream and
	// datagram events
	MaxPayloadSize = 64 << 10
)

// Output buffering
const (
	// EventChannelBuffer is the buffer between the engine observer and the
	// output writer goroutine (strategy: large, absorbs bursts)
	EventChannelBuffer = 1000

	// SignalChannelBuffer is the buffer size for OS signal channels
	SignalChannelBuffer = 1
)
