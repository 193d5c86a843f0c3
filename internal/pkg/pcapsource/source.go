// Package pcapsource replays pcap and pcapng capture files.
package pcapsource

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/endorses/flowscope/internal/pkg/logger"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Format is the container format of a capture file.
type Format string

const (
	FormatPcap   Format = "pcap"
	FormatPcapng Format = "pcapng"
)

// Frame is one captured packet.
type Frame struct {
	gopacket.CaptureInfo
	Data []byte
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Reader yields the frames of a capture file in file order.
type Reader struct {
	src      packetReader
	linkType layers.LinkType
	format   Format
	closer   io.Closer
	frames   uint64
}

// Open opens the capture file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f

	logger.Info("Opened capture file",
		"file", path,
		"format", string(r.format),
		"link_type", r.linkType.String())
	return r, nil
}

// NewReader detects the format of r from its magic number.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return nil, fmt.Errorf("failed to read magic bytes: %w", err)
	}

	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to create pcapng reader: %w", err)
		}
		return &Reader{src: ng, linkType: ng.LinkType(), format: FormatPcapng}, nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap reader: %w", err)
	}
	return &Reader{src: pr, linkType: pr.LinkType(), format: FormatPcap}, nil
}

// LinkType returns the link type of the capture. For pcapng it is the link
// type of the first interface.
func (r *Reader) LinkType() layers.LinkType {
	return r.linkType
}

// Format returns the container format.
func (r *Reader) Format() Format {
	return r.format
}

// Next returns the next frame, or io.EOF after the last one.
func (r *Reader) Next() (Frame, error) {
	data, ci, err := r.src.ReadPacketData()
	if err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("failed to read frame %d: %w", r.frames+1, err)
	}
	r.frames++
	return Frame{CaptureInfo: ci, Data: data}, nil
}

// Frames returns how many frames have been read.
func (r *Reader) Frames() uint64 {
	return r.frames
}

// Close releases the underlying file, if Open created it.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
