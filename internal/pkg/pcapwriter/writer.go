// Package pcapwriter writes frames to a pcap file from a background
// goroutine.
package pcapwriter

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/endorses/flowscope/internal/pkg/constants"
	"github.com/endorses/flowscope/internal/pkg/logger"
	"github.com/endorses/flowscope/internal/pkg/pcapsource"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// snapLen is written to the file header.
const snapLen = 65536

// Writer writes frames to a pcap file.
type Writer struct {
	filePath string
	file     *os.File
	writer   *pcapgo.Writer

	// mu guards sends on frames against Close.
	mu     sync.RWMutex
	closed bool
	frames chan pcapsource.Frame
	done   chan struct{}

	syncInterval time.Duration

	packetCount  atomic.Int64
	bytesWritten atomic.Int64
	dropped      atomic.Int64
}

// Config for a Writer.
type Config struct {
	FilePath     string
	LinkType     layers.LinkType
	BufferSize   int           // queued frames before WriteFrame drops
	SyncInterval time.Duration // how often to sync to disk, 0 disables
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		LinkType:     layers.LinkTypeRaw,
		BufferSize:   constants.EventChannelBuffer,
		SyncInterval: 5 * time.Second,
	}
}

// New creates the file and writes its header.
func New(config *Config) (*Writer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FilePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = constants.EventChannelBuffer
	}

	file, err := os.Create(config.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create PCAP file: %w", err)
	}
	pw := pcapgo.NewWriter(file)
	if err := pw.WriteFileHeader(snapLen, config.LinkType); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write PCAP header: %w", err)
	}

	w := &Writer{
		filePath:     config.FilePath,
		file:         file,
		writer:       pw,
		frames:       make(chan pcapsource.Frame, config.BufferSize),
		done:         make(chan struct{}),
		syncInterval: config.SyncInterval,
	}
	go w.writeLoop()

	logger.Info("Created PCAP writer",
		"file", config.FilePath,
		"link_type", config.LinkType.String(),
		"buffer_size", config.BufferSize)
	return w, nil
}

// WriteFrame queues a frame without blocking. A full queue drops it.
func (w *Writer) WriteFrame(f pcapsource.Frame) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	select {
	case w.frames <- f:
		return nil
	default:
		w.dropped.Add(1)
		logger.Warn("Frame dropped due to full write buffer", "file", w.filePath)
		return fmt.Errorf("write buffer full")
	}
}

func (w *Writer) writeLoop() {
	defer close(w.done)

	var tick <-chan time.Time
	if w.syncInterval > 0 {
		ticker := time.NewTicker(w.syncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case f, ok := <-w.frames:
			if !ok {
				return
			}
			if err := w.write(f); err != nil {
				logger.Error("Failed to write frame", "error", err, "file", w.filePath)
			}
		case <-tick:
			if err := w.file.Sync(); err != nil {
				logger.Warn("Failed to sync PCAP file", "error", err, "file", w.filePath)
			}
		}
	}
}

func (w *Writer) write(f pcapsource.Frame) error {
	ci := f.CaptureInfo
	ci.CaptureLength = len(f.Data)
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	if err := w.writer.WritePacket(ci, f.Data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	w.packetCount.Add(1)
	w.bytesWritten.Add(int64(len(f.Data)))
	return nil
}

// Close writes every queued frame and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.frames)
	w.mu.Unlock()

	<-w.done

	if err := w.file.Sync(); err != nil {
		logger.Warn("Failed to sync PCAP file", "error", err, "file", w.filePath)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close PCAP file: %w", err)
	}

	logger.Info("Closed PCAP writer",
		"file", w.filePath,
		"packets", w.packetCount.Load(),
		"bytes", w.bytesWritten.Load(),
		"dropped", w.dropped.Load())
	return nil
}

// Stats returns how many frames and bytes were written.
func (w *Writer) Stats() (packetCount, bytesWritten int64) {
	return w.packetCount.Load(), w.bytesWritten.Load()
}

// Dropped returns how many frames were refused because the queue was full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// FilePath returns the file path being written to.
func (w *Writer) FilePath() string {
	return w.filePath
}
