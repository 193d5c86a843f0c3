package analyze

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/endorses/flowscope/internal/pkg/engine"
	"github.com/endorses/flowscope/internal/pkg/logger"
	"github.com/endorses/flowscope/internal/pkg/pcapsource"
)

type frameSource interface {
	Next() (pcapsource.Frame, error)
}

type frameWriter interface {
	WriteFrame(f pcapsource.Frame) error
}

type replayConfig struct {
	DeviceID  string
	NetworkID string

	// Target, when set, is raised at the first frame and dropped after the
	// last.
	Target net.IP

	// SweepInterval is measured in capture time.
	SweepInterval time.Duration
}

// Summary describes one replay.
type Summary struct {
	Frames   uint64        `json:"frames"`
	Rejected uint64        `json:"rejected"`
	Events   uint64        `json:"events"`
	Contexts uint64        `json:"contexts_created"`
	Swept    int           `json:"contexts_swept"`
	Span     time.Duration `json:"capture_span_ns"`
}

// replay feeds every frame of src to e in file order. Frames the engine
// rejects are copied to rejected when it is not nil. Cancelling ctx stops
// between frames; the partial summary is returned with ctx's error.
func replay(ctx context.Context, src frameSource, e *engine.Engine, cfg replayConfig, rejected frameWriter) (Summary, error) {
	var (
		sum       Summary
		first     time.Time
		last      time.Time
		lastSweep time.Time
	)

	finish := func() {
		if cfg.Target != nil && !first.IsZero() {
			e.TargetDown(cfg.DeviceID, cfg.NetworkID, last)
		}
		sum.Span = last.Sub(first)
		sum.Contexts = e.Created()
	}

	for {
		if err := ctx.Err(); err != nil {
			finish()
			return sum, err
		}

		f, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			finish()
			return sum, err
		}
		sum.Frames++

		ts := f.Timestamp
		if first.IsZero() {
			first, lastSweep = ts, ts
			if cfg.Target != nil {
				e.TargetUp(cfg.DeviceID, cfg.NetworkID, cfg.Target, ts)
			}
		}
		if ts.After(last) {
			last = ts
		}

		err = e.Process(engine.Packet{
			DeviceID:  cfg.DeviceID,
			NetworkID: cfg.NetworkID,
			Data:      f.Data,
			Timestamp: ts,
		})
		if err != nil {
			sum.Rejected++
			if rejected != nil {
				if werr := rejected.WriteFrame(f); werr != nil {
					logger.Debug("Rejected frame not written", "error", werr)
				}
			}
		}

		if cfg.SweepInterval > 0 && ts.Sub(lastSweep) >= cfg.SweepInterval {
			sum.Swept += e.Sweep(ts)
			lastSweep = ts
		}
	}

	finish()
	return sum, nil
}
