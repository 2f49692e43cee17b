// Package remote runs marker detection in a vision sidecar reached over WebSocket.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eaglewings/powerwatch/internal/marker"
	"github.com/eaglewings/powerwatch/internal/vehicle"
	"github.com/eaglewings/powerwatch/pkg/streaming"
)

// Config configures the sidecar connection.
type Config struct {
	URL        string
	Secret     string
	Timeout    time.Duration // per frame
	Dictionary string
	MarkerSize float64
}

// Detector forwards frames to the sidecar and waits for its detections.
type Detector struct {
	cfg    Config
	conn   *connection
	seq    atomic.Uint64
	logger *slog.Logger
}

// New dials the sidecar.
func New(cfg Config, logger *slog.Logger) (*Detector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	hello, err := streaming.Encode(streaming.TypeHello, streaming.HelloPayload{
		Dictionary: cfg.Dictionary,
		MarkerSize: cfg.MarkerSize,
	})
	if err != nil {
		return nil, err
	}

	d := &Detector{cfg: cfg, conn: newConnection(logger), logger: logger}
	if err := d.conn.dial(cfg.URL, cfg.Secret, hello); err != nil {
		return nil, fmt.Errorf("%w: %w", marker.ErrDetector, err)
	}
	logger.Info("Connected to detector", "url", cfg.URL, "dictionary", cfg.Dictionary)
	return d, nil
}

// Detect sends the frame and blocks until the sidecar answers, the timeout
// expires or ctx is done. Transport problems are reported as ErrDetector.
func (d *Detector) Detect(ctx context.Context, frame vehicle.Frame) ([]marker.Observation, error) {
	if len(frame.Data) == 0 || frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("%w: empty frame %d", marker.ErrDetector, frame.Seq)
	}
	if !d.conn.connected() {
		return nil, fmt.Errorf("%w: not connected", marker.ErrDetector)
	}

	seq := d.seq.Add(1)
	data, err := streaming.Encode(streaming.TypeDetect, streaming.DetectRequest{
		Seq:    seq,
		Width:  frame.Width,
		Height: frame.Height,
		Format: frame.Format,
		Image:  frame.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", marker.ErrDetector, err)
	}

	ch := d.conn.register(seq)
	defer d.conn.forget(seq)

	if !d.conn.send(data) {
		return nil, fmt.Errorf("%w: send queue full", marker.ErrDetector)
	}

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", marker.ErrDetector, resp.Error)
		}
		return toObservations(resp.Markers), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response for frame %d within %s", marker.ErrDetector, seq, d.cfg.Timeout)
	case <-d.conn.done:
		return nil, fmt.Errorf("%w: connection closed", marker.ErrDetector)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func toObservations(markers []streaming.Marker) []marker.Observation {
	out := make([]marker.Observation, 0, len(markers))
	for _, m := range markers {
		var o marker.Observation
		o.ID = m.ID
		for i, c := range m.Corners {
			o.Corners[i] = marker.Point{X: c[0], Y: c[1]}
		}
		out = append(out, o)
	}
	return out
}

// Close shuts the connection down.
func (d *Detector) Close() error {
	return d.conn.close()
}
