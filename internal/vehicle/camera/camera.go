// Package camera fetches still frames from an HTTP snapshot endpoint, as
// exposed by most companion-computer camera daemons.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eaglewings/powerwatch/internal/vehicle"
)

const maxFrameBytes = 16 << 20

// Client handles communication with the snapshot endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	seq        atomic.Uint64
}

// New creates a new snapshot client.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Healthcheck checks if the camera daemon is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthcheck", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w: %w", vehicle.ErrDeviceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d: %w", resp.StatusCode, vehicle.ErrDeviceUnavailable)
	}
	return nil
}

// Capture downloads one snapshot and decodes its dimensions.
func (c *Client) Capture(ctx context.Context) (vehicle.Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/snapshot", nil)
	if err != nil {
		return vehicle.Frame{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return vehicle.Frame{}, ctx.Err()
		}
		return vehicle.Frame{}, fmt.Errorf("snapshot request failed: %w: %w", vehicle.ErrDeviceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return vehicle.Frame{}, fmt.Errorf("snapshot returned status %d: %w", resp.StatusCode, vehicle.ErrDeviceUnavailable)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return vehicle.Frame{}, fmt.Errorf("failed to read snapshot: %w: %w", vehicle.ErrDeviceUnavailable, err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return vehicle.Frame{}, fmt.Errorf("failed to decode snapshot: %w: %w", vehicle.ErrDeviceUnavailable, err)
	}

	return vehicle.Frame{
		Seq:       c.seq.Add(1),
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    format,
		Data:      data,
		Timestamp: time.Now(),
	}, nil
}
