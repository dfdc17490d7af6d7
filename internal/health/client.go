// Package health implements the HTTP contract with the backend worker:
// a fast liveness endpoint, a readiness endpoint with per-component
// status, and a best-effort graceful shutdown endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// Endpoint paths exposed by the worker.
const (
	LivenessPath  = "/api/health"
	ReadinessPath = "/api/system/readiness"
	ShutdownPath  = "/api/shutdown"
)

// Readiness values reported by the worker.
const (
	ReadinessInitializing = "initializing"
	ReadinessPartial      = "partial"
	ReadinessComplete     = "complete"
	ReadinessError        = "error"
)

// Snapshot is one poll of the worker's readiness endpoint. Snapshots are
// immutable; each poll tick produces a fresh one.
type Snapshot struct {
	Progress   int             `json:"progress"`
	Readiness  string          `json:"readiness"`
	Components map[string]bool `json:"components"`
	ElapsedSec float64         `json:"elapsed_seconds,omitempty"`
}

// Client talks to a worker instance over HTTP on localhost.
type Client struct {
	http *http.Client
}

// NewClient creates a health client. The timeout applies per request
// unless the caller's context expires first.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
	}
}

// Alive reports whether the worker answers its liveness endpoint at all.
// Any 2xx counts; readiness is a separate, stronger signal.
func (c *Client) Alive(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(port, LivenessPath), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Readiness fetches the worker's self-reported initialization state.
func (c *Client) Readiness(ctx context.Context, port int) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(port, ReadinessPath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("readiness endpoint returned %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode readiness: %w", err)
	}
	if snap.Progress < 0 {
		snap.Progress = 0
	}
	if snap.Progress > 100 {
		snap.Progress = 100
	}
	return &snap, nil
}

// Shutdown asks the worker to stop itself. Callers escalate to process
// signals if the worker survives its grace window.
func (c *Client) Shutdown(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(port, ShutdownPath), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("shutdown endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) url(port int, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}

// Category is a user-facing failure classification. Raw transport errors
// never reach the UI; they are translated here.
type Category string

const (
	CategoryTimeout     Category = "timeout"
	CategoryNetwork     Category = "network"
	CategoryServerError Category = "server-error"
)

// Categorize maps a probe error to its user-facing category.
func Categorize(err error) Category {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return CategoryTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return CategoryTimeout
	case errors.As(err, new(*net.OpError)):
		return CategoryNetwork
	default:
		return CategoryServerError
	}
}

// UserMessage returns actionable text for a failure category.
func UserMessage(cat Category) string {
	switch cat {
	case CategoryTimeout:
		return "The backend is taking too long to respond. It may still be starting up."
	case CategoryNetwork:
		return "Cannot reach the backend. Check that it is running, or retry."
	default:
		return "The backend reported an internal error. Restarting it may help."
	}
}
