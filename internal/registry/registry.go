// Package registry resolves the port a new worker will bind. Resolution is
// layered: env override, persisted hint, candidate probing, then a range
// scan. Every layer re-validates the port before returning it.
package registry

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/ss-engineer-CTG/pmboard/internal/config"
	"github.com/ss-engineer-CTG/pmboard/internal/logging"
	"github.com/ss-engineer-CTG/pmboard/internal/portfile"
	"github.com/ss-engineer-CTG/pmboard/internal/probe"
)

// ErrNoPortAvailable is fatal: no candidate or scanned port can be bound.
var ErrNoPortAvailable = errors.New("registry: no port available for worker")

// Registry picks usable ports for worker launches.
type Registry struct {
	cfg config.PortsConfig

	// usable reports whether a port can host a new worker. Defaults to a
	// bind probe; tests substitute their own.
	usable probe.CheckFunc
}

// New creates a Registry with the default bind-probe validation.
func New(cfg config.PortsConfig) *Registry {
	return &Registry{
		cfg: cfg,
		usable: func(_ context.Context, port int) bool {
			return probe.Free(port)
		},
	}
}

// Resolve returns a port for the next worker launch.
//
// Order: PMBOARD_API_PORT env override, persisted hint, parallel candidate
// probe with short timeouts, serial candidate probe with longer timeouts,
// then an incrementing scan of the configured range. Each source's port is
// validated live before use; stale or busy ports fall through silently.
func (r *Registry) Resolve(ctx context.Context) (int, error) {
	if port, ok := r.fromEnv(ctx); ok {
		logging.Info("port resolved from env override", "port", port)
		return port, nil
	}

	if port, ok := r.fromHint(ctx); ok {
		logging.Info("port resolved from persisted hint", "port", port)
		return port, nil
	}

	if port, ok := probe.FirstLive(ctx, r.cfg.Candidates, r.cfg.ParallelTimeout, r.cfg.MaxConcurrent, r.usable); ok {
		logging.Info("port resolved from candidate list", "port", port)
		return port, nil
	}
	if port, ok := probe.FirstLiveSerial(ctx, r.cfg.Candidates, r.cfg.SerialTimeout, r.usable); ok {
		logging.Info("port resolved from serial candidate pass", "port", port)
		return port, nil
	}

	if port, ok := r.scanRange(ctx); ok {
		logging.Info("port resolved from range scan", "port", port)
		return port, nil
	}

	return 0, ErrNoPortAvailable
}

func (r *Registry) fromEnv(ctx context.Context) (int, bool) {
	raw := os.Getenv(config.PortEnvVar)
	if raw == "" {
		return 0, false
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		logging.Warn("ignoring invalid port override", "value", raw)
		return 0, false
	}
	if !r.usable(ctx, port) {
		logging.Warn("port override not usable, falling back", "port", port)
		return 0, false
	}
	return port, true
}

func (r *Registry) fromHint(ctx context.Context) (int, bool) {
	rec, err := portfile.Read(r.cfg.HintFile, r.cfg.HintMaxAge)
	if err != nil {
		return 0, false
	}
	if !r.usable(ctx, rec.Port) {
		return 0, false
	}
	return rec.Port, true
}

func (r *Registry) scanRange(ctx context.Context) (int, bool) {
	for port := r.cfg.ScanStart; port <= r.cfg.ScanEnd; port++ {
		if ctx.Err() != nil {
			return 0, false
		}
		if r.usable(ctx, port) {
			return port, true
		}
	}
	return 0, false
}
