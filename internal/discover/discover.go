// Package discover locates a running worker from the UI side and keeps
// the connection alive across worker restarts.
package discover

import (
	"context"
	"errors"
	"sync"

	"github.com/ss-engineer-CTG/pmboard/internal/config"
	"github.com/ss-engineer-CTG/pmboard/internal/logging"
	"github.com/ss-engineer-CTG/pmboard/internal/portfile"
	"github.com/ss-engineer-CTG/pmboard/internal/probe"
)

// ErrWorkerNotFound means no serving worker was located on any port.
var ErrWorkerNotFound = errors.New("no running worker found")

// HostQuerier asks the daemon which port the worker is on.
type HostQuerier interface {
	CurrentPort() (int, error)
}

// Discoverer finds the worker's port. Sources are tried in order:
// daemon query, cached port hint, parallel candidate sweep, serial
// candidate sweep. Every source's answer is re-validated against the
// live worker before it is trusted.
type Discoverer struct {
	ports config.PortsConfig
	host  HostQuerier
	check probe.CheckFunc

	mu        sync.Mutex
	cached    int
	connected bool
}

// NewDiscoverer creates a Discoverer. host may be nil when no daemon
// socket is reachable; check must report whether a worker is serving
// on the port.
func NewDiscoverer(ports config.PortsConfig, host HostQuerier, check probe.CheckFunc) *Discoverer {
	return &Discoverer{ports: ports, host: host, check: check}
}

// Discover returns the worker's port. While connected the cached port
// is returned without probing; callers mark the connection lost via
// MarkDisconnected to force a fresh search.
func (d *Discoverer) Discover(ctx context.Context) (int, error) {
	d.mu.Lock()
	if d.connected && d.cached != 0 {
		port := d.cached
		d.mu.Unlock()
		return port, nil
	}
	d.mu.Unlock()

	if port, ok := d.fromHost(ctx); ok {
		return d.confirm(port, "daemon"), nil
	}
	if port, ok := d.fromHint(ctx); ok {
		return d.confirm(port, "hint"), nil
	}
	if port, ok := probe.FirstLive(ctx, d.ports.Candidates, d.ports.ParallelTimeout, d.ports.MaxConcurrent, d.check); ok {
		return d.confirm(port, "parallel sweep"), nil
	}
	if port, ok := probe.FirstLiveSerial(ctx, d.ports.Candidates, d.ports.SerialTimeout, d.check); ok {
		return d.confirm(port, "serial sweep"), nil
	}

	return 0, ErrWorkerNotFound
}

// MarkDisconnected drops the connected cache so the next Discover
// performs a full search.
func (d *Discoverer) MarkDisconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
}

// CachedPort returns the last confirmed port, if any.
func (d *Discoverer) CachedPort() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cached, d.cached != 0
}

func (d *Discoverer) fromHost(ctx context.Context) (int, bool) {
	if d.host == nil {
		return 0, false
	}
	port, err := d.host.CurrentPort()
	if err != nil {
		logging.Debug("daemon port query failed", "error", err)
		return 0, false
	}
	if !d.check(ctx, port) {
		logging.Warn("daemon reported a port that is not serving", "port", port)
		return 0, false
	}
	return port, true
}

func (d *Discoverer) fromHint(ctx context.Context) (int, bool) {
	if d.ports.HintFile == "" {
		return 0, false
	}
	rec, err := portfile.Read(d.ports.HintFile, d.ports.HintMaxAge)
	if err != nil {
		if !errors.Is(err, portfile.ErrNoRecord) {
			logging.Debug("port hint unusable", "error", err)
		}
		return 0, false
	}
	if !d.check(ctx, rec.Port) {
		return 0, false
	}
	return rec.Port, true
}

func (d *Discoverer) confirm(port int, source string) int {
	logging.Info("worker located", "port", port, "source", source)

	d.mu.Lock()
	d.cached = port
	d.connected = true
	d.mu.Unlock()

	if d.ports.HintFile != "" {
		if err := portfile.Write(d.ports.HintFile, port); err != nil {
			logging.Debug("failed to refresh port hint", "error", err)
		}
	}
	return port
}
