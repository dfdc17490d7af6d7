// Package daemon implements the pmboardd background service: it hosts
// the worker supervisor and exposes it over the control socket.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ss-engineer-CTG/pmboard/internal/config"
	"github.com/ss-engineer-CTG/pmboard/internal/control"
	"github.com/ss-engineer-CTG/pmboard/internal/health"
	"github.com/ss-engineer-CTG/pmboard/internal/logging"
	"github.com/ss-engineer-CTG/pmboard/internal/reaper"
	"github.com/ss-engineer-CTG/pmboard/internal/registry"
	"github.com/ss-engineer-CTG/pmboard/internal/store"
	"github.com/ss-engineer-CTG/pmboard/internal/supervisor"
	"github.com/ss-engineer-CTG/pmboard/internal/worker"
)

// eventRetention is how long lifecycle events are kept.
const eventRetention = 7 * 24 * time.Hour

// Daemon hosts the worker supervisor and the control plane.
type Daemon struct {
	config *config.Config
	store  *store.Store
	server *control.Server
	sup    *supervisor.Supervisor

	done chan struct{}
	wg   sync.WaitGroup

	shutdownOnce sync.Once
}

// supProxy defers Controller calls until the supervisor exists; the
// bridge is created before the supervisor because the supervisor needs
// the bridge as its notifier.
type supProxy struct {
	d *Daemon
}

func (p supProxy) Status() supervisor.Status { return p.d.sup.Status() }
func (p supProxy) Restart()                  { p.d.sup.Restart() }

// sessionRecorder persists lifecycle events and keeps the session's
// worker identity current.
type sessionRecorder struct {
	d *Daemon
}

func (r sessionRecorder) RecordEvent(kind, detail string) error {
	if kind == "worker_ready" {
		st := r.d.sup.Status()
		if err := r.d.store.SetWorker(st.PID, st.Port); err != nil {
			logging.Warn("failed to record worker identity", "error", err)
		}
	}
	return r.d.store.RecordEvent(kind, detail)
}

// eventSource adapts the store to the control plane's event API.
type eventSource struct {
	st *store.Store
}

func (s eventSource) RecentEvents(limit int) ([]control.EventInfo, error) {
	events, err := s.st.RecentEvents(limit)
	if err != nil {
		return nil, err
	}
	infos := make([]control.EventInfo, 0, len(events))
	for _, e := range events {
		infos = append(infos, control.EventInfo{
			ID:        e.ID,
			SessionID: e.SessionID,
			Kind:      e.Kind,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	return infos, nil
}

// New creates a daemon instance.
func New(cfg *config.Config) (*Daemon, error) {
	st, err := store.New(cfg.Daemon.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &Daemon{
		config: cfg,
		store:  st,
		server: control.NewServer(cfg.Daemon.Socket),
		done:   make(chan struct{}),
	}

	bridge := control.NewBridge(d.server, supProxy{d}, eventSource{st})

	checker := health.NewClient(cfg.Worker.ReadyProbe.Timeout)
	d.sup = supervisor.New(cfg,
		registry.New(cfg.Ports),
		worker.NewLauncher(cfg.Worker, cfg.Ports.HintFile),
		reaper.New(cfg.Worker.Signature, cfg.Worker.Shutdown.TermGrace),
		checker,
		bridge,
		sessionRecorder{d},
	)

	return d, nil
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run() error {
	if _, err := d.store.StartSession(); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	if err := d.server.Start(); err != nil {
		return err
	}
	logging.Info("control server listening", "socket", d.config.Daemon.Socket)

	d.sup.Start()

	d.wg.Add(1)
	go d.safeLoop("event-prune-loop", d.pruneLoop)

	sigCh := make(chan os.Signal, 2) // room for a second, forcing signal
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	return d.signalLoop(sigCh)
}

func (d *Daemon) signalLoop(sigCh <-chan os.Signal) error {
	for {
		sig := <-sigCh

		switch sig {
		case syscall.SIGHUP:
			logging.Info("received SIGHUP, restarting worker")
			d.sup.Restart()

		case syscall.SIGINT, syscall.SIGTERM:
			logging.Info("received shutdown signal, starting graceful shutdown", "signal", sig.String())

			shutdownDone := make(chan struct{})
			go func() {
				d.gracefulShutdown()
				close(shutdownDone)
			}()

			select {
			case <-shutdownDone:
				logging.Info("graceful shutdown complete")
				return nil

			case sig2 := <-sigCh:
				logging.Warn("received second signal, forcing immediate shutdown", "signal", sig2.String())
				d.forceShutdown()
				return fmt.Errorf("forced shutdown by signal: %s", sig2.String())
			}
		}
	}
}

// gracefulShutdown tears the stack down worker first, so clients see
// server-down before the socket vanishes.
func (d *Daemon) gracefulShutdown() {
	d.shutdownOnce.Do(func() {
		close(d.done)
		d.wg.Wait()

		d.sup.Stop()
		d.server.Stop()

		if err := d.store.EndSession(); err != nil {
			logging.Warn("failed to close session", "error", err)
		}
		d.store.Close()
	})
}

func (d *Daemon) forceShutdown() {
	d.server.Stop()
	d.store.Close()
}

func (d *Daemon) pruneLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if n, err := d.store.PruneEvents(eventRetention); err != nil {
				logging.Warn("event prune failed", "error", err)
			} else if n > 0 {
				logging.Debug("pruned old events", "count", n)
			}
		}
	}
}

// safeLoop runs a loop goroutine with panic recovery.
func (d *Daemon) safeLoop(name string, fn func()) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "goroutine", name)
		}
	}()
	fn()
}
