package discover

import (
	"context"
	"sync"
	"time"

	"github.com/ss-engineer-CTG/pmboard/internal/config"
	"github.com/ss-engineer-CTG/pmboard/internal/logging"
	"github.com/ss-engineer-CTG/pmboard/internal/probe"
)

// Phase is the UI-facing connection phase.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseConnected
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Update is one state change pushed to the UI.
type Update struct {
	Phase       Phase
	Port        int
	Attempt     int
	MaxAttempts int
	NextRetryIn time.Duration
	ManualOnly  bool
	Err         string
}

// PortFinder is the discovery dependency of the Machine.
type PortFinder interface {
	Discover(ctx context.Context) (int, error)
	MarkDisconnected()
}

// Machine drives the reconnect cycle: discover, hold the connection
// with keepalive probes, and on loss retry automatically up to the
// configured budget before requiring a manual retry. The attempt
// counter resets on every successful connection.
type Machine struct {
	cfg    config.ClientConfig
	finder PortFinder
	alive  probe.CheckFunc

	updates chan Update
	retryc  chan struct{}
	pausec  chan bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMachine creates a reconnection Machine. alive must report whether
// the worker still serves on a port.
func NewMachine(cfg config.ClientConfig, finder PortFinder, alive probe.CheckFunc) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:     cfg,
		finder:  finder,
		alive:   alive,
		updates: make(chan Update, 16),
		retryc:  make(chan struct{}, 1),
		pausec:  make(chan bool, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the reconnect loop.
func (m *Machine) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the loop.
func (m *Machine) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Updates returns the channel of state changes.
func (m *Machine) Updates() <-chan Update {
	return m.updates
}

// Retry requests an immediate reconnect attempt. This is the only way
// forward once the automatic budget is spent.
func (m *Machine) Retry() {
	select {
	case m.retryc <- struct{}{}:
	default:
	}
}

// SetPaused suspends or resumes keepalive probing. The UI pauses while
// its window is unfocused.
func (m *Machine) SetPaused(paused bool) {
	select {
	case m.pausec <- paused:
	default:
	}
}

func (m *Machine) run() {
	defer m.wg.Done()
	defer close(m.updates)

	attempts := 0
	for {
		if m.ctx.Err() != nil {
			return
		}

		m.emit(Update{Phase: PhaseLoading, Attempt: attempts, MaxAttempts: m.cfg.AutoRetries})

		port, err := m.finder.Discover(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			attempts++
			if !m.waitBeforeRetry(attempts, err) {
				return
			}
			continue
		}

		attempts = 0
		m.emit(Update{Phase: PhaseConnected, Port: port})
		logging.Info("connected to worker", "port", port)

		if !m.holdConnection(port) {
			return
		}
		m.finder.MarkDisconnected()
	}
}

// waitBeforeRetry blocks until the next attempt should run. Within the
// automatic budget it counts down and retries on its own; past the
// budget it waits for a manual retry. Returns false on shutdown.
func (m *Machine) waitBeforeRetry(attempts int, cause error) bool {
	if attempts > m.cfg.AutoRetries {
		m.emit(Update{
			Phase:       PhaseDisconnected,
			Attempt:     attempts,
			MaxAttempts: m.cfg.AutoRetries,
			ManualOnly:  true,
			Err:         cause.Error(),
		})
		logging.Warn("automatic reconnect budget spent, waiting for manual retry", "attempts", attempts)

		select {
		case <-m.ctx.Done():
			return false
		case <-m.retryc:
			return true
		}
	}

	remaining := m.cfg.RetryCountdown
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		m.emit(Update{
			Phase:       PhaseDisconnected,
			Attempt:     attempts,
			MaxAttempts: m.cfg.AutoRetries,
			NextRetryIn: remaining,
			Err:         cause.Error(),
		})

		if remaining <= 0 {
			return true
		}

		select {
		case <-m.ctx.Done():
			return false
		case <-m.retryc:
			return true
		case <-ticker.C:
			remaining -= time.Second
		}
	}
}

// holdConnection runs keepalive probes until the worker stops
// answering. Returns false on shutdown.
func (m *Machine) holdConnection(port int) bool {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	paused := false
	for {
		select {
		case <-m.ctx.Done():
			return false

		case p := <-m.pausec:
			if p {
				paused = true
				logging.Debug("keepalive paused")
				continue
			}
			resumed := paused
			paused = false
			logging.Debug("keepalive resumed")
			// The worker may have died while probing was paused.
			if resumed && !m.checkAlive(port) {
				return true
			}

		case <-m.retryc:
			// Manual retry while connected forces a health check.
			if !m.checkAlive(port) {
				return true
			}

		case <-ticker.C:
			if paused {
				continue
			}
			if !m.checkAlive(port) {
				return true
			}
		}
	}
}

func (m *Machine) checkAlive(port int) bool {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ProbeTimeout)
	defer cancel()
	if m.alive(ctx, port) {
		return true
	}
	logging.Warn("worker stopped answering keepalive", "port", port)
	m.emit(Update{Phase: PhaseDisconnected, Port: port, Err: "worker stopped responding"})
	return false
}

func (m *Machine) emit(u Update) {
	select {
	case m.updates <- u:
	default: // drop when the UI is behind
	}
}
