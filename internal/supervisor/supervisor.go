// Package supervisor owns the worker lifecycle: port resolution, stale
// process cleanup, launch, readiness confirmation, crash recovery, and
// shutdown. All state transitions happen on a single run goroutine; the
// rest of the daemon observes through Status snapshots and notifier
// callbacks.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/ss-engineer-CTG/pmboard/internal/config"
	"github.com/ss-engineer-CTG/pmboard/internal/health"
	"github.com/ss-engineer-CTG/pmboard/internal/logging"
	"github.com/ss-engineer-CTG/pmboard/internal/registry"
	"github.com/ss-engineer-CTG/pmboard/internal/worker"
)

var (
	// ErrReadinessTimeout means the worker process is up but never
	// confirmed readiness within the startup window.
	ErrReadinessTimeout = errors.New("worker readiness timed out")

	// ErrRecoveryExhausted means the restart cap was reached and
	// automatic recovery has stopped.
	ErrRecoveryExhausted = errors.New("worker restart limit reached")

	// ErrWorkerError means the worker's readiness endpoint reported an
	// initialization error.
	ErrWorkerError = errors.New("worker reported readiness error")
)

// State is the worker connection lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateStarting
	StateReady
	StateRestarting
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the supervised worker.
type Status struct {
	State        State           `json:"state"`
	Port         int             `json:"port"`
	PID          int             `json:"pid"`
	Degraded     bool            `json:"degraded"`
	RestartCount int             `json:"restart_count"`
	Progress     int             `json:"progress"`
	Components   map[string]bool `json:"components,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Since        time.Time       `json:"since"`
}

// PortResolver yields a usable port for the next launch.
type PortResolver interface {
	Resolve(ctx context.Context) (int, error)
}

// Launcher spawns a worker bound to the given port.
type Launcher interface {
	Launch(ctx context.Context, port int) (*worker.Handle, error)
}

// Reaper clears stale worker processes before a launch.
type Reaper interface {
	Reap(ctx context.Context, ports []int) int
}

// Prober checks worker health over HTTP.
type Prober interface {
	Alive(ctx context.Context, port int) bool
	Readiness(ctx context.Context, port int) (*health.Snapshot, error)
	Shutdown(ctx context.Context, port int) error
}

// Notifier receives lifecycle pushes for the control plane.
type Notifier interface {
	ConnectionEstablished(port int)
	ServerDown(message string)
	ServerRestarted(port int)
	ReadinessProgress(percent int, components map[string]bool)
}

// EventRecorder persists lifecycle events.
type EventRecorder interface {
	RecordEvent(kind, detail string) error
}

type nopNotifier struct{}

func (nopNotifier) ConnectionEstablished(int)            {}
func (nopNotifier) ServerDown(string)                    {}
func (nopNotifier) ServerRestarted(int)                  {}
func (nopNotifier) ReadinessProgress(int, map[string]bool) {}

type nopRecorder struct{}

func (nopRecorder) RecordEvent(string, string) error { return nil }

// Supervisor drives the launch/ready/crash/recover cycle for one worker.
type Supervisor struct {
	cfg      *config.Config
	resolver PortResolver
	launcher Launcher
	reaper   Reaper
	probe    Prober
	notify   Notifier
	recorder EventRecorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	restartc chan struct{}

	mu     sync.Mutex
	status Status
	handle *worker.Handle
}

// New wires a Supervisor. Notifier and recorder may be nil.
func New(cfg *config.Config, resolver PortResolver, launcher Launcher, reaper Reaper, probe Prober, notify Notifier, recorder EventRecorder) *Supervisor {
	if notify == nil {
		notify = nopNotifier{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		resolver: resolver,
		launcher: launcher,
		reaper:   reaper,
		probe:    probe,
		notify:   notify,
		recorder: recorder,
		ctx:      ctx,
		cancel:   cancel,
		restartc: make(chan struct{}, 1),
		status:   Status{State: StateInitializing, Since: time.Now()},
	}
}

// Start launches the run loop.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop tears down the worker and stops the run loop. The worker is
// asked to exit through its shutdown endpoint first, then signalled.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	s.stopWorker(context.Background(), h)
	s.setState(StateStopped, "")
}

// Restart requests a manual restart. It resets the automatic recovery
// budget: operator intervention starts a fresh counting window.
func (s *Supervisor) Restart() {
	select {
	case s.restartc <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the current lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.Components != nil {
		c := make(map[string]bool, len(st.Components))
		for k, v := range st.Components {
			c[k] = v
		}
		st.Components = c
	}
	return st
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	for {
		if s.ctx.Err() != nil {
			return
		}

		h, err := s.launchCycle()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !s.recover(err) {
				return
			}
			continue
		}

		// Steady state: wait for exit, a restart request, or shutdown.
		select {
		case <-s.ctx.Done():
			return
		case <-s.restartc:
			logging.Info("manual restart requested")
			s.recorder.RecordEvent("restart_requested", "manual restart")
			s.resetRestartCount()
			s.setState(StateRestarting, "")
			s.stopWorker(s.ctx, h)
		case <-h.Done():
			code := h.ExitCode()
			msg := fmt.Sprintf("worker exited unexpectedly with code %d", code)
			logging.Warn("worker crashed", "pid", h.PID(), "exit_code", code)
			s.recorder.RecordEvent("worker_crashed", msg)
			s.notify.ServerDown(msg)
			if !s.recover(fmt.Errorf("%s", msg)) {
				return
			}
		}
	}
}

// launchCycle performs one full startup: reap, resolve, launch, confirm.
func (s *Supervisor) launchCycle() (*worker.Handle, error) {
	wasRestart := s.restartCount() > 0 || s.currentState() == StateRestarting

	s.setState(StateInitializing, "")
	s.reaper.Reap(s.ctx, s.cfg.Ports.Candidates)

	port, err := s.resolver.Resolve(s.ctx)
	if err != nil {
		return nil, err
	}

	h, err := s.launcher.Launch(s.ctx, port)
	if err != nil {
		return nil, err
	}
	s.setHandle(h)
	s.setState(StateStarting, "")
	s.recorder.RecordEvent("worker_launched", fmt.Sprintf("pid=%d port=%d", h.PID(), port))

	degraded, err := s.awaitReady(h)
	if err != nil {
		s.stopWorker(s.ctx, h)
		return nil, err
	}

	s.setReady(degraded)
	s.recorder.RecordEvent("worker_ready", fmt.Sprintf("port=%d degraded=%v", port, degraded))
	if wasRestart {
		s.notify.ServerRestarted(port)
	}
	s.notify.ConnectionEstablished(port)
	logging.Info("worker ready", "port", port, "pid", h.PID(), "degraded", degraded)
	return h, nil
}

// awaitReady blocks until the worker confirms readiness or fails. Full
// readiness needs the readiness endpoint to report complete. A startup
// marker on worker output shortens probe delays; if the marker grace
// window passes without endpoint confirmation the worker is treated as
// ready in degraded mode rather than killed.
func (s *Supervisor) awaitReady(h *worker.Handle) (degraded bool, err error) {
	wcfg := s.cfg.Worker
	pcfg := wcfg.ReadyProbe

	startup := time.NewTimer(wcfg.StartupTimeout)
	defer startup.Stop()

	delay := pcfg.InitialDelay
	poll := time.NewTimer(delay)
	defer poll.Stop()

	var graceC <-chan time.Time
	markers := h.Markers()
	attempts := 0
	endpointSeen := false

	for {
		select {
		case <-s.ctx.Done():
			return false, s.ctx.Err()

		case <-h.Done():
			return false, &worker.EarlyExitError{Code: h.ExitCode()}

		case _, ok := <-markers:
			if !ok {
				markers = nil
				continue
			}
			logging.Debug("startup marker observed", "port", h.Port())
			if graceC == nil {
				grace := time.NewTimer(wcfg.MarkerGrace)
				defer grace.Stop()
				graceC = grace.C
			}
			// Marker means the worker thinks it is up; probe eagerly.
			delay = pcfg.InitialDelay
			resetTimer(poll, 0)

		case <-poll.C:
			attempts++
			pctx, cancel := context.WithTimeout(s.ctx, pcfg.Timeout)
			snap, perr := s.probe.Readiness(pctx, h.Port())
			cancel()

			if perr == nil {
				endpointSeen = true
				s.setProgress(snap.Progress, snap.Components)
				s.notify.ReadinessProgress(snap.Progress, snap.Components)
				if snap.Readiness == health.ReadinessComplete {
					return false, nil
				}
				if snap.Readiness == health.ReadinessError {
					logging.Warn("worker readiness endpoint reports error", "port", h.Port(), "progress", snap.Progress)
					return false, fmt.Errorf("%w at %d%%", ErrWorkerError, snap.Progress)
				}
			} else {
				logging.Debug("readiness probe failed", "port", h.Port(), "attempt", attempts, "error", perr)
			}

			if attempts >= pcfg.MaxAttempts {
				if endpointSeen {
					return true, nil
				}
				return false, ErrReadinessTimeout
			}
			delay = nextDelay(delay, pcfg.Multiplier, pcfg.MaxDelay)
			resetTimer(poll, delay)

		case <-graceC:
			// Optimistic: marker seen, endpoint still silent or partial.
			logging.Warn("readiness endpoint unconfirmed after marker grace, proceeding degraded", "port", h.Port())
			return true, nil

		case <-startup.C:
			if endpointSeen {
				return true, nil
			}
			return false, ErrReadinessTimeout
		}
	}
}

// recover handles a failed cycle. Returns false when the run loop
// should park in a terminal failed state awaiting manual restart.
func (s *Supervisor) recover(cause error) bool {
	// Relaunching cannot produce a port, so exhaustion skips the
	// recovery budget and parks immediately.
	if errors.Is(cause, registry.ErrNoPortAvailable) {
		logging.Error("no usable port for worker, startup aborted", "cause", cause)
		s.recorder.RecordEvent("startup_aborted", cause.Error())
		s.setState(StateFailed, cause.Error())
		s.notify.ServerDown(cause.Error())
		return s.awaitManualRestart()
	}

	count := s.incrementRestartCount()
	maxr := s.cfg.Recovery.MaxRestarts

	if count > maxr {
		err := fmt.Errorf("%w after %d attempts: %v", ErrRecoveryExhausted, maxr, cause)
		logging.Error("recovery exhausted", "attempts", maxr, "cause", cause)
		s.recorder.RecordEvent("recovery_exhausted", err.Error())
		s.setState(StateFailed, err.Error())
		s.notify.ServerDown(err.Error())
		return s.awaitManualRestart()
	}

	logging.Warn("recovering worker", "attempt", count, "max", maxr, "cause", cause)
	s.recorder.RecordEvent("recovery_attempt", fmt.Sprintf("attempt=%d cause=%v", count, cause))
	s.setState(StateRestarting, cause.Error())

	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(s.cfg.Recovery.Cooldown):
		return true
	}
}

// awaitManualRestart parks until an operator restarts or the daemon
// shuts down. A manual restart clears the recovery budget.
func (s *Supervisor) awaitManualRestart() bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-s.restartc:
		logging.Info("manual restart after recovery exhaustion")
		s.resetRestartCount()
		s.setState(StateRestarting, "")
		return true
	}
}

// stopWorker escalates: shutdown endpoint, SIGTERM, then SIGKILL.
func (s *Supervisor) stopWorker(ctx context.Context, h *worker.Handle) {
	if h == nil || !h.IsRunning() {
		return
	}
	scfg := s.cfg.Worker.Shutdown

	sctx, cancel := context.WithTimeout(ctx, scfg.EndpointTimeout)
	err := s.probe.Shutdown(sctx, h.Port())
	cancel()
	if err == nil && waitExit(h, scfg.TermGrace) {
		return
	}

	if err := h.Signal(syscall.SIGTERM); err == nil {
		if waitExit(h, scfg.TermGrace) {
			return
		}
	}

	logging.Warn("worker ignored SIGTERM, killing", "pid", h.PID())
	h.Signal(syscall.SIGKILL)
	waitExit(h, scfg.KillGrace)
}

func waitExit(h *worker.Handle, grace time.Duration) bool {
	select {
	case <-h.Done():
		return true
	case <-time.After(grace):
		return false
	}
}

func nextDelay(d time.Duration, mult float64, max time.Duration) time.Duration {
	d = time.Duration(float64(d) * mult)
	if d > max {
		d = max
	}
	return d
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (s *Supervisor) setState(st State, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = st
	s.status.Since = time.Now()
	s.status.LastError = lastErr
	if st != StateReady {
		s.status.Degraded = false
	}
	if st == StateInitializing {
		s.status.Port = 0
		s.status.PID = 0
		s.status.Progress = 0
		s.status.Components = nil
	}
}

func (s *Supervisor) setReady(degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = StateReady
	s.status.Degraded = degraded
	s.status.Since = time.Now()
	s.status.LastError = ""
}

func (s *Supervisor) setHandle(h *worker.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
	s.status.Port = h.Port()
	s.status.PID = h.PID()
}

func (s *Supervisor) setProgress(progress int, components map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Progress = progress
	s.status.Components = components
}

func (s *Supervisor) restartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.RestartCount
}

func (s *Supervisor) incrementRestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.RestartCount++
	return s.status.RestartCount
}

func (s *Supervisor) resetRestartCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.RestartCount = 0
}

func (s *Supervisor) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.State
}
