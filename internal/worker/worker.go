// Package worker launches and tracks the backend worker process. The
// worker is an opaque HTTP service; this package owns process spawning,
// output-marker scanning, and signal delivery. Health semantics live in
// the supervisor.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ss-engineer-CTG/pmboard/internal/config"
	"github.com/ss-engineer-CTG/pmboard/internal/logging"
	"github.com/ss-engineer-CTG/pmboard/internal/portfile"
)

// EarlyExitError reports a worker that exited before becoming ready.
type EarlyExitError struct {
	Code int
}

func (e *EarlyExitError) Error() string {
	return fmt.Sprintf("worker exited early with code %d", e.Code)
}

// Launcher spawns worker processes per the configured invocation contract.
type Launcher struct {
	cfg      config.WorkerConfig
	hintFile string
}

// NewLauncher creates a Launcher. hintFile is where the chosen port is
// persisted after each successful spawn; empty disables persistence.
func NewLauncher(cfg config.WorkerConfig, hintFile string) *Launcher {
	return &Launcher{cfg: cfg, hintFile: hintFile}
}

// Launch spawns the worker with the chosen port as its single positional
// argument plus the standard env map. The returned Handle owns the child;
// a new Handle is created per (re)start and never reused. The child is
// not tied to ctx; teardown goes through the shutdown ladder.
func (l *Launcher) Launch(ctx context.Context, port int) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args := append(append([]string(nil), l.cfg.Args...), strconv.Itoa(port))
	cmd := exec.Command(l.cfg.Command, args...)
	cmd.Dir = l.cfg.WorkDir
	cmd.Env = l.buildEnv(port)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launch worker: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("launch worker: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("launch worker: %w", err)
	}

	h := &Handle{
		pid:       cmd.Process.Pid,
		port:      port,
		startedAt: time.Now(),
		cmd:       cmd,
		markers:   make(chan string, 8),
		done:      make(chan struct{}),
		running:   true,
		exitCode:  -1,
	}

	h.wg.Add(2)
	go h.scanStream(stdout, l.cfg.StartupMarkers)
	go h.scanStream(stderr, l.cfg.StartupMarkers)
	go h.waitLoop()

	if l.hintFile != "" {
		if err := portfile.Write(l.hintFile, port); err != nil {
			logging.Warn("failed to persist port hint", "error", err)
		}
	}

	logging.Info("worker launched", "pid", h.pid, "port", port, "command", l.cfg.Command)
	return h, nil
}

func (l *Launcher) buildEnv(port int) []string {
	env := os.Environ()
	env = append(env, config.PortEnvVar+"="+strconv.Itoa(port))
	if l.cfg.DataDir != "" {
		env = append(env, "PMBOARD_DATA_DIR="+l.cfg.DataDir)
	}
	if l.cfg.Debug {
		env = append(env, "PMBOARD_DEBUG=1")
	}
	if l.cfg.QuietLogs {
		env = append(env, "PMBOARD_QUIET_LOGS=1")
	}
	for k, v := range l.cfg.Env {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// Handle wraps one live worker process. It is created per (re)start,
// owned exclusively by the supervisor, and never mutated after exit.
type Handle struct {
	pid       int
	port      int
	startedAt time.Time
	cmd       *exec.Cmd

	markers chan string
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	running  bool
	exitCode int
}

// PID returns the worker's process ID.
func (h *Handle) PID() int { return h.pid }

// Port returns the port the worker was launched with.
func (h *Handle) Port() int { return h.port }

// StartedAt returns the spawn time.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Markers delivers output lines matching a configured startup marker.
// These are readiness hints, not proof of health.
func (h *Handle) Markers() <-chan string { return h.markers }

// Done closes when the process exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsRunning reports whether the process is still alive.
func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// ExitCode returns the exit code. Valid only after Done closes.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Signal delivers a signal to the worker process.
func (h *Handle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return fmt.Errorf("worker not running")
	}
	return h.cmd.Process.Signal(sig)
}

func (h *Handle) scanStream(r io.Reader, markerSet []string) {
	defer h.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	for scanner.Scan() {
		line := scanner.Text()
		logging.Debug("worker output", "pid", h.pid, "line", line)
		for _, marker := range markerSet {
			if marker != "" && strings.Contains(line, marker) {
				select {
				case h.markers <- line:
				default: // supervisor already has enough hints
				}
				break
			}
		}
	}
}

func (h *Handle) waitLoop() {
	// Both stream scanners must finish before Wait reaps the pipes.
	h.wg.Wait()
	err := h.cmd.Wait()

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	h.mu.Lock()
	h.running = false
	h.exitCode = code
	h.mu.Unlock()

	close(h.markers)
	close(h.done)
	logging.Info("worker exited", "pid", h.pid, "exit_code", code)
}
