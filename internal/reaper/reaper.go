// Package reaper terminates leftover worker processes from a previous
// crashed session before each launch. Only processes whose command line
// matches the configured worker signature are touched; unrelated listeners
// on candidate ports are left alone.
package reaper

import (
	"bytes"
	"context"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ss-engineer-CTG/pmboard/internal/executil"
	"github.com/ss-engineer-CTG/pmboard/internal/logging"
)

const pollInterval = 100 * time.Millisecond

// Reaper finds and kills stale worker processes bound to candidate ports.
type Reaper struct {
	signature string
	grace     time.Duration

	// Injectable for tests.
	listPIDs func(ctx context.Context, port int) []int
	cmdline  func(pid int) string
	signal   func(pid int, sig syscall.Signal) error
}

// New creates a Reaper that matches processes by command-line signature.
func New(signature string, grace time.Duration) *Reaper {
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Reaper{
		signature: signature,
		grace:     grace,
		listPIDs:  listenersOnPort,
		cmdline:   processCmdline,
		signal:    signalProcess,
	}
}

// Reap terminates stale workers on the given ports and returns how many
// were killed. Runs once per launch attempt. Termination escalates:
// SIGTERM, poll for exit over the grace window, then SIGKILL survivors.
func (r *Reaper) Reap(ctx context.Context, ports []int) int {
	if r.signature == "" {
		return 0
	}

	targets := r.findStale(ctx, ports)
	if len(targets) == 0 {
		return 0
	}

	for _, pid := range targets {
		logging.Info("terminating stale worker", "pid", pid)
		if err := r.signal(pid, syscall.SIGTERM); err != nil {
			logging.Debug("SIGTERM failed", "pid", pid, "error", err)
		}
	}

	survivors := r.waitForExit(ctx, targets)
	for _, pid := range survivors {
		logging.Warn("stale worker survived grace window, killing", "pid", pid)
		if err := r.signal(pid, syscall.SIGKILL); err != nil {
			// Signal delivery unreliable; fall back to kill-by-name.
			logging.Warn("SIGKILL failed, falling back to kill by name", "pid", pid, "error", err)
			r.killByName(ctx)
			break
		}
	}

	return len(targets)
}

// findStale returns PIDs listening on any of the ports whose command line
// matches the worker signature.
func (r *Reaper) findStale(ctx context.Context, ports []int) []int {
	seen := make(map[int]bool)
	var stale []int
	for _, port := range ports {
		for _, pid := range r.listPIDs(ctx, port) {
			if pid <= 0 || pid == os.Getpid() || seen[pid] {
				continue
			}
			seen[pid] = true
			cmd := r.cmdline(pid)
			if cmd == "" || !strings.Contains(cmd, r.signature) {
				logging.Debug("skipping non-worker listener", "pid", pid, "port", port)
				continue
			}
			stale = append(stale, pid)
		}
	}
	return stale
}

// waitForExit polls the targets over the grace window and returns the PIDs
// still running at the end of it.
func (r *Reaper) waitForExit(ctx context.Context, pids []int) []int {
	deadline := time.Now().Add(r.grace)
	remaining := append([]int(nil), pids...)

	for time.Now().Before(deadline) && len(remaining) > 0 {
		if ctx.Err() != nil {
			break
		}
		var still []int
		for _, pid := range remaining {
			if r.signal(pid, syscall.Signal(0)) == nil {
				still = append(still, pid)
			}
		}
		remaining = still
		if len(remaining) > 0 {
			time.Sleep(pollInterval)
		}
	}
	return remaining
}

// killByName force-terminates workers by command-line pattern. Last resort
// for platforms or states where direct signal delivery is unreliable.
func (r *Reaper) killByName(ctx context.Context) {
	cmd, err := executil.CommandContext(ctx, "pkill", "-9", "-f", r.signature)
	if err != nil {
		logging.Warn("pkill unavailable", "error", err)
		return
	}
	// pkill exits 1 when nothing matched; that is fine.
	_ = cmd.Run()
}

// listenersOnPort returns PIDs with a TCP listener on the port, via lsof.
func listenersOnPort(ctx context.Context, port int) []int {
	cmd, err := executil.CommandContext(ctx, "lsof", "-nP", "-t", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN")
	if err != nil {
		return nil
	}
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

// processCmdline reads a process's full command line, preferring /proc.
func processCmdline(pid int) string {
	if data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline"); err == nil {
		return string(bytes.ReplaceAll(data, []byte{0}, []byte{' '}))
	}

	cmd, err := executil.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=")
	if err != nil {
		return ""
	}
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func signalProcess(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}
