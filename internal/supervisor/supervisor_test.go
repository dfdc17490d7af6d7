package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ss-engineer-CTG/pmboard/internal/config"
	"github.com/ss-engineer-CTG/pmboard/internal/health"
	"github.com/ss-engineer-CTG/pmboard/internal/registry"
	"github.com/ss-engineer-CTG/pmboard/internal/worker"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Worker.Command = "sh"
	cfg.Worker.Args = []string{"-c", "sleep 60"}
	cfg.Worker.StartupTimeout = 3 * time.Second
	cfg.Worker.MarkerGrace = 200 * time.Millisecond
	cfg.Worker.ReadyProbe = config.ProbeConfig{
		MaxAttempts:  30,
		Timeout:      200 * time.Millisecond,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   1.5,
	}
	cfg.Worker.Shutdown = config.ShutdownConfig{
		EndpointTimeout: 100 * time.Millisecond,
		TermGrace:       time.Second,
		KillGrace:       time.Second,
	}
	cfg.Recovery.MaxRestarts = 2
	cfg.Recovery.Cooldown = 30 * time.Millisecond
	cfg.Ports.Candidates = []int{9100}
	return cfg
}

type fixedResolver struct{ port int }

func (r fixedResolver) Resolve(context.Context) (int, error) { return r.port, nil }

type failingResolver struct{ err error }

func (r failingResolver) Resolve(context.Context) (int, error) { return 0, r.err }

type countingReaper struct {
	mu    sync.Mutex
	calls int
}

func (r *countingReaper) Reap(context.Context, []int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 0
}

// scriptedLauncher runs each launch with the next script in sequence;
// the last script repeats. It wraps the real launcher so handles carry
// real child processes.
type scriptedLauncher struct {
	cfg     config.WorkerConfig
	scripts []string

	mu    sync.Mutex
	calls int
}

func (l *scriptedLauncher) Launch(ctx context.Context, port int) (*worker.Handle, error) {
	l.mu.Lock()
	i := l.calls
	l.calls++
	l.mu.Unlock()

	if i >= len(l.scripts) {
		i = len(l.scripts) - 1
	}
	cfg := l.cfg
	cfg.Command = "sh"
	cfg.Args = []string{"-c", l.scripts[i]}
	return worker.NewLauncher(cfg, "").Launch(ctx, port)
}

func (l *scriptedLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// fakeProbe serves a scripted sequence of readiness snapshots; the
// last entry repeats. A nil entry means a probe error.
type fakeProbe struct {
	mu    sync.Mutex
	snaps []*health.Snapshot
	i     int

	shutdownOK bool
	shutdowns  int
}

func (p *fakeProbe) Alive(context.Context, int) bool { return true }

func (p *fakeProbe) Readiness(context.Context, int) (*health.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snaps) == 0 {
		return nil, errors.New("connection refused")
	}
	snap := p.snaps[p.i]
	if p.i < len(p.snaps)-1 {
		p.i++
	}
	if snap == nil {
		return nil, errors.New("connection refused")
	}
	return snap, nil
}

func (p *fakeProbe) Shutdown(context.Context, int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	if p.shutdownOK {
		return nil
	}
	return errors.New("shutdown endpoint unavailable")
}

func completeSnap() *health.Snapshot {
	return &health.Snapshot{Progress: 100, Readiness: health.ReadinessComplete}
}

// recNotifier records lifecycle pushes and signals readiness.
type recNotifier struct {
	mu          sync.Mutex
	established []int
	down        []string
	restarted   []int
	progress    []int

	readyc chan int
	downc  chan string
}

func newRecNotifier() *recNotifier {
	return &recNotifier{readyc: make(chan int, 8), downc: make(chan string, 8)}
}

func (n *recNotifier) ConnectionEstablished(port int) {
	n.mu.Lock()
	n.established = append(n.established, port)
	n.mu.Unlock()
	select {
	case n.readyc <- port:
	default:
	}
}

func (n *recNotifier) ServerDown(msg string) {
	n.mu.Lock()
	n.down = append(n.down, msg)
	n.mu.Unlock()
	select {
	case n.downc <- msg:
	default:
	}
}

func (n *recNotifier) ServerRestarted(port int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restarted = append(n.restarted, port)
}

func (n *recNotifier) ReadinessProgress(pct int, _ map[string]bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, pct)
}

func (n *recNotifier) restartedPorts() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.restarted...)
}

func (n *recNotifier) progressValues() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.progress...)
}

func waitReady(t *testing.T, n *recNotifier) int {
	t.Helper()
	select {
	case port := <-n.readyc:
		return port
	case <-time.After(5 * time.Second):
		t.Fatal("worker never became ready")
		return 0
	}
}

func waitState(t *testing.T, s *Supervisor, want State) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Status()
		if st.State == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, last %v", want, s.Status().State)
	return Status{}
}

func newTestSupervisor(cfg *config.Config, launcher Launcher, probe Prober, n *recNotifier) *Supervisor {
	return New(cfg, fixedResolver{port: cfg.Ports.Candidates[0]}, launcher, &countingReaper{}, probe, n, nil)
}

func TestStartupReachesReady(t *testing.T) {
	cfg := testConfig()
	launcher := &scriptedLauncher{cfg: cfg.Worker, scripts: []string{"sleep 60"}}
	probe := &fakeProbe{snaps: []*health.Snapshot{completeSnap()}}
	n := newRecNotifier()
	reaper := &countingReaper{}

	s := New(cfg, fixedResolver{port: 9100}, launcher, reaper, probe, n, nil)
	s.Start()
	defer s.Stop()

	port := waitReady(t, n)
	if port != 9100 {
		t.Errorf("established port = %d, want 9100", port)
	}

	st := s.Status()
	if st.State != StateReady {
		t.Errorf("State = %v, want ready", st.State)
	}
	if st.Degraded {
		t.Error("Degraded = true for fully confirmed worker")
	}
	if st.RestartCount != 0 {
		t.Errorf("RestartCount = %d, want 0", st.RestartCount)
	}

	reaper.mu.Lock()
	calls := reaper.calls
	reaper.mu.Unlock()
	if calls != 1 {
		t.Errorf("reaper calls = %d, want 1 before launch", calls)
	}
}

func TestProgressForwardedToNotifier(t *testing.T) {
	cfg := testConfig()
	launcher := &scriptedLauncher{cfg: cfg.Worker, scripts: []string{"sleep 60"}}
	probe := &fakeProbe{snaps: []*health.Snapshot{
		{Progress: 50, Readiness: health.ReadinessPartial, Components: map[string]bool{"db": true, "cache": false}},
		completeSnap(),
	}}
	n := newRecNotifier()

	s := newTestSupervisor(cfg, launcher, probe, n)
	s.Start()
	defer s.Stop()

	waitReady(t, n)
	got := n.progressValues()
	if len(got) < 2 || got[0] != 50 || got[len(got)-1] != 100 {
		t.Errorf("progress sequence = %v, want 50 then 100", got)
	}
}

func TestEarlyExitRecovers(t *testing.T) {
	cfg := testConfig()
	launcher := &scriptedLauncher{cfg: cfg.Worker, scripts: []string{"exit 1", "sleep 60"}}
	probe := &fakeProbe{snaps: []*health.Snapshot{completeSnap()}}
	n := newRecNotifier()

	s := newTestSupervisor(cfg, launcher, probe, n)
	s.Start()
	defer s.Stop()

	waitReady(t, n)
	st := s.Status()
	if st.RestartCount != 1 {
		t.Errorf("RestartCount = %d, want 1 after one crash", st.RestartCount)
	}
	if launcher.launches() != 2 {
		t.Errorf("launches = %d, want 2", launcher.launches())
	}
	if ports := n.restartedPorts(); len(ports) != 1 || ports[0] != 9100 {
		t.Errorf("ServerRestarted ports = %v, want [9100]", ports)
	}
}

func TestCrashAfterReadyRecovers(t *testing.T) {
	cfg := testConfig()
	launcher := &scriptedLauncher{cfg: cfg.Worker, scripts: []string{"sleep 60"}}
	probe := &fakeProbe{snaps: []*health.Snapshot{completeSnap()}}
	n := newRecNotifier()

	s := newTestSupervisor(cfg, launcher, probe, n)
	s.Start()
	defer s.Stop()

	waitReady(t, n)
	pid := s.Status().PID

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill worker: %v", err)
	}

	select {
	case msg := <-n.downc:
		if !strings.Contains(msg, "exited unexpectedly") {
			t.Errorf("server-down message = %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServerDown never pushed after crash")
	}

	waitReady(t, n)
	st := s.Status()
	if st.RestartCount != 1 {
		t.Errorf("RestartCount = %d, want 1", st.RestartCount)
	}
	if st.PID == pid {
		t.Error("new worker reused crashed PID")
	}
}

func TestRecoveryExhaustsAtCap(t *testing.T) {
	cfg := testConfig()
	launcher := &scriptedLauncher{cfg: cfg.Worker, scripts: []string{"exit 1"}}
	probe := &fakeProbe{snaps: []*health.Snapshot{completeSnap()}}
	n := newRecNotifier()

	s := newTestSupervisor(cfg, launcher, probe, n)
	s.Start()
	defer s.Stop()

	st := waitState(t, s, StateFailed)
	if !strings.Contains(st.LastError, "restart limit") {
		t.Errorf("LastError = %q, want restart limit mention", st.LastError)
	}

	// Initial launch plus exactly MaxRestarts recovery launches.
	want := 1 + cfg.Recovery.MaxRestarts
	if launcher.launches() != want {
		t.Errorf("launches = %d, want %d", launcher.launches(), want)
	}

	time.Sleep(200 * time.Millisecond)
	if launcher.launches() != want {
		t.Errorf("launches grew to %d after exhaustion, want %d", launcher.launches(), want)
	}
}

func TestManualRestartClearsRecoveryBudget(t *testing.T) {
	cfg := testConfig()
	launcher := &scriptedLauncher{cfg: cfg.Worker, scripts: []string{"exit 1", "exit 1", "exit 1", "sleep 60"}}
	probe := &fakeProbe{snaps: []*health.Snapshot{completeSnap()}}
	n := newRecNotifier()

	s := newTestSupervisor(cfg, launcher, probe, n)
	s.Start()
	defer s.Stop()

	waitState(t, s, StateFailed)
	s.Restart()

	waitReady(t, n)
	st := s.Status()
	if st.RestartCount != 0 {
		t.Errorf("RestartCount = %d after manual restart, want 0", st.RestartCount)
	}
}

func TestDegradedReadyAfterMarkerGrace(t *testing.T) {
	cfg := testConfig()
	marker := cfg.Worker.StartupMarkers[0]
	launcher := &scriptedLauncher{cfg: cfg.Worker, scripts: []string{
		fmt.Sprintf("echo %q; sleep 60", marker),
	}}
	probe := &fakeProbe{} // readiness endpoint never answers
	n := newRecNotifier()

	s := newTestSupervisor(cfg, launcher, probe, n)
	s.Start()
	defer s.Stop()

	waitReady(t, n)
	st := s.Status()
	if st.State != StateReady {
		t.Errorf("State = %v, want ready", st.State)
	}
	if !st.Degraded {
		t.Error("Degraded = false, want true when endpoint never confirmed")
	}
}

func TestReadinessErrorNeverSurfacesReady(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.MaxRestarts = 1
	launcher := &scriptedLauncher{cfg: cfg.Worker, scripts: []string{"sleep 60"}}
	probe := &fakeProbe{snaps: []*health.Snapshot{
		{Progress: 10, Readiness: health.ReadinessError},
	}}
	n := newRecNotifier()

	s := newTestSupervisor(cfg, launcher, probe, n)
	s.Start()
	defer s.Stop()

	st := waitState(t, s, StateFailed)
	if !strings.Contains(st.LastError, "readiness error") {
		t.Errorf("LastError = %q, want readiness error mention", st.LastError)
	}
	if st.Degraded {
		t.Error("Degraded = true in failed state")
	}
	select {
	case port := <-n.readyc:
		t.Errorf("worker surfaced as ready on port %d while its readiness endpoint reports error", port)
	default:
	}
}

func TestNoPortAvailableAbortsStartup(t *testing.T) {
	cfg := testConfig()
	launcher := &scriptedLauncher{cfg: cfg.Worker, scripts: []string{"sleep 60"}}
	probe := &fakeProbe{snaps: []*health.Snapshot{completeSnap()}}
	n := newRecNotifier()

	resolver := failingResolver{err: fmt.Errorf("resolve: %w", registry.ErrNoPortAvailable)}
	s := New(cfg, resolver, launcher, &countingReaper{}, probe, n, nil)
	s.Start()
	defer s.Stop()

	st := waitState(t, s, StateFailed)
	if launcher.launches() != 0 {
		t.Errorf("launches = %d, want 0 when no port resolves", launcher.launches())
	}
	if st.RestartCount != 0 {
		t.Errorf("RestartCount = %d, want 0 for port exhaustion", st.RestartCount)
	}
	if !strings.Contains(st.LastError, "no port available") {
		t.Errorf("LastError = %q", st.LastError)
	}
}

func TestReadinessTimeoutWithoutMarkerFails(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.ReadyProbe.MaxAttempts = 3
	cfg.Recovery.MaxRestarts = 1
	launcher := &scriptedLauncher{cfg: cfg.Worker, scripts: []string{"sleep 60"}}
	probe := &fakeProbe{} // endpoint never answers, no marker printed
	n := newRecNotifier()

	s := newTestSupervisor(cfg, launcher, probe, n)
	s.Start()
	defer s.Stop()

	st := waitState(t, s, StateFailed)
	if !strings.Contains(st.LastError, "restart limit") {
		t.Errorf("LastError = %q", st.LastError)
	}
	if launcher.launches() != 2 {
		t.Errorf("launches = %d, want 2", launcher.launches())
	}
}

func TestStopTerminatesWorker(t *testing.T) {
	cfg := testConfig()
	launcher := &scriptedLauncher{cfg: cfg.Worker, scripts: []string{"sleep 60"}}
	probe := &fakeProbe{snaps: []*health.Snapshot{completeSnap()}}
	n := newRecNotifier()

	s := newTestSupervisor(cfg, launcher, probe, n)
	s.Start()

	waitReady(t, n)
	pid := s.Status().PID

	s.Stop()

	if st := s.Status(); st.State != StateStopped {
		t.Errorf("State = %v after Stop, want stopped", st.State)
	}
	probe.mu.Lock()
	shutdowns := probe.shutdowns
	probe.mu.Unlock()
	if shutdowns == 0 {
		t.Error("shutdown endpoint never tried before signalling")
	}
	if err := syscall.Kill(pid, 0); err == nil {
		t.Errorf("worker pid %d still alive after Stop", pid)
	}
}
