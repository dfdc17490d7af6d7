package discover

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ss-engineer-CTG/pmboard/internal/config"
	"github.com/ss-engineer-CTG/pmboard/internal/portfile"
)

type fakeHost struct {
	port int
	err  error
}

func (f *fakeHost) CurrentPort() (int, error) { return f.port, f.err }

func servingOnly(ports ...int) func(context.Context, int) bool {
	set := make(map[int]bool, len(ports))
	for _, p := range ports {
		set[p] = true
	}
	return func(_ context.Context, port int) bool { return set[port] }
}

func testPorts(t *testing.T) config.PortsConfig {
	t.Helper()
	cfg := config.DefaultConfig().Ports
	cfg.Candidates = []int{9001, 9002, 9003}
	cfg.ParallelTimeout = 200 * time.Millisecond
	cfg.SerialTimeout = 200 * time.Millisecond
	cfg.HintFile = filepath.Join(t.TempDir(), "port.json")
	return cfg
}

func TestDiscoverPrefersDaemonAnswer(t *testing.T) {
	ports := testPorts(t)
	host := &fakeHost{port: 9002}
	d := NewDiscoverer(ports, host, servingOnly(9001, 9002))

	port, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if port != 9002 {
		t.Errorf("port = %d, want daemon's 9002 over sweep's 9001", port)
	}
}

func TestDiscoverRevalidatesDaemonAnswer(t *testing.T) {
	ports := testPorts(t)
	// Daemon claims 9003 but only 9001 actually serves.
	host := &fakeHost{port: 9003}
	d := NewDiscoverer(ports, host, servingOnly(9001))

	port, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if port != 9001 {
		t.Errorf("port = %d, want 9001 from sweep", port)
	}
}

func TestDiscoverUsesHintWhenDaemonUnreachable(t *testing.T) {
	ports := testPorts(t)
	if err := portfile.Write(ports.HintFile, 9002); err != nil {
		t.Fatalf("write hint: %v", err)
	}
	host := &fakeHost{err: errors.New("daemon not running")}
	d := NewDiscoverer(ports, host, servingOnly(9001, 9002))

	port, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if port != 9002 {
		t.Errorf("port = %d, want hinted 9002", port)
	}
}

func TestDiscoverIgnoresStaleHint(t *testing.T) {
	ports := testPorts(t)
	ports.HintMaxAge = time.Nanosecond
	if err := portfile.Write(ports.HintFile, 9002); err != nil {
		t.Fatalf("write hint: %v", err)
	}
	time.Sleep(time.Millisecond)
	d := NewDiscoverer(ports, nil, servingOnly(9001, 9002))

	port, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if port != 9001 {
		t.Errorf("port = %d, want sweep's 9001 after hint expired", port)
	}
}

func TestDiscoverFailsWhenNothingServes(t *testing.T) {
	ports := testPorts(t)
	d := NewDiscoverer(ports, nil, servingOnly())

	if _, err := d.Discover(context.Background()); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("err = %v, want ErrWorkerNotFound", err)
	}
}

func TestDiscoverShortCircuitsWhileConnected(t *testing.T) {
	ports := testPorts(t)
	d := NewDiscoverer(ports, nil, servingOnly(9001))

	port, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if port != 9001 {
		t.Fatalf("port = %d", port)
	}

	// Worker is gone, but the cache answers while still connected.
	d.check = servingOnly()
	port, err = d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover with cache: %v", err)
	}
	if port != 9001 {
		t.Errorf("cached port = %d, want 9001", port)
	}

	// After marking the loss, the full search runs and fails.
	d.MarkDisconnected()
	if _, err := d.Discover(context.Background()); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("err = %v, want ErrWorkerNotFound after disconnect", err)
	}
}

func TestDiscoverPersistsWinningPort(t *testing.T) {
	ports := testPorts(t)
	d := NewDiscoverer(ports, nil, servingOnly(9003))

	if _, err := d.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	rec, err := portfile.Read(ports.HintFile, time.Minute)
	if err != nil {
		t.Fatalf("read hint: %v", err)
	}
	if rec.Port != 9003 {
		t.Errorf("hint = %d, want 9003", rec.Port)
	}
}
