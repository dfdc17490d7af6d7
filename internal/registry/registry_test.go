package registry

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ss-engineer-CTG/pmboard/internal/config"
	"github.com/ss-engineer-CTG/pmboard/internal/portfile"
)

func testPortsConfig(t *testing.T) config.PortsConfig {
	t.Helper()
	return config.PortsConfig{
		Candidates:      []int{8000, 8080},
		ScanStart:       8001,
		ScanEnd:         8010,
		ParallelTimeout: 500 * time.Millisecond,
		SerialTimeout:   time.Second,
		MaxConcurrent:   4,
		HintFile:        filepath.Join(t.TempDir(), "port.json"),
		HintMaxAge:      time.Hour,
	}
}

// usableOnly returns a validation func that accepts exactly the given ports.
func usableOnly(ports ...int) func(ctx context.Context, port int) bool {
	set := make(map[int]bool, len(ports))
	for _, p := range ports {
		set[p] = true
	}
	return func(_ context.Context, port int) bool {
		return set[port]
	}
}

func TestResolveEnvOverride(t *testing.T) {
	t.Setenv(config.PortEnvVar, "9500")

	r := New(testPortsConfig(t))
	r.usable = usableOnly(9500)

	port, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if port != 9500 {
		t.Errorf("Expected env override port 9500, got %d", port)
	}
}

func TestResolveEnvOverrideNotUsable(t *testing.T) {
	t.Setenv(config.PortEnvVar, "9500")

	r := New(testPortsConfig(t))
	r.usable = usableOnly(8080) // env port busy, candidate free

	port, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if port != 8080 {
		t.Errorf("Expected fallback to candidate 8080, got %d", port)
	}
}

func TestResolveEnvOverrideGarbage(t *testing.T) {
	t.Setenv(config.PortEnvVar, "not-a-port")

	r := New(testPortsConfig(t))
	r.usable = usableOnly(8000)

	port, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if port != 8000 {
		t.Errorf("Expected candidate 8000, got %d", port)
	}
}

func TestResolveHint(t *testing.T) {
	cfg := testPortsConfig(t)
	if err := portfile.Write(cfg.HintFile, 8042); err != nil {
		t.Fatalf("Failed to write hint: %v", err)
	}

	r := New(cfg)
	r.usable = usableOnly(8042, 8000)

	port, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if port != 8042 {
		t.Errorf("Expected hint port 8042, got %d", port)
	}
}

func TestResolveHintNotUsable(t *testing.T) {
	cfg := testPortsConfig(t)
	if err := portfile.Write(cfg.HintFile, 8042); err != nil {
		t.Fatalf("Failed to write hint: %v", err)
	}

	r := New(cfg)
	r.usable = usableOnly(8080)

	port, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if port != 8080 {
		t.Errorf("Expected hint to be discarded in favor of 8080, got %d", port)
	}
}

func TestResolveRangeScan(t *testing.T) {
	r := New(testPortsConfig(t))
	r.usable = usableOnly(8007) // no candidate usable, only a scanned port

	port, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if port != 8007 {
		t.Errorf("Expected scanned port 8007, got %d", port)
	}
}

func TestResolveNoPortAvailable(t *testing.T) {
	r := New(testPortsConfig(t))
	r.usable = usableOnly() // nothing usable anywhere

	_, err := r.Resolve(context.Background())
	if !errors.Is(err, ErrNoPortAvailable) {
		t.Fatalf("Expected ErrNoPortAvailable, got %v", err)
	}
}

// TestResolveBindProbe exercises the default bind-probe validation with a
// real busy listener.
func TestResolveBindProbe(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	freePort := free.Addr().(*net.TCPAddr).Port
	free.Close()

	cfg := testPortsConfig(t)
	cfg.Candidates = []int{busyPort, freePort}
	cfg.ScanStart = 1 // empty scan range
	cfg.ScanEnd = 0

	port, err := New(cfg).Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if port != freePort {
		t.Errorf("Expected free port %d, got %d", freePort, port)
	}
}
