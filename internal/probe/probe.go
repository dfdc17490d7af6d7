// Package probe provides port availability and liveness checks used by both
// the host-side port registry and the UI-side connection discoverer.
package probe

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// CheckFunc reports whether a worker is serving on the given port. The
// context carries the per-probe timeout; implementations must honor it.
type CheckFunc func(ctx context.Context, port int) bool

// Free reports whether the port can be bound on localhost. Used when
// choosing a port for a new worker, never as proof a worker is serving.
func Free(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// FirstLive races check across ports with bounded concurrency and returns
// the first port that passes. Remaining probes are cancelled as soon as a
// winner is found. Returns false if no port passes.
func FirstLive(ctx context.Context, ports []int, perProbe time.Duration, maxConcurrent int, check CheckFunc) (int, bool) {
	if len(ports) == 0 {
		return 0, false
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan int, len(ports))
	sem := make(chan struct{}, maxConcurrent)

	var wg sync.WaitGroup
	for _, port := range ports {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			probeCtx, probeCancel := context.WithTimeout(ctx, perProbe)
			defer probeCancel()
			if check(probeCtx, p) {
				results <- p
			}
		}(port)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	port, ok := <-results
	return port, ok
}

// FirstLiveSerial checks ports one at a time with a longer per-probe
// timeout. Used as the slow fallback after a parallel sweep finds nothing.
func FirstLiveSerial(ctx context.Context, ports []int, perProbe time.Duration, check CheckFunc) (int, bool) {
	for _, port := range ports {
		if ctx.Err() != nil {
			return 0, false
		}
		probeCtx, cancel := context.WithTimeout(ctx, perProbe)
		ok := check(probeCtx, port)
		cancel()
		if ok {
			return port, true
		}
	}
	return 0, false
}
