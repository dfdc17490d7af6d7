package tui

import (
	"fmt"
	"strings"
	"testing"

	"github.com/ss-engineer-CTG/pmboard/internal/control"
	"github.com/ss-engineer-CTG/pmboard/internal/discover"
)

func TestStatusLinePerPhase(t *testing.T) {
	tests := []struct {
		name   string
		update discover.Update
		want   string
	}{
		{
			name:   "loading",
			update: discover.Update{Phase: discover.PhaseLoading},
			want:   "searching for worker",
		},
		{
			name:   "connected",
			update: discover.Update{Phase: discover.PhaseConnected, Port: 8042},
			want:   "port 8042",
		},
		{
			name: "countdown",
			update: discover.Update{
				Phase:       discover.PhaseDisconnected,
				Attempt:     2,
				MaxAttempts: 3,
				NextRetryIn: 4e9,
			},
			want: "retry 2/3 in 4s",
		},
		{
			name:   "manual only",
			update: discover.Update{Phase: discover.PhaseDisconnected, ManualOnly: true},
			want:   "press r to retry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(nil, nil, nil)
			m.update = tt.update
			if got := m.statusLine(); !strings.Contains(got, tt.want) {
				t.Errorf("statusLine() = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestDegradedStatusLine(t *testing.T) {
	m := New(nil, nil, nil)
	m.update = discover.Update{Phase: discover.PhaseConnected, Port: 8042}
	m.degraded = true
	m.progress = 60

	if got := m.statusLine(); !strings.Contains(got, "starting up") {
		t.Errorf("statusLine() = %q, want degraded marker", got)
	}
}

func TestReadinessProgressEventUpdatesModel(t *testing.T) {
	m := New(nil, nil, nil)
	m.applyDaemonEvent(control.Event{
		Type: control.EventReadinessProgress,
		Payload: map[string]any{
			"percent":    float64(75),
			"components": map[string]any{"db": true, "cache": false},
		},
	})

	if m.progress != 75 {
		t.Errorf("progress = %d, want 75", m.progress)
	}
	if !m.components["db"] || m.components["cache"] {
		t.Errorf("components = %v", m.components)
	}
}

func TestComponentLinesSortedAndMarked(t *testing.T) {
	m := New(nil, nil, nil)
	m.components = map[string]bool{"zeta": false, "alpha": true}

	out := m.componentLines()
	if strings.Index(out, "alpha") > strings.Index(out, "zeta") {
		t.Errorf("components not sorted: %q", out)
	}
}

func TestEventLogBounded(t *testing.T) {
	m := New(nil, nil, nil)
	for i := 0; i < maxEventLines+5; i++ {
		m.pushEvent(fmt.Sprintf("event %d", i))
	}
	if len(m.events) != maxEventLines {
		t.Errorf("events = %d lines, want %d", len(m.events), maxEventLines)
	}
	if !strings.Contains(m.events[len(m.events)-1], "event 12") {
		t.Errorf("newest event missing: %v", m.events[len(m.events)-1])
	}
}
