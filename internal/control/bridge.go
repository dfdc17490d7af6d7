package control

import (
	"encoding/json"
	"errors"

	"github.com/ss-engineer-CTG/pmboard/internal/supervisor"
)

// Controller is the slice of the supervisor the bridge exposes over
// the socket.
type Controller interface {
	Status() supervisor.Status
	Restart()
}

// EventSource serves the persisted lifecycle event log.
type EventSource interface {
	RecentEvents(limit int) ([]EventInfo, error)
}

// EventInfo is a persisted lifecycle event for API responses.
type EventInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	CreatedAt string `json:"created_at"`
}

// StatusInfo is the wire form of the supervisor status.
type StatusInfo struct {
	State        string          `json:"state"`
	Port         int             `json:"port"`
	PID          int             `json:"pid"`
	Degraded     bool            `json:"degraded"`
	RestartCount int             `json:"restart_count"`
	Progress     int             `json:"progress"`
	Components   map[string]bool `json:"components,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

func statusInfo(st supervisor.Status) StatusInfo {
	return StatusInfo{
		State:        st.State.String(),
		Port:         st.Port,
		PID:          st.PID,
		Degraded:     st.Degraded,
		RestartCount: st.RestartCount,
		Progress:     st.Progress,
		Components:   st.Components,
		LastError:    st.LastError,
	}
}

// Bridge connects the supervisor to the control socket. It forwards
// lifecycle notifications as pushed events and serves status pulls.
type Bridge struct {
	server *Server
	ctrl   Controller
	events EventSource
}

// NewBridge wires handlers onto server. events may be nil.
func NewBridge(server *Server, ctrl Controller, events EventSource) *Bridge {
	b := &Bridge{server: server, ctrl: ctrl, events: events}
	server.Handle(MethodCurrentPort, b.handleCurrentPort)
	server.Handle(MethodCurrentStatus, b.handleCurrentStatus)
	server.Handle(MethodRestart, b.handleRestart)
	server.Handle(MethodRecentEvents, b.handleRecentEvents)
	return b
}

func (b *Bridge) handleCurrentPort(json.RawMessage) (any, error) {
	st := b.ctrl.Status()
	if st.State != supervisor.StateReady {
		return nil, errors.New("worker not ready")
	}
	return PortPayload{Port: st.Port}, nil
}

func (b *Bridge) handleCurrentStatus(json.RawMessage) (any, error) {
	return statusInfo(b.ctrl.Status()), nil
}

func (b *Bridge) handleRestart(json.RawMessage) (any, error) {
	b.ctrl.Restart()
	return map[string]bool{"accepted": true}, nil
}

func (b *Bridge) handleRecentEvents(params json.RawMessage) (any, error) {
	if b.events == nil {
		return []EventInfo{}, nil
	}
	limit := 50
	if len(params) > 0 {
		var p struct {
			Limit int `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err == nil && p.Limit > 0 {
			limit = p.Limit
		}
	}
	return b.events.RecentEvents(limit)
}

// ConnectionEstablished implements supervisor.Notifier.
func (b *Bridge) ConnectionEstablished(port int) {
	b.server.Broadcast(Event{Type: EventConnectionEstablished, Payload: PortPayload{Port: port}})
}

// ServerDown implements supervisor.Notifier.
func (b *Bridge) ServerDown(message string) {
	b.server.Broadcast(Event{Type: EventServerDown, Payload: MessagePayload{Message: message}})
}

// ServerRestarted implements supervisor.Notifier.
func (b *Bridge) ServerRestarted(port int) {
	b.server.Broadcast(Event{Type: EventServerRestarted, Payload: PortPayload{Port: port}})
}

// ReadinessProgress implements supervisor.Notifier.
func (b *Bridge) ReadinessProgress(percent int, components map[string]bool) {
	b.server.Broadcast(Event{Type: EventReadinessProgress, Payload: ProgressPayload{Percent: percent, Components: components}})
}
