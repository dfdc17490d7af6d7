// Package control provides the daemon control plane: a Unix socket
// carrying JSON-lines requests, responses, and pushed lifecycle events.
package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Method names served by the daemon.
const (
	MethodCurrentPort   = "current_port"
	MethodCurrentStatus = "current_status"
	MethodRestart       = "restart"
	MethodRecentEvents  = "recent_events"
)

// Event types pushed to connected clients.
const (
	EventConnectionEstablished = "connection-established"
	EventServerDown            = "server-down"
	EventServerRestarted       = "server-restarted"
	EventReadinessProgress     = "readiness-progress"
)

// HandlerFunc is the signature for API method handlers.
type HandlerFunc func(params json.RawMessage) (any, error)

// Request is an incoming API request.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id,omitempty"`
}

// Response is an outgoing API response.
type Response struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	ID    string `json:"id,omitempty"`
}

// Event is a pushed notification.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// PortPayload carries the worker port for connection events.
type PortPayload struct {
	Port int `json:"port"`
}

// MessagePayload carries a human-readable failure message.
type MessagePayload struct {
	Message string `json:"message"`
}

// ProgressPayload carries worker readiness progress.
type ProgressPayload struct {
	Percent    int             `json:"percent"`
	Components map[string]bool `json:"components,omitempty"`
}

// broadcastWriteTimeout bounds per-client event writes.
const broadcastWriteTimeout = 2 * time.Second

// Server handles incoming connections on the Unix socket.
type Server struct {
	socketPath string
	listener   net.Listener
	handlers   map[string]HandlerFunc
	mu         sync.RWMutex
	clients    map[net.Conn]struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a control server bound to socketPath.
func NewServer(socketPath string) *Server {
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		clients:    make(map[net.Conn]struct{}),
		done:       make(chan struct{}),
	}
}

// Handle registers a handler for a method.
func (s *Server) Handle(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Start begins listening for connections.
func (s *Server) Start() error {
	// Replace any socket left by a previous run.
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Local owner only; the socket is the trust boundary.
	os.Chmod(s.socketPath, 0700)

	go s.acceptLoop()
	return nil
}

// Stop closes the server and all client connections. Safe to call more
// than once; the graceful and forced shutdown paths can both reach it.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		for conn := range s.clients {
			conn.Close()
		}
		s.mu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}
		os.Remove(s.socketPath)
	})
	return nil
}

// Broadcast pushes an event to every connected client.
func (s *Server) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.RLock()
	defer s.mu.RUnlock()

	// A stalled client must not hold up pushes to the others.
	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(broadcastWriteTimeout))
		conn.Write(data)
	}
}

func (s *Server) acceptLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.sendError(conn, "", "invalid request: "+err.Error())
			continue
		}

		s.mu.RLock()
		handler, ok := s.handlers[req.Method]
		s.mu.RUnlock()

		if !ok {
			s.sendError(conn, req.ID, "unknown method: "+req.Method)
			continue
		}

		data, err := handler(req.Params)
		if err != nil {
			s.sendError(conn, req.ID, err.Error())
			continue
		}

		s.sendResponse(conn, req.ID, data)
	}
}

func (s *Server) sendResponse(conn net.Conn, id string, data any) {
	resp := Response{Data: data, ID: id}
	encoded, _ := json.Marshal(resp)
	conn.Write(append(encoded, '\n'))
}

func (s *Server) sendError(conn net.Conn, id, errMsg string) {
	resp := Response{Error: errMsg, ID: id}
	encoded, _ := json.Marshal(resp)
	conn.Write(append(encoded, '\n'))
}
