package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Client connects to the pmboard daemon socket.
type Client struct {
	conn      net.Conn
	scanner   *bufio.Scanner
	mu        sync.Mutex
	pending   map[string]chan *Response
	events    chan Event
	done      chan struct{}
	connected atomic.Bool
}

// NewClient dials the daemon socket.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	c := &Client{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		pending: make(map[string]chan *Response),
		events:  make(chan Event, 100),
		done:    make(chan struct{}),
	}
	c.connected.Store(true)

	go c.readLoop()
	return c, nil
}

// Close disconnects from the daemon.
func (c *Client) Close() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(c.done)
	return c.conn.Close()
}

// Connected reports whether the socket is still usable.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Events returns the channel of pushed daemon events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Call makes an RPC call to the daemon.
func (c *Client) Call(method string, params any) (*Response, error) {
	if !c.connected.Load() {
		return nil, errors.New("not connected to daemon")
	}

	id := uuid.NewString()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	req := Request{
		Method: method,
		Params: paramsJSON,
		ID:     id,
	}

	respChan := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	encoded, _ := json.Marshal(req)
	c.mu.Lock()
	_, err = c.conn.Write(append(encoded, '\n'))
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		return resp, nil
	case <-c.done:
		return nil, errors.New("client closed")
	}
}

// CurrentPort asks the daemon for the ready worker's port.
func (c *Client) CurrentPort() (int, error) {
	resp, err := c.Call(MethodCurrentPort, nil)
	if err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, errors.New(resp.Error)
	}

	var payload PortPayload
	data, _ := json.Marshal(resp.Data)
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("malformed port response: %w", err)
	}
	return payload.Port, nil
}

// CurrentStatus retrieves the full supervisor status.
func (c *Client) CurrentStatus() (*StatusInfo, error) {
	resp, err := c.Call(MethodCurrentStatus, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}

	var info StatusInfo
	data, _ := json.Marshal(resp.Data)
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("malformed status response: %w", err)
	}
	return &info, nil
}

// Restart asks the daemon to restart the worker.
func (c *Client) Restart() error {
	resp, err := c.Call(MethodRestart, nil)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// RecentEvents retrieves persisted lifecycle events, newest first.
func (c *Client) RecentEvents(limit int) ([]EventInfo, error) {
	resp, err := c.Call(MethodRecentEvents, map[string]int{"limit": limit})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}

	var events []EventInfo
	data, _ := json.Marshal(resp.Data)
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("malformed events response: %w", err)
	}
	return events, nil
}

func (c *Client) readLoop() {
	for c.scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}

		line := c.scanner.Bytes()

		// Responses carry an id, events carry a type. Peek before
		// committing to a shape.
		var probe struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}

		if probe.Type != "" {
			var event Event
			if json.Unmarshal(line, &event) == nil {
				select {
				case c.events <- event:
				default: // drop when the consumer is behind
				}
			}
			continue
		}

		if probe.ID != "" {
			var resp Response
			if json.Unmarshal(line, &resp) != nil {
				continue
			}
			c.mu.Lock()
			if ch, ok := c.pending[resp.ID]; ok {
				ch <- &resp
			}
			c.mu.Unlock()
		}
	}

	c.connected.Store(false)
	close(c.events)
}
