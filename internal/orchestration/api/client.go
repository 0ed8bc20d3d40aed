package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/events"
)

// TransportError wraps connection-level failures so callers can distinguish
// "the daemon said no" from "the daemon is unreachable".
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "ipc transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Client is a WebSocket client for the daemon's IPC endpoint. Concurrent
// Calls are safe; responses correlate on request id.
type Client struct {
	ws     *websocket.Conn
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]chan Frame
	closed  bool

	eventsCh chan events.Event
	done     chan struct{}
}

// Dial connects to a daemon at addr (host:port).
func Dial(ctx context.Context, addr string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	c := &Client{
		ws:       ws,
		pending:  make(map[string]chan Frame),
		eventsCh: make(chan events.Event, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down. Outstanding Calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close()
}

// Events returns the stream of unsolicited coordinator events. The channel
// closes when the connection drops.
func (c *Client) Events() <-chan events.Event {
	return c.eventsCh
}

// Call sends a request and decodes the response into result (which may be
// nil). A structured daemon failure is returned as *Error; connection
// failures as *TransportError.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	req := Request{ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = data
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &TransportError{Err: fmt.Errorf("connection closed")}
	}
	c.pending[id] = ch
	err := c.ws.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		c.forget(id)
		return &TransportError{Err: err}
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return &TransportError{Err: ctx.Err()}
	case <-c.done:
		return &TransportError{Err: fmt.Errorf("connection closed")}
	case f := <-ch:
		if f.Error != nil {
			return f.Error
		}
		if result != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, result); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		close(c.eventsCh)
		_ = c.Close()
	}()
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Kind {
		case KindResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case KindEvent:
			if f.Event == nil {
				continue
			}
			select {
			case c.eventsCh <- *f.Event:
			default:
				// A stalled consumer loses events rather than wedging the
				// read loop; events are advisory.
			}
		}
	}
}

// WaitHealthy polls the daemon's health endpoint until it responds or the
// deadline passes. Used by CLI commands right after spawning the daemon.
func WaitHealthy(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		c, err := Dial(dctx, addr)
		cancel()
		if err == nil {
			_ = c.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("daemon at %s not reachable within %s", addr, timeout)
}
