package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned by every operation on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrReceiveTimeout is returned when no frame arrives within the wait.
	ErrReceiveTimeout = errors.New("receive timeout")
)

// LifecycleError reports an operation attempted on a connection that is
// closed or closing. It is logged, never sent to the client.
type LifecycleError struct {
	Op  string
	Err error
}

func (e *LifecycleError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// Frame is one inbound data message.
type Frame struct {
	Type int // websocket.TextMessage or websocket.BinaryMessage
	Data []byte
}

// Binary reports whether the frame carries audio.
func (f Frame) Binary() bool {
	return f.Type == websocket.BinaryMessage
}

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// Connection wraps a WebSocket. All writes go through one mutex; a single
// reader goroutine owns ReadMessage and hands frames to Receive.
type Connection struct {
	ws   *websocket.Conn
	opts ConnectionOptions

	mu sync.Mutex

	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection wraps ws and starts its reader.
func NewConnection(ws *websocket.Conn, opts ConnectionOptions) *Connection {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	c := &Connection{
		ws:     ws,
		opts:   opts,
		frames: make(chan Frame, 16),
		done:   make(chan struct{}),
	}

	if opts.MaxMessageSize > 0 {
		ws.SetReadLimit(opts.MaxMessageSize)
	}
	ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})

	go c.readLoop()
	return c
}

func (c *Connection) readLoop() {
	defer c.Close()
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		select {
		case c.frames <- Frame{Type: mt, Data: data}:
		case <-c.done:
			return
		}
	}
}

// Receive waits up to timeout for the next frame. It returns
// ErrReceiveTimeout when nothing arrived and ErrClosed, on every call, once
// the peer is gone.
func (c *Connection) Receive(timeout time.Duration) (Frame, error) {
	select {
	case <-c.done:
		return Frame{}, ErrClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return Frame{}, ErrClosed
	case <-timer.C:
		return Frame{}, ErrReceiveTimeout
	}
}

// SendText sends a text message.
func (c *Connection) SendText(payload []byte) error {
	return c.write("send text", websocket.TextMessage, payload)
}

// SendJSON marshals v and sends it as a text message.
func (c *Connection) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write("send json", websocket.TextMessage, data)
}

// SendBinary sends a binary message.
func (c *Connection) SendBinary(payload []byte) error {
	return c.write("send binary", websocket.BinaryMessage, payload)
}

// SendPing sends a ping control frame.
func (c *Connection) SendPing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed() {
		return &LifecycleError{Op: "ping", Err: ErrClosed}
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
		go c.Close()
		return &LifecycleError{Op: "ping", Err: fmt.Errorf("%w: %w", ErrClosed, err)}
	}
	return nil
}

func (c *Connection) write(op string, mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed() {
		return &LifecycleError{Op: op, Err: ErrClosed}
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(mt, data); err != nil {
		go c.Close()
		return &LifecycleError{Op: op, Err: fmt.Errorf("%w: %w", ErrClosed, err)}
	}
	return nil
}

// KeepAlive sends a ping every interval until ctx ends or a ping fails.
func (c *Connection) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.SendPing(); err != nil {
				return
			}
		}
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Closed reports whether the connection has been closed.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}
