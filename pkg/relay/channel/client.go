package channel

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the subset of *websocket.Conn the client wrapper needs. Tests
// substitute a fake.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// KindBrowser is the default client kind: raw PCM16 over the socket.
const KindBrowser = "browser"

// sendQueueSize bounds the per-client outbound queue. At 20ms a frame this
// is over a second of buffered audio before the client is considered slow.
const sendQueueSize = 64

type outFrame struct {
	messageType int
	data        []byte
}

// Client is one downstream websocket attached to a channel. Sends enqueue
// onto a bounded per-client queue drained by a dedicated writer goroutine,
// so one stalled connection never holds up a broadcast to the others; when
// the queue is full the frame is dropped instead.
type Client struct {
	id           string
	kind         string
	ws           wsConn
	writeTimeout time.Duration

	out    chan outFrame
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

// NewClient wraps an accepted websocket connection and starts its writer.
func NewClient(id string, ws wsConn, writeTimeout time.Duration) *Client {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	c := &Client{
		id:           id,
		kind:         KindBrowser,
		ws:           ws,
		writeTimeout: writeTimeout,
		out:          make(chan outFrame, sendQueueSize),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// WithKind tags the client with a transport adapter kind and returns it.
func (c *Client) WithKind(kind string) *Client {
	if kind != "" {
		c.kind = kind
	}
	return c
}

func (c *Client) ID() string   { return c.id }
func (c *Client) Kind() string { return c.kind }

// IsOpen reports whether the websocket is still writable.
func (c *Client) IsOpen() bool {
	return !c.closed.Load()
}

// SendJSON marshals v and enqueues it as a text message. Writes to a closed
// client are silently dropped.
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueue(websocket.TextMessage, data)
}

// SendBinary enqueues one binary frame.
func (c *Client) SendBinary(data []byte) error {
	return c.enqueue(websocket.BinaryMessage, data)
}

func (c *Client) enqueue(messageType int, data []byte) error {
	if c.closed.Load() {
		return nil
	}
	select {
	case c.out <- outFrame{messageType: messageType, data: data}:
		return nil
	case <-c.done:
		return nil
	default:
		return fmt.Errorf("client %s send queue full", c.id)
	}
}

// writeLoop drains the queue onto the wire. A write error marks the client
// closed; queued frames at that point are discarded.
func (c *Client) writeLoop() {
	for {
		select {
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(f.messageType, f.data); err != nil {
				c.shutdown(false)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close sends a close frame and tears down the connection. Repeated closes
// are no-ops.
func (c *Client) Close() {
	c.shutdown(true)
}

func (c *Client) shutdown(sendClose bool) {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if sendClose {
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		}
		_ = c.ws.Close()
	})
}
