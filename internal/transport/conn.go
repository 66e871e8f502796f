package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	errConnClosed  = errors.New("connection closed")
	errSendOverrun = errors.New("send buffer full")
)

// wsConn adapts a websocket to the relay's connection handle. Frames are
// queued on a bounded channel and written by the connection's own writer
// goroutine, so a slow peer never stalls the sender.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration, buffer int) *wsConn {
	c := &wsConn{
		id:           uuid.New().String(),
		ws:           ws,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) ID() string { return c.id }

// Send queues one text frame. A peer whose queue is full is cut off: the
// socket is closed, the reader loop ends and the session is torn down.
func (c *wsConn) Send(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- raw:
		return nil
	default:
		c.shutdownLocked()
		_ = c.ws.Close()
		return errSendOverrun
	}
}

func (c *wsConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// writeLoop is the only caller of WriteMessage.
func (c *wsConn) writeLoop() {
	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.abort()
				return
			}
		case <-c.done:
			return
		}
	}
}

// ping sends a ping control frame. Control frames may be written
// concurrently with the writer goroutine.
func (c *wsConn) ping() error {
	if !c.Open() {
		return errConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame, best effort, and closes the socket. Frames
// still queued are dropped.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.shutdownLocked()
	c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// abort closes the socket without a close frame.
func (c *wsConn) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.shutdownLocked()
	_ = c.ws.Close()
}

func (c *wsConn) shutdownLocked() {
	c.closed = true
	close(c.done)
}
