package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameBytes caps one inbound command frame.
const maxFrameBytes = 64 * 1024

// Conn is one browser websocket. Reads happen on the acceptor's handler
// goroutine; all writes go through the send queue and the write loop.
type Conn struct {
	id     string
	remote string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}

	closeOnce sync.Once
	closeCode int
	closeText string

	writeTimeout time.Duration
	pingInterval time.Duration
}

func newConn(id, remote string, raw *websocket.Conn, buffer int, writeTimeout, pingInterval time.Duration) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{
		id:           id,
		remote:       remote,
		ws:           raw,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		closeCode:    websocket.CloseNormalClosure,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

// ID returns the connection id used for group membership.
func (c *Conn) ID() string { return c.id }

// enqueue queues payload without blocking. It reports false when the
// queue is full or the connection is closing.
func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close starts an orderly close with code and reason. Safe to call more
// than once; the first call wins.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, reason
		close(c.done)
	})
}

// writeLoop drains the send queue and pings the peer until the connection
// closes. It owns every write to the socket.
func (c *Conn) writeLoop() {
	ping := time.NewTicker(c.pingInterval)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			}
			return
		}
	}
}

// flush writes whatever is already queued, best effort.
func (c *Conn) flush() {
	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(kind int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(kind, payload)
}
