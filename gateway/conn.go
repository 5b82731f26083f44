package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
)

// Conn wraps one user's websocket connection with serialized writes, a
// ping/pong keepalive and a close-once guard.
type Conn struct {
	User string

	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	stopPing  chan struct{}
}

func newConn(user string, ws *websocket.Conn) *Conn {
	return &Conn{User: user, ws: ws, stopPing: make(chan struct{})}
}

// WriteJSON writes data under the connection's write lock.
func (c *Conn) WriteJSON(data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(data)
}

// startKeepalive sends periodic pings and extends the read deadline on each
// pong. A peer that stops answering trips the read loop's deadline, which the
// handler treats as a disconnect.
func (c *Conn) startKeepalive() {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				c.mu.Unlock()
				if err != nil {
					return
				}
			case <-c.stopPing:
				return
			}
		}
	}()
}

// Close sends a close frame carrying code and reason, then tears the
// connection down. Safe to call more than once.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.stopPing)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeTimeout),
		)
		c.ws.Close()
	})
}
