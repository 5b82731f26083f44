package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CrashCraftNetwork/SessionManager/metrics"
)

// ConnRegistry tracks the live connections on this node and implements the
// coordinator's Disconnector so a closing session can kick its user.
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	log   *zap.Logger
}

func NewConnRegistry(log *zap.Logger) *ConnRegistry {
	return &ConnRegistry{
		conns: make(map[string]*Conn),
		log:   log.Named("connections"),
	}
}

// Add registers a connection. A previous connection for the same user is
// closed first; the session row stays, this is a transport-level takeover.
func (r *ConnRegistry) Add(conn *Conn) {
	r.mu.Lock()
	old, had := r.conns[conn.User]
	r.conns[conn.User] = conn
	r.mu.Unlock()

	if had {
		old.Close(websocket.CloseGoingAway, "Replaced by a new connection")
	} else {
		metrics.ActiveConnections.Inc()
	}
}

// Remove drops the registration if it still points at conn.
func (r *ConnRegistry) Remove(conn *Conn) {
	r.mu.Lock()
	current, ok := r.conns[conn.User]
	if ok && current == conn {
		delete(r.conns, conn.User)
		metrics.ActiveConnections.Dec()
	}
	r.mu.Unlock()
}

// Get returns the live connection for user, if any.
func (r *ConnRegistry) Get(user string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[user]
	return conn, ok
}

// DisconnectUser force-closes a user's connection with a reason the user
// sees, distinguishing a remote session close from a generic network error.
func (r *ConnRegistry) DisconnectUser(user string, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[user]
	if ok {
		delete(r.conns, user)
		metrics.ActiveConnections.Dec()
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.log.Info("force-disconnecting user", zap.String("user", user), zap.String("reason", reason))
	conn.Close(websocket.CloseGoingAway, reason)
}

// CloseAll closes every live connection, used at process shutdown.
func (r *ConnRegistry) CloseAll(reason string) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*Conn)
	metrics.ActiveConnections.Set(0)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, reason)
	}
}
