package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CrashCraftNetwork/SessionManager/config"
	"github.com/CrashCraftNetwork/SessionManager/metrics"
	"github.com/CrashCraftNetwork/SessionManager/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LoginNotifier receives the post-connection login signal. Caches implement
// it to run their login-phase hooks once the user is fully connected.
type LoginNotifier interface {
	NotifyLogin(ctx context.Context, user string)
}

// Handler is the connection front end: it authenticates a connecting
// identity, runs it through coordinator admission, and tracks the live
// connection for the session's lifetime.
type Handler struct {
	coord      *session.Coordinator
	registry   *ConnRegistry
	validator  *JWTValidator
	authConfig *config.AuthConfig
	notifiers  []LoginNotifier
	log        *zap.Logger
}

func NewHandler(coord *session.Coordinator, registry *ConnRegistry, validator *JWTValidator, authConfig *config.AuthConfig, log *zap.Logger) *Handler {
	return &Handler{
		coord:      coord,
		registry:   registry,
		validator:  validator,
		authConfig: authConfig,
		log:        log.Named("gateway"),
	}
}

// AddLoginNotifier subscribes a cache to the login signal. Call before the
// handler starts serving.
func (h *Handler) AddLoginNotifier(n LoginNotifier) {
	h.notifiers = append(h.notifiers, n)
}

// HandleSession handles one incoming connection: authenticate, admit,
// upgrade, then read until disconnect.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.resolveIdentity(w, r)
	if !ok {
		return
	}

	// Admission runs on this request goroutine, off the on-path executor;
	// it may block polling while another node flushes the previous session.
	admission, err := h.coord.Admit(r.Context(), identity)
	if err != nil {
		var denial *session.AdmissionError
		if errors.As(err, &denial) {
			h.log.Warn("admission denied",
				zap.String("user", identity.ID),
				zap.String("code", string(denial.Code)),
				zap.String("reason", denial.Reason))
			w.Header().Set("X-Denial-Code", string(denial.Code))
			http.Error(w, denial.Reason, http.StatusForbidden)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.String("user", identity.ID), zap.Error(err))
		// The session was admitted but the transport never came up; close
		// it so the row does not linger until another node claims the user.
		if derr := h.coord.NotifyDisconnect(r.Context(), identity.ID); derr != nil {
			h.log.Error("cleanup after failed upgrade", zap.String("user", identity.ID), zap.Error(derr))
		}
		return
	}

	conn := newConn(identity.ID, ws)
	conn.startKeepalive()
	h.registry.Add(conn)
	defer h.registry.Remove(conn)

	h.log.Info("user connected",
		zap.String("user", identity.ID),
		zap.Bool("resumed", admission.Resumed))

	if err := conn.WriteJSON(map[string]any{"user": identity.ID, "resumed": admission.Resumed}); err != nil {
		h.log.Error("failed to send session acknowledgement", zap.String("user", identity.ID), zap.Error(err))
	}

	for _, n := range h.notifiers {
		n.NotifyLogin(r.Context(), identity.ID)
	}

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				h.log.Warn("read error", zap.String("user", identity.ID), zap.Error(err))
			}
			break
		}
	}

	conn.Close(websocket.CloseNormalClosure, "Disconnected")
	if err := h.coord.NotifyDisconnect(r.Context(), identity.ID); err != nil {
		h.log.Error("disconnect handling failed", zap.String("user", identity.ID), zap.Error(err))
	}
}

// resolveIdentity authenticates the request and produces the external
// identity admission will operate on. With auth disabled the identity comes
// from query parameters, generating a fresh id when absent (useful for local
// development only).
func (h *Handler) resolveIdentity(w http.ResponseWriter, r *http.Request) (session.ExternalIdentity, bool) {
	if !h.authConfig.Enabled {
		id := r.URL.Query().Get("user")
		if id == "" {
			id = uuid.New().String()
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = id
		}
		return session.ExternalIdentity{ID: id, DisplayName: name}, true
	}

	if h.validator == nil {
		h.log.Error("auth is enabled but the JWT validator is not initialized")
		http.Error(w, "internal server configuration error", http.StatusInternalServerError)
		return session.ExternalIdentity{}, false
	}

	tokenString := r.URL.Query().Get(h.authConfig.TokenQueryParam)
	if tokenString == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		http.Error(w, "missing authentication token", http.StatusUnauthorized)
		return session.ExternalIdentity{}, false
	}

	claims, err := h.validator.ValidateToken(r.Context(), tokenString)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		h.log.Warn("invalid token", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "invalid authentication token", http.StatusUnauthorized)
		return session.ExternalIdentity{}, false
	}

	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}
	return session.ExternalIdentity{ID: claims.Subject, DisplayName: name}, true
}
