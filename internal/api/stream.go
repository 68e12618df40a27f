package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// newUpgrader builds the WebSocket upgrader. Origin checks mirror the
// CORS allowlist; a "*" entry admits everything, and requests without an
// Origin header (non-browser clients) always pass.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// UserStream upgrades the connection and attaches it to the caller's
// tenant channel. Authentication happens here, not in middleware, because
// browser WebSocket clients cannot set an Authorization header and pass
// the token as a query parameter instead.
func (h *Handlers) UserStream(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.auth.tenantFromRequest(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", "tenant", tenant, "error", err)
		return
	}

	h.logger.Debug("stream attached", "tenant", tenant)
	h.events.Attach(conn, tenant)
}

// AdminStream attaches the connection to the admin channel, which carries
// every tenant's events. Only configured admin users may subscribe.
func (h *Handlers) AdminStream(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.auth.tenantFromRequest(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.auth.isAdmin(tenant) {
		h.writeError(w, http.StatusForbidden, "admin access required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "tenant", tenant, "error", err)
		return
	}

	h.logger.Debug("admin stream attached", "tenant", tenant)
	h.events.AttachAdmin(conn)
}
