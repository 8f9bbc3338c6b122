package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/webitel/im-realtime-service/infra/server/http/middleware"
	"github.com/webitel/im-realtime-service/internal/domain/registry"
)

type WSHandler struct {
	logger   *slog.Logger
	deps     SessionDeps
	resolver middleware.IdentityResolver
	upgrader websocket.Upgrader
}

func NewWSHandler(deps SessionDeps, resolver middleware.IdentityResolver) *WSHandler {
	return &WSHandler{
		logger:   deps.Logger,
		deps:     deps,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. EXTRACT IDENTITY (injected by the identity middleware, resolved here otherwise)
	user, ok := middleware.GetIdentity(r.Context())
	if !ok {
		var err error
		if user, err = h.resolver.Resolve(r); err != nil {
			http.Error(w, "authentication failed: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	// 2. REFUSE NEW WORK WHILE DRAINING
	if h.deps.Hub.Stats().Draining {
		http.Error(w, registry.ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	// 3. UPGRADE TO WEBSOCKET
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WS_UPGRADE_FAILED", "err", err, "user_id", user.ID)
		return
	}

	// 4. SUPERVISE UNTIL RELEASED
	// The request goroutine owns the session; Run returns once cleanup is done.
	_ = NewSession(conn, user, h.deps).Run()
}
