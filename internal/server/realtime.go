package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/huddle/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// newUpgrader accepts same-origin handshakes by default, or any origin on the
// configured allow list ("*" allows all).
func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowedOrigins) == 0 {
		return upgrader
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(strings.ToLower(origin), "/")] = struct{}{}
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed["*"]; ok {
			return true
		}
		_, ok := allowed[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
	return upgrader
}

// handleRealtime upgrades an already authenticated request and blocks for the
// life of the socket.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	identity := identityFromContext(c)
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket_upgrade_required"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", identity.ID), zap.Error(err))
		return
	}

	ctx := c.Request.Context()
	session, err := h.dispatcher.Open(ctx, identity)
	if errors.Is(err, realtime.ErrRegistryClosed) {
		h.logger.Info("refusing realtime session during shutdown", zap.String("user_id", identity.ID))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = ws.Close()
		return
	}
	if err != nil {
		h.logger.Error("failed to open realtime session", zap.String("user_id", identity.ID), zap.Error(err))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
		_ = ws.Close()
		return
	}
	realtime.Serve(ctx, ws, session, h.transport)
}
