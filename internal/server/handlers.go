// Package server exposes HTTP handlers: the WebSocket upgrade, health check,
// message backfill and deletion, room metadata, and translation.
package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/lingochat/internal/chat"
	"github.com/Tyrowin/lingochat/internal/translate"
)

// API holds the collaborators of the REST handlers.
type API struct {
	hub        *Hub
	chat       ChatService
	translator Translator
	logger     *zap.Logger
}

// NewAPI creates the REST handlers. translator may be nil, in which case the
// translate endpoint answers 503.
func NewAPI(hub *Hub, svc ChatService, translator Translator, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{hub: hub, chat: svc, translator: translator, logger: logger}
}

// WebSocketHandler verifies the request's token, upgrades it, and registers
// the new connection with the hub, which starts its read and write pumps.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Bad Request. Expected a WebSocket handshake.", http.StatusBadRequest)
		return
	}
	if !h.origins.checkOrigin(r) {
		http.Error(w, "Forbidden origin", http.StatusForbidden)
		return
	}

	// The auth frame must name the token's subject, so the identity is
	// checked before the upgrade.
	claims, err := verifyRequest(h.cfg.JWTSecret, r)
	if err != nil {
		h.logger.Warn("websocket authentication failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, h, r.RemoteAddr)
	client.claims = claims
	if !h.Register(client) {
		_ = conn.Close()
	}
}

// SyncProfile stores the caller's token profile before the request is
// handled, so admin grants apply to REST calls too. It runs after JWTAuth.
func (a *API) SyncProfile(c *gin.Context) {
	if claims, ok := currentClaims(c); ok {
		if _, err := a.chat.SyncProfile(c.Request.Context(), profileFromClaims(claims, a.hub.cfg)); err != nil {
			a.logger.Warn("profile sync failed", zap.String("user_id", claims.Subject), zap.Error(err))
		}
	}
	c.Next()
}

// HealthHandler reports liveness and connection counts, plus the translation
// cache counters when a cache is configured.
func (a *API) HealthHandler(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"connections": a.hub.ConnectionCount(),
		"online":      a.hub.Presence().Total(),
	}
	if cs, ok := a.translator.(cacheStatser); ok {
		if stats, enabled := cs.CacheStats(); enabled {
			body["translationCache"] = stats
		}
	}
	c.JSON(http.StatusOK, body)
}

// ListMessages returns a room's recent messages, oldest first.
func (a *API) ListMessages(c *gin.Context) {
	roomID, ok := parseID(c, "roomId")
	if !ok {
		return
	}

	limit := chat.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := a.chat.History(c.Request.Context(), roomID, limit)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// DeleteMessage soft-deletes a message owned by the caller, or any message
// when the caller is an admin, and broadcasts the tombstone.
func (a *API) DeleteMessage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := a.chat.Delete(c.Request.Context(), id, currentUser(c)); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// roomView is a room with its live online count.
type roomView struct {
	chat.Room
	OnlineCount int `json:"onlineCount"`
}

// ListRooms returns the active rooms.
func (a *API) ListRooms(c *gin.Context) {
	rooms, err := a.chat.Rooms(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	views := make([]roomView, 0, len(rooms))
	for _, r := range rooms {
		views = append(views, roomView{Room: r, OnlineCount: a.hub.OnlineCount(r.ID)})
	}
	c.JSON(http.StatusOK, views)
}

// GetRoom returns one room including its admin-only flag.
func (a *API) GetRoom(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	room, err := a.chat.Room(c.Request.Context(), id)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, roomView{Room: room, OnlineCount: a.hub.OnlineCount(room.ID)})
}

type translateRequest struct {
	MessageID      int64  `json:"messageId"`
	Text           string `json:"text"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage" binding:"required"`
}

// Translate translates a stored message or free text.
func (a *API) Translate(c *gin.Context) {
	if a.translator == nil {
		abortWithError(c, http.StatusServiceUnavailable, "translation is not configured")
		return
	}

	var req translateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "targetLanguage is required")
		return
	}

	text, source := req.Text, req.SourceLanguage
	if req.MessageID != 0 {
		msg, err := a.chat.Message(c.Request.Context(), req.MessageID)
		if err != nil {
			a.respondError(c, err)
			return
		}
		text, source = msg.OriginalText, msg.OriginalLanguage
	}

	res, err := a.translator.Translate(c.Request.Context(), text, source, req.TargetLanguage)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// respondError maps domain errors to status codes.
func (a *API) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, chat.ErrForbidden), errors.Is(err, chat.ErrAdminOnly):
		status = http.StatusForbidden
	case errors.Is(err, chat.ErrRoomNotFound), errors.Is(err, chat.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, translate.ErrEmptyText), errors.Is(err, translate.ErrNoTarget):
		status = http.StatusBadRequest
	case errors.Is(err, translate.ErrUnavailable):
		status = http.StatusBadGateway
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		message = "internal server error"
	}
	_ = c.Error(err)
	abortWithError(c, status, message)
}

func parseID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		abortWithError(c, http.StatusBadRequest, "invalid "+param)
		return 0, false
	}
	return id, true
}
