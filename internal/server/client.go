// Package server manages individual WebSocket clients, handling read/write
// pumps, frame dispatch, rate limiting, and lifecycle control for each
// connection.
package server

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/lingochat/internal/chat"
	"github.com/Tyrowin/lingochat/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Client represents a WebSocket connection in the chat system. It starts
// unauthenticated; the auth frame sets its user and join_room its room.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	logger         *zap.Logger

	// claims is the verified token presented on the upgrade request.
	claims tokenClaims

	// Guarded by hub.mutex.
	userID   string
	userName string
	roomID   int64
}

// NewClient creates a new Client for conn using the hub's limits. The
// client's send channel is buffered to absorb short bursts of broadcasts.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		hub:            hub,
		addr:           addr,
		closed:         false,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		logger:         hub.logger.With(zap.String("client_id", id), zap.String("addr", addr)),
	}
}

// ID returns the connection id assigned at upgrade.
func (c *Client) ID() string {
	return c.id
}

// UserID returns the authenticated user, or "" before the auth frame.
func (c *Client) UserID() string {
	c.hub.mutex.RLock()
	defer c.hub.mutex.RUnlock()
	return c.userID
}

// RoomID returns the joined room, or 0.
func (c *Client) RoomID() int64 {
	c.hub.mutex.RLock()
	defer c.hub.mutex.RUnlock()
	return c.roomID
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read failure by kind. Every read error ends the
// read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", zap.Int64("max_bytes", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.logger.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding frame",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// processMessage decodes and dispatches one inbound frame. It returns false
// when the connection must be closed.
func (c *Client) processMessage(rawMessage []byte) bool {
	frame, err := protocol.DecodeInbound(rawMessage)
	if err != nil {
		c.logger.Debug("rejected frame", zap.Error(err))
		if errors.Is(err, protocol.ErrUnknownType) {
			c.sendError(err.Error())
		} else {
			c.sendError(protocol.ErrMalformed.Error())
		}
		return true
	}

	switch f := frame.(type) {
	case protocol.Auth:
		return c.handleAuth(f)
	case protocol.JoinRoom:
		c.handleJoinRoom(f)
	case protocol.ChatMessage:
		c.handleChatMessage(f)
	}
	return true
}

func (c *Client) handleAuth(f protocol.Auth) bool {
	userID := strings.TrimSpace(f.UserID)
	if userID == "" {
		c.logger.Warn("auth frame without user id; closing connection")
		c.closeWithCode(websocket.ClosePolicyViolation, "userId is required")
		return false
	}

	if userID != c.claims.Subject {
		c.logger.Warn("auth frame does not match token subject; closing connection",
			zap.String("user_id", userID),
			zap.String("subject", c.claims.Subject))
		c.closeWithCode(websocket.ClosePolicyViolation, "userId does not match token")
		return false
	}

	name := strings.TrimSpace(f.UserName)
	if name == "" {
		name = userID
	}
	c.syncProfile()
	c.hub.authenticate(c, userID, name)
	return true
}

// syncProfile stores the profile claims of the token. A failure is logged and
// the connection keeps whatever profile is already stored.
func (c *Client) syncProfile() {
	ctx, cancel := c.hub.persistContext()
	defer cancel()
	if _, err := c.hub.service.SyncProfile(ctx, profileFromClaims(c.claims, c.hub.cfg)); err != nil {
		c.logger.Warn("profile sync failed", zap.String("user_id", c.claims.Subject), zap.Error(err))
	}
}

func (c *Client) handleJoinRoom(f protocol.JoinRoom) {
	if _, ok := c.hub.identity(c); !ok {
		c.sendError(chat.ErrUnauthenticated.Error())
		return
	}

	roomID := int64(f.RoomID)
	ctx, cancel := c.hub.persistContext()
	defer cancel()
	if _, err := c.hub.service.Room(ctx, roomID); err != nil {
		c.logger.Debug("join rejected", zap.Int64("room_id", roomID), zap.Error(err))
		c.sendError(err.Error())
		return
	}

	c.hub.joinRoom(c, roomID)
}

func (c *Client) handleChatMessage(f protocol.ChatMessage) {
	sender, ok := c.hub.identity(c)
	if !ok {
		c.sendError(chat.ErrUnauthenticated.Error())
		return
	}

	ctx, cancel := c.hub.persistContext()
	defer cancel()
	msg, err := c.hub.service.Submit(ctx, sender, f.SubmitRequest())
	if err != nil {
		c.logger.Info("chat message rejected",
			zap.String("user_id", sender.UserID),
			zap.Int64("room_id", int64(f.RoomID)),
			zap.Error(err))
		c.sendError(err.Error())
		return
	}

	c.logger.Debug("chat message accepted",
		zap.Int64("message_id", msg.ID),
		zap.Int64("room_id", msg.RoomID))
}

// sendError queues an error frame for this connection only.
func (c *Client) sendError(reason string) {
	payload, err := protocol.Encode(protocol.Error{Message: reason})
	if err != nil {
		c.logger.Error("encode error frame failed", zap.Error(err))
		return
	}
	if !c.hub.safeSend(c, payload) {
		c.logger.Debug("error frame dropped", zap.String("reason", reason))
	}
}

// closeWithCode sends a close frame ahead of tearing the connection down.
func (c *Client) closeWithCode(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error writing close frame", zap.Error(err))
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.sendError("rate limit exceeded")
			continue
		}

		if !c.processMessage(rawMessage) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection in writePump", zap.Error(err))
	}
}

// handleMessage writes one outgoing frame and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error writing close message", zap.Error(err))
	}
	return false
}

// writeTextMessage writes a single JSON frame. Frames are never coalesced,
// so every WebSocket message carries exactly one JSON object.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("error writing ping message", zap.Error(err))
		return false
	}
	return true
}
