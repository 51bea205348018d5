// Package server coordinates client registration, identity, room presence,
// message broadcast, and connection cleanup for the LingoChat WebSocket
// system via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/lingochat/internal/chat"
	"github.com/Tyrowin/lingochat/internal/presence"
	"github.com/Tyrowin/lingochat/internal/protocol"
)

// Hub is the connection registry. It owns every live Client, the identity
// and room each one has claimed, and the presence tracker, and it fans
// encoded frames out to the matching connections. Registry and presence are
// only mutated while holding mutex, so each handled frame updates them
// atomically.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan BroadcastMessage
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	cfg      Config
	origins  *originPolicy
	upgrader websocket.Upgrader
	service  ChatService
	presence *presence.Tracker
	logger   *zap.Logger
}

var _ chat.Broadcaster = (*Hub)(nil)

// NewHub creates a Hub that validates chat traffic with service and tracks
// presence in tracker. A nil tracker gets a fresh one; a nil logger disables
// logging.
func NewHub(cfg Config, service ChatService, tracker *presence.Tracker, logger *zap.Logger) *Hub {
	if tracker == nil {
		tracker = presence.NewTracker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.Sanitized()

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan BroadcastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		cfg:        cfg,
		origins:    newOriginPolicy(cfg.AllowedOrigins, logger),
		service:    service,
		presence:   tracker,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.checkOrigin,
	}
	return h
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Presence returns the tracker backing online counts.
func (h *Hub) Presence() *presence.Tracker {
	return h.presence
}

// Config returns the sanitized configuration the hub runs with.
func (h *Hub) Config() Config {
	return h.cfg
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// OnlineCount returns the number of users present in roomID.
func (h *Hub) OnlineCount(roomID int64) int {
	return h.presence.Count(roomID)
}

// Register hands a new client to the run loop. It reports false when the
// hub is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) enqueue(msg BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	}
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovered from panic in safeSend", zap.Any("panic", r))
		}
	}()

	// The send channel is only closed after the client is removed under the
	// write lock, so holding the read lock keeps it open for this send.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, and broadcasting. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("client registered",
				zap.String("client_id", client.id),
				zap.String("addr", client.addr),
				zap.Int("total_clients", clientCount))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.removeClient(client, "disconnected")

		case broadcastMsg := <-h.broadcast:
			h.handleBroadcast(broadcastMsg)
		}
	}
}

// authenticate records the identity claimed by client's auth frame and
// announces the user to the other authenticated connections.
func (h *Hub) authenticate(client *Client, userID, userName string) {
	var left *presence.Change

	h.mutex.Lock()
	if client.userID != "" && client.userID != userID && client.roomID != 0 {
		if !h.userInRoomLocked(client.userID, client.roomID, client) {
			if change, ok := h.presence.Leave(client.userID, client.roomID); ok {
				left = &change
			}
		}
		client.roomID = 0
	}
	client.userID = userID
	client.userName = userName
	h.mutex.Unlock()

	h.logger.Info("client authenticated",
		zap.String("client_id", client.id),
		zap.String("user_id", userID))

	if left != nil {
		h.enqueue(h.countBroadcast(*left))
	}
	h.enqueue(BroadcastMessage{
		Sender:  client,
		Payload: protocol.MustEncode(protocol.UserJoined{UserName: userName}),
		Filter:  isAuthenticated,
	})
}

// joinRoom moves client, and its user's presence, into roomID.
func (h *Hub) joinRoom(client *Client, roomID int64) {
	h.mutex.Lock()
	userID := client.userID
	client.roomID = roomID
	changes := h.presence.Join(userID, roomID)
	h.mutex.Unlock()

	h.logger.Debug("client joined room",
		zap.String("client_id", client.id),
		zap.String("user_id", userID),
		zap.Int64("room_id", roomID))

	for _, change := range changes {
		h.enqueue(h.countBroadcast(change))
	}
}

// identity returns the sender recorded for client.
func (h *Hub) identity(client *Client) (chat.Sender, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if client.userID == "" {
		return chat.Sender{}, false
	}
	return chat.Sender{UserID: client.userID, DisplayName: client.userName}, true
}

// userInRoomLocked reports whether a connection other than except carries
// userID in roomID. The caller holds mutex.
func (h *Hub) userInRoomLocked(userID string, roomID int64, except *Client) bool {
	for c := range h.clients {
		if c != except && c.userID == userID && c.roomID == roomID {
			return true
		}
	}
	return false
}

// roomOfUserLocked returns the room of any registered connection of userID.
// The caller holds mutex.
func (h *Hub) roomOfUserLocked(userID string) (int64, bool) {
	for c := range h.clients {
		if c.userID == userID && c.roomID != 0 {
			return c.roomID, true
		}
	}
	return 0, false
}

// PublishMessage queues a new_message frame for the connections selected by
// the configured broadcast scope: the message's room, or every authenticated
// connection. The sender's own connections always receive it.
func (h *Hub) PublishMessage(msg chat.Message) {
	payload, err := protocol.Encode(protocol.NewMessage{Message: msg})
	if err != nil {
		h.logger.Error("encode new_message failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}

	filter := isAuthenticated
	if h.cfg.BroadcastScope == ScopeRoom {
		roomID, senderID := msg.RoomID, msg.SenderID
		filter = func(c *Client) bool {
			return c.roomID == roomID || (c.userID != "" && c.userID == senderID)
		}
	}
	h.enqueue(BroadcastMessage{Payload: payload, Filter: filter})
}

// PublishDeletion queues a message_deleted frame for every connection, so
// clients holding a fetched copy can drop it whatever room they are in.
func (h *Hub) PublishDeletion(roomID, messageID int64) {
	h.enqueue(BroadcastMessage{
		Payload: protocol.MustEncode(protocol.MessageDeleted{MessageID: messageID, RoomID: roomID}),
	})
}

func (h *Hub) countBroadcast(change presence.Change) BroadcastMessage {
	return BroadcastMessage{
		Payload: protocol.MustEncode(protocol.OnlineCountUpdated{RoomID: change.RoomID, OnlineCount: change.Count}),
	}
}

func isAuthenticated(c *Client) bool {
	return c.userID != ""
}

// handleBroadcast processes a broadcast message and sends it to the selected clients
func (h *Hub) handleBroadcast(broadcastMsg BroadcastMessage) {
	clients := h.getClientSnapshot(broadcastMsg)

	h.logger.Debug("broadcasting frame", zap.Int("recipients", len(clients)))

	clientsToRemove := h.broadcastToClients(clients, broadcastMsg)
	h.removeFailedClients(clientsToRemove)
}

// getClientSnapshot returns the recipients of broadcastMsg, evaluated under
// the read lock so that the iteration is safe against concurrent changes.
func (h *Hub) getClientSnapshot(broadcastMsg BroadcastMessage) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if broadcastMsg.Sender != nil && client == broadcastMsg.Sender {
			continue
		}
		if broadcastMsg.Filter != nil && !broadcastMsg.Filter(client) {
			continue
		}
		clients = append(clients, client)
	}
	return clients
}

// broadcastToClients sends the payload to each client and returns the ones whose buffer was full
func (h *Hub) broadcastToClients(clients []*Client, broadcastMsg BroadcastMessage) []*Client {
	var clientsToRemove []*Client

	for _, client := range clients {
		if !h.safeSend(client, broadcastMsg.Payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	return clientsToRemove
}

// removeFailedClients drops clients that could not keep up with broadcasts
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	for _, client := range clientsToRemove {
		h.removeClient(client, "send buffer full")
	}
}

// removeClient discards a registered client, updates presence, and tells the
// remaining connections. It runs on the Run goroutine only.
func (h *Hub) removeClient(client *Client, reason string) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	client.closed = true

	userID, userName, roomID := client.userID, client.userName, client.roomID
	var changes []presence.Change
	if userID != "" && roomID != 0 && !h.userInRoomLocked(userID, roomID, client) {
		if change, ok := h.presence.Leave(userID, roomID); ok {
			changes = append(changes, change)
			// Another tab of the same user may still sit in a different room.
			if other, found := h.roomOfUserLocked(userID); found {
				changes = append(changes, h.presence.Join(userID, other)...)
			}
		}
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	h.logger.Info("client unregistered",
		zap.String("client_id", client.id),
		zap.String("addr", client.addr),
		zap.String("reason", reason),
		zap.Int("total_clients", clientCount))

	for _, change := range changes {
		h.handleBroadcast(h.countBroadcast(change))
	}
	if userID != "" {
		h.handleBroadcast(BroadcastMessage{
			Payload: protocol.MustEncode(protocol.UserLeft{UserName: userName}),
			Filter:  isAuthenticated,
		})
	}
}

// shutdownClients closes every connection and empties the registry.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		client.closed = true
		delete(h.clients, client)
	}
	h.mutex.Unlock()

	deadline := time.Now().Add(writeWait)
	for _, client := range clients {
		close(client.send)
		if client.conn == nil {
			continue
		}
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		if err := client.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
			h.logger.Debug("write close frame failed", zap.String("addr", client.addr), zap.Error(err))
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("error closing client connection", zap.String("addr", client.addr), zap.Error(err))
		}
	}
	h.presence.Reset()

	h.logger.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// persistContext bounds one storage round trip on behalf of a socket frame.
func (h *Hub) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.ctx, h.cfg.PersistTimeout)
}
