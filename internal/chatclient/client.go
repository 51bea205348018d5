// Package chatclient is a Go client for the chat server. It keeps one
// authenticated socket open, reconnecting after abnormal closes, and merges
// the REST backfill with pushed messages into a duplicate-free View.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/lingochat/internal/chat"
	"github.com/Tyrowin/lingochat/internal/protocol"
)

const (
	// DefaultReconnectDelay is the fixed wait before reconnecting after an
	// abnormal close.
	DefaultReconnectDelay = time.Second

	writeWait = 10 * time.Second
)

var (
	// ErrNotConnected is returned by sends while no socket is open.
	ErrNotConnected = errors.New("not connected")
	// ErrRequest wraps non-success REST responses.
	ErrRequest = errors.New("request failed")
)

// Config describes the server a Client talks to.
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// APIURL is the REST base, e.g. http://localhost:8080.
	APIURL string
	// Origin is sent on the upgrade request when set.
	Origin         string
	RoomID         int64
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Client is one logical chat connection. Callbacks must be registered
// before Connect and are invoked from the client's goroutines.
type Client struct {
	cfg      Config
	identity *IdentityResolver
	view     *View
	logger   *zap.Logger

	mu           sync.Mutex
	state        State
	attempt      uint64
	inFlight     bool
	closedByUser bool
	conn         *websocket.Conn
	current      Identity
	timer        *time.Timer

	writeMu sync.Mutex

	onError func(reason string)
	onState func(State)
	onFrame func(protocol.Outbound)
}

// New creates a disconnected client.
func New(cfg Config, identity *IdentityResolver) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if identity == nil {
		identity = NewIdentityResolver(nil, nil, cfg.Logger)
	}
	return &Client{
		cfg:      cfg,
		identity: identity,
		view:     NewView(cfg.RoomID),
		logger:   cfg.Logger,
		state:    StateDisconnected,
	}
}

// OnError registers the handler for server error frames.
func (c *Client) OnError(fn func(reason string)) { c.onError = fn }

// OnStateChange registers the handler for lifecycle transitions.
func (c *Client) OnStateChange(fn func(State)) { c.onState = fn }

// OnFrame registers a handler that sees every decoded server frame after
// it has been applied to the view.
func (c *Client) OnFrame(fn func(protocol.Outbound)) { c.onFrame = fn }

// View returns the merged message list.
func (c *Client) View() *View { return c.view }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect resolves the identity, dials, authenticates, and joins the active
// room. It is a no-op while another attempt is in flight or the socket is
// open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight || c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.inFlight = true
	c.closedByUser = false
	c.attempt++
	token := c.attempt
	c.stopTimerLocked()
	c.mu.Unlock()

	id, err := c.identity.Resolve(ctx)
	if err != nil {
		c.finish(token, StateDisconnected, false)
		return err
	}

	if !c.transition(token, StateConnecting) {
		return nil
	}

	conn, err := c.dial(ctx, id)
	if err == nil {
		err = c.handshake(conn, id)
		if err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		c.logger.Warn("connect failed", zap.Uint64("attempt", token), zap.Error(err))
		c.finish(token, StateClosedError, true)
		return err
	}

	c.mu.Lock()
	if token != c.attempt {
		// Disconnect ran while the handshake was in progress.
		c.inFlight = false
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.current = id
	c.inFlight = false
	c.state = StateOpen
	c.mu.Unlock()
	c.emitState(StateOpen)

	c.logger.Info("connected", zap.Uint64("attempt", token), zap.String("user_id", id.UserID))
	go c.readLoop(conn, token)

	if roomID := c.view.Room(); roomID != 0 {
		if err := c.write(conn, protocol.JoinRoom{RoomID: protocol.ID(roomID)}); err != nil {
			c.logger.Warn("join_room failed", zap.Int64("room_id", roomID), zap.Error(err))
		}
	}
	return nil
}

// dial opens the socket, presenting id's token on the upgrade request.
func (c *Client) dial(ctx context.Context, id Identity) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}
	if id.Token != "" {
		header.Set("Authorization", "Bearer "+id.Token)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// handshake sends the auth frame. The server does not acknowledge it.
func (c *Client) handshake(conn *websocket.Conn, id Identity) error {
	name := id.UserName
	if name == "" {
		name = id.UserID
	}
	return c.write(conn, protocol.Auth{UserID: id.UserID, UserName: name})
}

// Disconnect closes the socket with a normal close and cancels any pending
// reconnect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closedByUser = true
	c.attempt++
	c.inFlight = false
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	changed := c.state != StateClosedClean
	c.state = StateClosedClean
	c.mu.Unlock()

	if changed {
		c.emitState(StateClosedClean)
	}
	if conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("write close frame failed", zap.Error(err))
	}
	return conn.Close()
}

// JoinRoom switches the active room and tells the server when connected.
func (c *Client) JoinRoom(roomID int64) error {
	c.view.SetRoom(roomID)
	conn := c.openConn()
	if conn == nil {
		return nil
	}
	return c.write(conn, protocol.JoinRoom{RoomID: protocol.ID(roomID)})
}

// Send submits a chat message. A zero RoomID means the active room.
func (c *Client) Send(msg protocol.ChatMessage) error {
	if msg.RoomID == 0 {
		msg.RoomID = protocol.ID(c.view.Room())
	}
	conn := c.openConn()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, msg)
}

func (c *Client) openConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil
	}
	return c.conn
}

func (c *Client) write(conn *websocket.Conn, f protocol.Inbound) error {
	payload, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", f.FrameType(), err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, token uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			c.handleClose(token, err)
			return
		}

		frame, err := protocol.DecodeOutbound(data)
		if err != nil {
			c.logger.Debug("ignoring undecodable frame", zap.Error(err))
			continue
		}

		if e, ok := frame.(protocol.Error); ok {
			c.logger.Info("server reported error", zap.String("reason", e.Message))
			if c.onError != nil {
				c.onError(e.Message)
			}
		}
		c.view.Apply(frame)
		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

// handleClose moves to a closed state unless the attempt has been
// superseded.
func (c *Client) handleClose(token uint64, err error) {
	c.mu.Lock()
	if token != c.attempt {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	next := StateClosedError
	if c.closedByUser || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		next = StateClosedClean
	} else {
		c.scheduleReconnectLocked(token)
	}
	c.state = next
	c.mu.Unlock()

	c.logger.Info("connection closed", zap.Stringer("state", next), zap.Error(err))
	c.emitState(next)
}

// finish ends an attempt that never reached Open.
func (c *Client) finish(token uint64, next State, reconnect bool) {
	c.mu.Lock()
	if token != c.attempt {
		c.mu.Unlock()
		return
	}
	c.inFlight = false
	c.state = next
	if reconnect && !c.closedByUser {
		c.scheduleReconnectLocked(token)
	}
	c.mu.Unlock()
	c.emitState(next)
}

// transition sets next while token is still the current attempt.
func (c *Client) transition(token uint64, next State) bool {
	c.mu.Lock()
	if token != c.attempt {
		c.mu.Unlock()
		return false
	}
	c.state = next
	c.mu.Unlock()
	c.emitState(next)
	return true
}

// scheduleReconnectLocked arms a single reconnect for token. A timer that
// fires after another attempt has started does nothing.
func (c *Client) scheduleReconnectLocked(token uint64) {
	c.stopTimerLocked()
	delay := c.cfg.ReconnectDelay
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := token != c.attempt || c.closedByUser || c.inFlight
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("reconnect failed", zap.Error(err))
		}
	})
	c.logger.Debug("reconnect scheduled", zap.Duration("delay", delay), zap.Uint64("attempt", token))
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) emitState(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}

// FetchHistory loads a room's backfill over REST. When the room is the
// active one the result also becomes the view's fetched set.
func (c *Client) FetchHistory(ctx context.Context, roomID int64) ([]chat.Message, error) {
	var msgs []chat.Message
	path := "/api/messages/" + strconv.FormatInt(roomID, 10)
	if err := c.do(ctx, http.MethodGet, path, &msgs); err != nil {
		return nil, err
	}
	if roomID == c.view.Room() {
		c.view.SetFetched(msgs)
	}
	return msgs, nil
}

// DeleteMessage asks the server to delete id and tombstones it locally on
// success. The server's message_deleted broadcast is then a no-op.
func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	path := "/api/messages/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, http.MethodDelete, path, nil); err != nil {
		return err
	}
	c.view.Remove(id)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	id, err := c.identity.Resolve(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.APIURL, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if id.Token != "" {
		req.Header.Set("Authorization", "Bearer "+id.Token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%w: %s %s: %d %s", ErrRequest, method, path, resp.StatusCode, body.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
