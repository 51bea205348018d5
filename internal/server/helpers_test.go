package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/lingochat/internal/chat"
	"github.com/Tyrowin/lingochat/internal/presence"
	"github.com/Tyrowin/lingochat/internal/protocol"
	"github.com/Tyrowin/lingochat/internal/storage"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// testEnv is a running server backed by an in-memory database.
type testEnv struct {
	server  *httptest.Server
	hub     *Hub
	store   *storage.Store
	service *chat.Service
	general chat.Room
	wsURL   string
}

// setupTestEnv starts a hub and HTTP server. customize may adjust the
// configuration before the hub is built.
func setupTestEnv(t *testing.T, customize func(cfg *Config), translator Translator) *testEnv {
	t.Helper()

	opts := storage.DefaultOptions()
	opts.LogLevel = logger.Silent
	store, err := storage.Open(":memory:", opts, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	general, err := store.CreateRoom(context.Background(), chat.Room{Name: "general", IsActive: true})
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	svc := chat.NewService(store, nil)

	// The origin list is completed once the server URL is known.
	env := &testEnv{store: store, service: svc, general: general}
	mux := http.NewServeMux()
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{env.server.URL}
	cfg.JWTSecret = testSecret
	cfg.RateLimit = RateLimitConfig{Burst: 100, RefillInterval: time.Second}
	if customize != nil {
		customize(cfg)
	}

	env.hub = NewHub(*cfg, svc, presence.NewTracker(), nil)
	svc.SetBroadcaster(env.hub)
	go env.hub.Run()
	t.Cleanup(func() { _ = env.hub.Shutdown(2 * time.Second) })

	api := NewAPI(env.hub, svc, translator, nil)
	mux.Handle("/", SetupRoutes(env.hub, api, nil))

	env.wsURL = "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	return env
}

func (e *testEnv) createRoom(t *testing.T, room chat.Room) chat.Room {
	t.Helper()
	created, err := e.store.CreateRoom(context.Background(), room)
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	return created
}

// dial opens a WebSocket with an allowed Origin header and a token for userID.
func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := e.dialToken(signToken(t, userID))
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialToken attempts an upgrade presenting token in the query string. An
// empty token is left out.
func (e *testEnv) dialToken(token string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	header.Set("Origin", e.server.URL)

	target := e.wsURL
	if token != "" {
		target += "?token=" + url.QueryEscape(token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	return dialer.Dial(target, header)
}

// connectAs dials, authenticates, and joins roomID, waiting until the join
// has been applied.
func (e *testEnv) connectAs(t *testing.T, userID, userName string, roomID int64) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, userID)
	sendFrame(t, conn, protocol.Auth{UserID: userID, UserName: userName})
	if roomID != 0 {
		sendFrame(t, conn, protocol.JoinRoom{RoomID: protocol.ID(roomID)})
		waitFor(t, conn, func(f protocol.Outbound) bool {
			c, ok := f.(protocol.OnlineCountUpdated)
			return ok && c.RoomID == roomID
		})
	}
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f protocol.Inbound) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(f)); err != nil {
		t.Fatalf("Failed to send %s frame: %v", f.FrameType(), err)
	}
}

func sendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("Failed to send raw frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (protocol.Outbound, error) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	f, err := protocol.DecodeOutbound(data)
	if err != nil {
		t.Fatalf("Server sent an undecodable frame %q: %v", data, err)
	}
	return f, nil
}

// waitFor reads frames until match accepts one, failing after two seconds.
func waitFor(t *testing.T, conn *websocket.Conn, match func(protocol.Outbound) bool) protocol.Outbound {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for frame")
		}
		f, err := readFrame(t, conn, remaining)
		if err != nil {
			t.Fatalf("Failed waiting for frame: %v", err)
		}
		if match(f) {
			return f
		}
	}
}

func waitForType[T protocol.Outbound](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	f := waitFor(t, conn, func(f protocol.Outbound) bool {
		_, ok := f.(T)
		return ok
	})
	return f.(T)
}

// expectNoFrame fails if a frame accepted by match arrives within timeout.
func expectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration, match func(protocol.Outbound) bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		f, err := readFrame(t, conn, remaining)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			t.Fatalf("Unexpected error while waiting for absence of frame: %v", err)
		}
		if match(f) {
			t.Fatalf("Received unexpected frame %#v", f)
		}
	}
}

func isNewMessage(f protocol.Outbound) bool {
	_, ok := f.(protocol.NewMessage)
	return ok
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	return signClaims(t, testSecret, jwt.MapClaims{"sub": userID})
}

// signClaims signs claims with secret, adding an expiry one hour out.
func signClaims(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func (e *testEnv) request(t *testing.T, method, path, userID string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, userID))
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
