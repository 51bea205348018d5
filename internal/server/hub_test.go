package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/lingochat/internal/chat"
	"github.com/Tyrowin/lingochat/internal/protocol"
)

// newRunningHub starts a hub without a chat service. Clients are attached
// directly to the registry so no sockets or pumps are involved.
func newRunningHub(t *testing.T, customize func(cfg *Config)) *Hub {
	t.Helper()
	cfg := NewConfig()
	if customize != nil {
		customize(cfg)
	}
	h := NewHub(*cfg, nil, nil, nil)
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })
	return h
}

func attachClient(h *Hub, addr string) *Client {
	c := NewClient(nil, h, addr)
	h.mutex.Lock()
	h.clients[c] = true
	h.mutex.Unlock()
	return c
}

func nextClientFrame(t *testing.T, c *Client, timeout time.Duration) (protocol.Outbound, bool) {
	t.Helper()
	select {
	case payload, ok := <-c.send:
		if !ok {
			return nil, false
		}
		f, err := protocol.DecodeOutbound(payload)
		if err != nil {
			t.Fatalf("Hub queued an undecodable frame %q: %v", payload, err)
		}
		return f, true
	case <-time.After(timeout):
		return nil, false
	}
}

// awaitClientFrame drains c until match accepts a frame.
func awaitClientFrame(t *testing.T, c *Client, match func(protocol.Outbound) bool) protocol.Outbound {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, ok := nextClientFrame(t, c, time.Until(deadline))
		if !ok {
			break
		}
		if match(f) {
			return f
		}
	}
	t.Fatalf("Timed out waiting for frame on client %s", c.addr)
	return nil
}

func refuteClientFrame(t *testing.T, c *Client, timeout time.Duration, match func(protocol.Outbound) bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f, ok := nextClientFrame(t, c, time.Until(deadline))
		if !ok {
			return
		}
		if match(f) {
			t.Fatalf("Client %s received unexpected frame %#v", c.addr, f)
		}
	}
}

func countFor(roomID int64, count int) func(protocol.Outbound) bool {
	return func(f protocol.Outbound) bool {
		u, ok := f.(protocol.OnlineCountUpdated)
		return ok && u.RoomID == roomID && u.OnlineCount == count
	}
}

// TestNewHub verifies that a new hub is ready to run and sanitizes its
// configuration.
func TestNewHub(t *testing.T) {
	hub := NewHub(Config{BroadcastScope: "bogus"}, nil, nil, nil)

	if hub.GetUnregisterChan() == nil {
		t.Error("Unregister channel is nil")
	}
	if hub.Presence() == nil {
		t.Error("Presence tracker is nil")
	}
	if got := hub.Config().BroadcastScope; got != ScopeRoom {
		t.Errorf("Expected scope %q after sanitizing, got %q", ScopeRoom, got)
	}
	if got := hub.Config().MaxMessageSize; got != defaultMaxMessageSize {
		t.Errorf("Expected max message size %d, got %d", defaultMaxMessageSize, got)
	}
}

// TestHubShutdownStopsRun verifies that Run returns and Register refuses new
// clients after Shutdown.
func TestHubShutdownStopsRun(t *testing.T) {
	hub := NewHub(*NewConfig(), nil, nil, nil)
	go hub.Run()

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	select {
	case <-hub.done:
	default:
		t.Fatal("Run did not return after Shutdown")
	}

	if hub.Register(NewClient(nil, hub, "127.0.0.1:1")) {
		t.Error("Register accepted a client after Shutdown")
	}
}

// TestShutdownClosesClientChannels verifies that shutdown empties the
// registry, closes send channels, and resets presence.
func TestShutdownClosesClientChannels(t *testing.T) {
	hub := NewHub(*NewConfig(), nil, nil, nil)
	go hub.Run()

	c := attachClient(hub, "127.0.0.1:1")
	hub.authenticate(c, "u1", "Alice")
	hub.joinRoom(c, 1)
	awaitClientFrame(t, c, countFor(1, 1))

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	if hub.ConnectionCount() != 0 {
		t.Errorf("Expected empty registry, got %d clients", hub.ConnectionCount())
	}
	if hub.Presence().Total() != 0 {
		t.Errorf("Expected presence to be reset, got %d users", hub.Presence().Total())
	}
	for range c.send {
	}
}

// TestSafeSendToUnregisteredClient verifies that frames for clients outside
// the registry are refused.
func TestSafeSendToUnregisteredClient(t *testing.T) {
	hub := NewHub(*NewConfig(), nil, nil, nil)
	c := NewClient(nil, hub, "127.0.0.1:1")

	if hub.safeSend(c, []byte("{}")) {
		t.Error("safeSend delivered to an unregistered client")
	}
}

// TestAuthenticateAnnouncesToOthers verifies that user_joined reaches other
// authenticated connections but not the sender or anonymous sockets.
func TestAuthenticateAnnouncesToOthers(t *testing.T) {
	hub := newRunningHub(t, nil)
	bob := attachClient(hub, "bob")
	anon := attachClient(hub, "anon")
	alice := attachClient(hub, "alice")

	hub.authenticate(bob, "u2", "Bob")
	hub.authenticate(alice, "u1", "Alice")

	joined := awaitClientFrame(t, bob, func(f protocol.Outbound) bool {
		_, ok := f.(protocol.UserJoined)
		return ok
	}).(protocol.UserJoined)
	if joined.UserName != "Alice" {
		t.Errorf("Expected user_joined for Alice, got %q", joined.UserName)
	}

	isJoined := func(f protocol.Outbound) bool {
		_, ok := f.(protocol.UserJoined)
		return ok
	}
	refuteClientFrame(t, alice, 100*time.Millisecond, isJoined)
	refuteClientFrame(t, anon, 100*time.Millisecond, isJoined)

	sender, ok := hub.identity(alice)
	if !ok || sender.UserID != "u1" || sender.DisplayName != "Alice" {
		t.Errorf("Unexpected identity %+v (ok=%v)", sender, ok)
	}
	if _, ok := hub.identity(anon); ok {
		t.Error("Anonymous client reported an identity")
	}
}

// TestJoinRoomBroadcastsCounts verifies that switching rooms announces the
// old room's count before the new room's.
func TestJoinRoomBroadcastsCounts(t *testing.T) {
	hub := newRunningHub(t, nil)
	observer := attachClient(hub, "observer")
	c := attachClient(hub, "alice")

	hub.authenticate(c, "u1", "Alice")
	hub.joinRoom(c, 1)
	awaitClientFrame(t, observer, countFor(1, 1))

	hub.joinRoom(c, 2)
	first, ok := nextClientFrame(t, observer, time.Second)
	require.True(t, ok)
	second, ok := nextClientFrame(t, observer, time.Second)
	require.True(t, ok)

	require.Equal(t, protocol.OnlineCountUpdated{RoomID: 1, OnlineCount: 0}, first)
	require.Equal(t, protocol.OnlineCountUpdated{RoomID: 2, OnlineCount: 1}, second)
	require.Equal(t, int64(2), c.RoomID())
	require.Equal(t, 0, hub.OnlineCount(1))
	require.Equal(t, 1, hub.OnlineCount(2))
}

// TestReauthenticateAsOtherUserLeavesRoom verifies that a socket switching
// identity drops the previous user's presence.
func TestReauthenticateAsOtherUserLeavesRoom(t *testing.T) {
	hub := newRunningHub(t, nil)
	c := attachClient(hub, "alice")

	hub.authenticate(c, "u1", "Alice")
	hub.joinRoom(c, 1)
	awaitClientFrame(t, c, countFor(1, 1))

	hub.authenticate(c, "u9", "Mallory")
	awaitClientFrame(t, c, countFor(1, 0))

	require.Equal(t, int64(0), c.RoomID())
	require.Equal(t, "u9", c.UserID())
}

// TestPublishMessageRoomScope verifies that new_message reaches the room and
// the sender's own connections only.
func TestPublishMessageRoomScope(t *testing.T) {
	hub := newRunningHub(t, nil)
	inRoom := attachClient(hub, "in-room")
	senderElsewhere := attachClient(hub, "sender-elsewhere")
	other := attachClient(hub, "other")

	hub.authenticate(inRoom, "u1", "Alice")
	hub.authenticate(senderElsewhere, "u2", "Bob")
	hub.authenticate(other, "u3", "Carol")
	hub.joinRoom(inRoom, 1)
	hub.joinRoom(senderElsewhere, 2)
	hub.joinRoom(other, 2)

	hub.PublishMessage(chat.Message{ID: 7, RoomID: 1, SenderID: "u2", OriginalText: "hi"})

	got := awaitClientFrame(t, inRoom, isNewMessage).(protocol.NewMessage)
	require.Equal(t, int64(7), got.Message.ID)
	awaitClientFrame(t, senderElsewhere, isNewMessage)
	refuteClientFrame(t, other, 150*time.Millisecond, isNewMessage)
}

// TestPublishMessageGlobalScope verifies that the global scope ignores rooms
// but still skips connections that never authenticated.
func TestPublishMessageGlobalScope(t *testing.T) {
	hub := newRunningHub(t, func(cfg *Config) { cfg.BroadcastScope = ScopeGlobal })
	anon := attachClient(hub, "anon")
	member := attachClient(hub, "member")
	lobby := attachClient(hub, "lobby")
	hub.authenticate(member, "u1", "Alice")
	hub.joinRoom(member, 3)
	hub.authenticate(lobby, "u3", "Carol")

	hub.PublishMessage(chat.Message{ID: 1, RoomID: 1, SenderID: "u2"})

	awaitClientFrame(t, member, isNewMessage)
	awaitClientFrame(t, lobby, isNewMessage)
	refuteClientFrame(t, anon, 150*time.Millisecond, isNewMessage)
}

// TestPublishDeletionReachesEveryone verifies that tombstones go to all
// connections whatever room they are in.
func TestPublishDeletionReachesEveryone(t *testing.T) {
	hub := newRunningHub(t, nil)
	a := attachClient(hub, "a")
	b := attachClient(hub, "b")
	hub.authenticate(b, "u2", "Bob")
	hub.joinRoom(b, 5)

	hub.PublishDeletion(1, 42)

	isTombstone := func(f protocol.Outbound) bool {
		d, ok := f.(protocol.MessageDeleted)
		return ok && d.MessageID == 42 && d.RoomID == 1
	}
	awaitClientFrame(t, a, isTombstone)
	awaitClientFrame(t, b, isTombstone)
}

// TestRemoveClientAnnouncesDeparture verifies that unregistering updates the
// room count and sends user_left.
func TestRemoveClientAnnouncesDeparture(t *testing.T) {
	hub := newRunningHub(t, nil)
	observer := attachClient(hub, "observer")
	hub.authenticate(observer, "u2", "Bob")
	leaving := attachClient(hub, "leaving")
	hub.authenticate(leaving, "u1", "Alice")
	hub.joinRoom(leaving, 1)
	awaitClientFrame(t, observer, countFor(1, 1))

	hub.GetUnregisterChan() <- leaving

	awaitClientFrame(t, observer, countFor(1, 0))
	left := awaitClientFrame(t, observer, func(f protocol.Outbound) bool {
		_, ok := f.(protocol.UserLeft)
		return ok
	}).(protocol.UserLeft)
	require.Equal(t, "Alice", left.UserName)
	require.Equal(t, 1, hub.ConnectionCount())

	for range leaving.send {
	}
}

// TestRemoveClientKeepsOtherTabPresent verifies that closing one of two
// tabs in the same room keeps the user counted.
func TestRemoveClientKeepsOtherTabPresent(t *testing.T) {
	hub := newRunningHub(t, nil)
	tab1 := attachClient(hub, "tab1")
	tab2 := attachClient(hub, "tab2")
	hub.authenticate(tab1, "u1", "Alice")
	hub.authenticate(tab2, "u1", "Alice")
	hub.joinRoom(tab1, 1)
	hub.joinRoom(tab2, 1)
	require.Equal(t, 1, hub.OnlineCount(1))

	hub.GetUnregisterChan() <- tab1

	awaitClientFrame(t, tab2, func(f protocol.Outbound) bool {
		_, ok := f.(protocol.UserLeft)
		return ok
	})
	require.Equal(t, 1, hub.OnlineCount(1))
	room, ok := hub.Presence().RoomOf("u1")
	require.True(t, ok)
	require.Equal(t, int64(1), room)
}

// TestRemoveClientRestoresOtherTabRoom verifies that the user moves back to
// the room of a remaining tab.
func TestRemoveClientRestoresOtherTabRoom(t *testing.T) {
	hub := newRunningHub(t, nil)
	tab1 := attachClient(hub, "tab1")
	tab2 := attachClient(hub, "tab2")
	hub.authenticate(tab1, "u1", "Alice")
	hub.authenticate(tab2, "u1", "Alice")
	hub.joinRoom(tab1, 1)
	hub.joinRoom(tab2, 2)
	require.Equal(t, 0, hub.OnlineCount(1))
	require.Equal(t, 1, hub.OnlineCount(2))
	awaitClientFrame(t, tab1, countFor(2, 1))

	hub.GetUnregisterChan() <- tab2

	awaitClientFrame(t, tab1, countFor(1, 1))
	require.Equal(t, 0, hub.OnlineCount(2))
	require.Equal(t, 1, hub.OnlineCount(1))
}

// TestSlowClientIsDropped verifies that a client whose buffer is full is
// removed instead of blocking the broadcast.
func TestSlowClientIsDropped(t *testing.T) {
	hub := newRunningHub(t, nil)
	fast := attachClient(hub, "fast")
	slow := attachClient(hub, "slow")
	for i := 0; i < sendBuffer; i++ {
		slow.send <- []byte("{}")
	}

	hub.PublishDeletion(1, 1)

	awaitClientFrame(t, fast, func(f protocol.Outbound) bool {
		_, ok := f.(protocol.MessageDeleted)
		return ok
	})
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
}
