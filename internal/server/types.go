// Package server defines shared broadcast types and utility helpers that are
// reused across client and hub logic.
package server

import (
	"context"
	"strings"

	"github.com/Tyrowin/lingochat/internal/chat"
	"github.com/Tyrowin/lingochat/internal/translate"
)

// ChatService is the message domain used by socket and REST handlers.
type ChatService interface {
	Submit(ctx context.Context, sender chat.Sender, req chat.SubmitRequest) (chat.Message, error)
	Delete(ctx context.Context, messageID int64, requesterID string) error
	History(ctx context.Context, roomID int64, limit int) ([]chat.Message, error)
	Message(ctx context.Context, id int64) (chat.Message, error)
	Room(ctx context.Context, id int64) (chat.Room, error)
	Rooms(ctx context.Context) ([]chat.Room, error)
	SyncProfile(ctx context.Context, profile chat.User) (chat.User, error)
}

// Translator translates message text for the REST API.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (translate.Result, error)
}

// cacheStatser is implemented by translators that keep a result cache.
type cacheStatser interface {
	CacheStats() (translate.CacheStats, bool)
}

// BroadcastMessage is an encoded frame queued for fan-out by the hub.
// Sender, when set, is excluded from delivery. Filter, when set, selects the
// recipients and is evaluated while the hub holds its registry lock.
type BroadcastMessage struct {
	Sender  *Client
	Payload []byte
	Filter  func(*Client) bool
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
