// Package chat holds the message domain: persisted entities, submission
// validation, language detection, mention extraction, and the ingest
// service that persists and publishes messages.
package chat

import (
	"context"
	"errors"
	"time"
)

// MaxMessageLength is the longest message text accepted, counted in runes.
const MaxMessageLength = 5000

// Domain errors returned by the Service. Socket handlers turn them into error
// frames and REST handlers into status codes, so the text is user facing.
var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("not authenticated")
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrMessageTooLong  = errors.New("message text is too long")
	ErrRoomNotFound    = errors.New("room not found")
	ErrAdminOnly       = errors.New("only admins can post in this room")
	ErrPersistence     = errors.New("failed to save message")
	ErrMessageNotFound = errors.New("message not found")
	ErrForbidden       = errors.New("not allowed to delete this message")
)

// Message is a persisted chat message as delivered to clients.
type Message struct {
	ID                    int64     `json:"id"`
	RoomID                int64     `json:"roomId"`
	SenderID              string    `json:"senderId"`
	SenderName            string    `json:"senderName"`
	SenderProfileImageURL string    `json:"senderProfileImageUrl"`
	OriginalText          string    `json:"originalText"`
	OriginalLanguage      string    `json:"originalLanguage"`
	ReplyToID             *int64    `json:"replyToId,omitempty"`
	ReplyToText           string    `json:"replyToText,omitempty"`
	ReplyToSenderName     string    `json:"replyToSenderName,omitempty"`
	Mentions              []string  `json:"mentions,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

// Room is a named message stream.
type Room struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	IsActive     bool      `json:"isActive"`
	AdminOnly    bool      `json:"adminOnly"`
	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
}

// User is the stored profile behind an external identity.
type User struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	ProfileImageURL   string `json:"profileImageUrl"`
	IsAdmin           bool   `json:"isAdmin"`
	PreferredLanguage string `json:"preferredLanguage"`
}

// Sender identifies the connection submitting a message.
type Sender struct {
	UserID      string
	DisplayName string
}

// SubmitRequest carries the fields of an inbound chat message.
type SubmitRequest struct {
	RoomID            int64
	Text              string
	ReplyToID         *int64
	ReplyToText       string
	ReplyToSenderName string
	Mentions          []string
}

// Store is the persistence collaborator. Lookups of missing records return an
// error wrapping ErrNotFound.
type Store interface {
	GetRoom(ctx context.Context, id int64) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	TouchRoom(ctx context.Context, id int64, at time.Time) error
	GetUser(ctx context.Context, id string) (User, error)
	UpsertUser(ctx context.Context, user User) error
	SetAdmin(ctx context.Context, id string, admin bool) error
	SaveMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	ListMessages(ctx context.Context, roomID int64, limit int) ([]Message, error)
	DeleteMessage(ctx context.Context, id int64) error
}

// Broadcaster fans persisted changes out to connected clients.
type Broadcaster interface {
	PublishMessage(msg Message)
	PublishDeletion(roomID, messageID int64)
}
