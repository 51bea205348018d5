// Package protocol defines the JSON frames exchanged over the chat WebSocket.
//
// Every frame is a JSON object whose "type" field selects the variant. Frames
// sent by clients implement Inbound, frames sent by the server implement
// Outbound, and decoding rejects any type that does not belong to the
// expected direction.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/Tyrowin/lingochat/internal/chat"
)

// Type is the discriminator carried in the "type" field.
type Type string

// Frame types.
const (
	TypeAuth               Type = "auth"
	TypeJoinRoom           Type = "join_room"
	TypeChatMessage        Type = "chat_message"
	TypeNewMessage         Type = "new_message"
	TypeMessageDeleted     Type = "message_deleted"
	TypeUserJoined         Type = "user_joined"
	TypeUserLeft           Type = "user_left"
	TypeOnlineCountUpdated Type = "online_count_updated"
	TypeError              Type = "error"
)

var (
	// ErrUnknownType is returned for a missing type or one that is not valid
	// in the decoded direction.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned when a frame is not a JSON object or its fields
	// have the wrong shape.
	ErrMalformed = errors.New("invalid message")
)

// Frame is implemented by every frame variant.
type Frame interface {
	FrameType() Type
}

// Inbound frames are sent from client to server.
type Inbound interface {
	Frame
	inbound()
}

// Outbound frames are sent from server to client.
type Outbound interface {
	Frame
	outbound()
}

// ID is a numeric identifier that also accepts a quoted number on input.
type ID int64

// UnmarshalJSON accepts 7 and "7".
func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	raw := string(bytes.Trim(data, `"`))
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s", data)
	}
	*id = ID(n)
	return nil
}

// Auth associates the connection with an identity.
type Auth struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// JoinRoom moves the connection's presence to a room.
type JoinRoom struct {
	RoomID ID `json:"roomId"`
}

// ChatMessage submits a message to a room.
type ChatMessage struct {
	Text              string   `json:"text"`
	RoomID            ID       `json:"roomId"`
	ReplyToID         *ID      `json:"replyToId,omitempty"`
	ReplyToText       string   `json:"replyToText,omitempty"`
	ReplyToSenderName string   `json:"replyToSenderName,omitempty"`
	Mentions          []string `json:"mentions,omitempty"`
}

// NewMessage carries a persisted message.
type NewMessage struct {
	Message chat.Message `json:"message"`
}

// MessageDeleted tells clients to drop and remember a message id.
type MessageDeleted struct {
	MessageID int64 `json:"messageId"`
	RoomID    int64 `json:"roomId,omitempty"`
}

// UserJoined is an informational notice for a newly authenticated user.
type UserJoined struct {
	UserName string `json:"userName"`
}

// UserLeft is an informational notice for a closed connection.
type UserLeft struct {
	UserName string `json:"userName"`
}

// OnlineCountUpdated reports a room's presence count.
type OnlineCountUpdated struct {
	RoomID      int64 `json:"roomId"`
	OnlineCount int   `json:"onlineCount"`
}

// Error reports a failed operation to the connection that requested it.
type Error struct {
	Message string `json:"message"`
}

func (Auth) FrameType() Type               { return TypeAuth }
func (JoinRoom) FrameType() Type           { return TypeJoinRoom }
func (ChatMessage) FrameType() Type        { return TypeChatMessage }
func (NewMessage) FrameType() Type         { return TypeNewMessage }
func (MessageDeleted) FrameType() Type     { return TypeMessageDeleted }
func (UserJoined) FrameType() Type         { return TypeUserJoined }
func (UserLeft) FrameType() Type           { return TypeUserLeft }
func (OnlineCountUpdated) FrameType() Type { return TypeOnlineCountUpdated }
func (Error) FrameType() Type              { return TypeError }

func (Auth) inbound()        {}
func (JoinRoom) inbound()    {}
func (ChatMessage) inbound() {}

func (NewMessage) outbound()         {}
func (MessageDeleted) outbound()     {}
func (UserJoined) outbound()         {}
func (UserLeft) outbound()           {}
func (OnlineCountUpdated) outbound() {}
func (Error) outbound()              {}

// SubmitRequest converts the frame into the ingest request.
func (m ChatMessage) SubmitRequest() chat.SubmitRequest {
	req := chat.SubmitRequest{
		RoomID:            int64(m.RoomID),
		Text:              m.Text,
		ReplyToText:       m.ReplyToText,
		ReplyToSenderName: m.ReplyToSenderName,
		Mentions:          m.Mentions,
	}
	if m.ReplyToID != nil {
		id := int64(*m.ReplyToID)
		req.ReplyToID = &id
	}
	return req
}
