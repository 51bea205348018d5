package protocol

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type Type `json:"type"`
}

// Encode marshals f with its "type" field first.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.FrameType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s frame: not a JSON object", f.FrameType())
	}
	typ, err := json.Marshal(f.FrameType())
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.FrameType(), err)
	}

	out := make([]byte, 0, len(body)+len(typ)+9)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// MustEncode is Encode for frames that cannot fail to marshal.
func MustEncode(f Frame) []byte {
	b, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeInbound parses a client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeAuth:
		return decodeAs[Auth](data)
	case TypeJoinRoom:
		return decodeAs[JoinRoom](data)
	case TypeChatMessage:
		return decodeAs[ChatMessage](data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
}

// DecodeOutbound parses a server frame.
func DecodeOutbound(data []byte) (Outbound, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeNewMessage:
		return decodeAs[NewMessage](data)
	case TypeMessageDeleted:
		return decodeAs[MessageDeleted](data)
	case TypeUserJoined:
		return decodeAs[UserJoined](data)
	case TypeUserLeft:
		return decodeAs[UserLeft](data)
	case TypeOnlineCountUpdated:
		return decodeAs[OnlineCountUpdated](data)
	case TypeError:
		return decodeAs[Error](data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
}

func peekType(data []byte) (Type, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.Type, nil
}

func decodeAs[T Frame](data []byte) (T, error) {
	var f T
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %s frame: %v", ErrMalformed, f.FrameType(), err)
	}
	return f, nil
}
