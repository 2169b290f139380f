// Package protocol defines the JSON envelopes exchanged over the
// WebSocket. Every frame is one envelope, discriminated by its "type"
// field, with snake_case keys.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind is the value of an envelope's "type" field.
type Kind string

const (
	KindConnect         Kind = "connect"
	KindAuthResponse    Kind = "auth_response"
	KindError           Kind = "error"
	KindChatMessage     Kind = "message"
	KindTyping          Kind = "typing"
	KindPresence        Kind = "presence"
	KindDeliveryReceipt Kind = "delivery_receipt"
	KindReadReceipt     Kind = "read_receipt"
	KindProfileUpdate   Kind = "profile_update"
)

// Envelope is one wire message. Variants are pointer structs whose
// first field carries the type tag.
type Envelope interface {
	Kind() Kind
}

// Connect is the first frame a client must send: its chosen user id
// and, when the server has an access token configured, that token.
type Connect struct {
	Type   Kind    `json:"type"`
	UserID string  `json:"user_id"`
	Token  *string `json:"token,omitempty"`
}

func (*Connect) Kind() Kind { return KindConnect }

// AuthResponse acknowledges a completed handshake.
type AuthResponse struct {
	Type    Kind   `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (*AuthResponse) Kind() Kind { return KindAuthResponse }

// ErrorMessage reports a server-side error to a client.
type ErrorMessage struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

func (*ErrorMessage) Kind() Kind { return KindError }

// ChatMessage is a direct message addressed to one recipient.
type ChatMessage struct {
	Type        Kind   `json:"type"`
	ID          string `json:"id"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"` // unix millis
}

func (*ChatMessage) Kind() Kind { return KindChatMessage }

// Typing signals that a user started or stopped typing in a chat.
type Typing struct {
	Type     Kind   `json:"type"`
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

func (*Typing) Kind() Kind { return KindTyping }

// Presence reports a user coming online or going offline. LastSeen is
// null while the user is online.
type Presence struct {
	Type     Kind   `json:"type"`
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
	LastSeen *int64 `json:"last_seen"` // unix millis
}

func (*Presence) Kind() Kind { return KindPresence }

// DeliveryReceipt confirms that a message reached a recipient device.
type DeliveryReceipt struct {
	Type        Kind   `json:"type"`
	MessageID   string `json:"message_id"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id"`
	DeliveredTo string `json:"delivered_to"`
}

func (*DeliveryReceipt) Kind() Kind { return KindDeliveryReceipt }

// ReadReceipt confirms that a user read a batch of messages.
type ReadReceipt struct {
	Type       Kind     `json:"type"`
	ChatID     string   `json:"chat_id"`
	SenderID   string   `json:"sender_id"`
	UserID     string   `json:"user_id"`
	MessageIDs []string `json:"message_ids"`
}

func (*ReadReceipt) Kind() Kind { return KindReadReceipt }

// ProfileUpdate announces changed profile fields to other users.
type ProfileUpdate struct {
	Type       Kind    `json:"type"`
	UserID     string  `json:"user_id"`
	Name       string  `json:"name"`
	Phone      *string `json:"phone,omitempty"`
	AvatarURL  *string `json:"avatar_url,omitempty"`
	About      *string `json:"about,omitempty"`
	AvatarData *string `json:"avatar_data,omitempty"`
}

func (*ProfileUpdate) Kind() Kind { return KindProfileUpdate }

// Decode parses one frame into its envelope variant. Malformed JSON and
// unknown type tags are errors; callers drop the frame and keep the
// connection open.
func Decode(data []byte) (Envelope, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var env Envelope
	switch probe.Type {
	case KindConnect:
		env = &Connect{}
	case KindAuthResponse:
		env = &AuthResponse{}
	case KindError:
		env = &ErrorMessage{}
	case KindChatMessage:
		env = &ChatMessage{}
	case KindTyping:
		env = &Typing{}
	case KindPresence:
		env = &Presence{}
	case KindDeliveryReceipt:
		env = &DeliveryReceipt{}
	case KindReadReceipt:
		env = &ReadReceipt{}
	case KindProfileUpdate:
		env = &ProfileUpdate{}
	default:
		return nil, fmt.Errorf("decode envelope: unknown type %q", probe.Type)
	}

	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", probe.Type, err)
	}

	return env, nil
}

// Encode serializes an envelope, stamping the type tag from the
// variant so zero-value structs marshal correctly.
func Encode(env Envelope) ([]byte, error) {
	switch m := env.(type) {
	case *Connect:
		m.Type = KindConnect
	case *AuthResponse:
		m.Type = KindAuthResponse
	case *ErrorMessage:
		m.Type = KindError
	case *ChatMessage:
		m.Type = KindChatMessage
	case *Typing:
		m.Type = KindTyping
	case *Presence:
		m.Type = KindPresence
	case *DeliveryReceipt:
		m.Type = KindDeliveryReceipt
	case *ReadReceipt:
		m.Type = KindReadReceipt
	case *ProfileUpdate:
		m.Type = KindProfileUpdate
	default:
		return nil, fmt.Errorf("encode envelope: unsupported variant %T", env)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Kind(), err)
	}

	return data, nil
}
