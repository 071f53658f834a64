// Package v1 defines the studyhub Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated at upgrade time.
const Subprotocol = "studyhub.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeConnect carries the bearer credential; it must be the first frame (client -> server).
	TypeConnect = "connect"
	// TypeConnected confirms authentication and returns the session id (server -> client).
	TypeConnected = "connected"

	// TypeSubscribe attaches the session to a sub/... topic (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribed confirms a subscription (server -> client).
	TypeSubscribed = "subscribed"
	// TypeUnsubscribe detaches the session from a topic (client -> server).
	TypeUnsubscribe = "unsubscribe"
	// TypeUnsubscribed confirms an unsubscribe (server -> client).
	TypeUnsubscribed = "unsubscribed"

	// TypeSend publishes an action to a destination (client -> server).
	TypeSend = "send"
	// TypeReceipt acknowledges a processed send (server -> client).
	TypeReceipt = "receipt"

	// TypeMessage delivers a topic event to a subscriber (server -> client).
	TypeMessage = "message"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Header keys.
const (
	// HeaderAuthorization is the connect-frame header carrying "Bearer <token>".
	HeaderAuthorization = "authorization"
	// HeaderEvent names the event kind of a message frame: message, typing or presence.
	HeaderEvent = "event"
	// HeaderReceiptID echoes the client envelope id on receipt and error frames.
	HeaderReceiptID = "receipt-id"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V           string            `json:"v"`
	Type        string            `json:"type"`
	ID          string            `json:"id,omitempty"`
	Destination string            `json:"destination,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	TS          time.Time         `json:"ts,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeConnect:
		return nil
	case TypeSubscribe, TypeUnsubscribe, TypeSend:
		if strings.TrimSpace(e.Destination) == "" {
			return errors.New("missing field: destination")
		}
		return nil
	case TypeConnected,
		TypeSubscribed,
		TypeUnsubscribed,
		TypeReceipt,
		TypeMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Header returns a header value by case-insensitive key.
func (e Envelope) Header(key string) string {
	for k, v := range e.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// ---- Payloads ----

// ConnectedPayload is returned once the session identity is attached.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// RoomMessagePayload is the body of room/{roomId}/message.
type RoomMessagePayload struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// DirectSendPayload is the body of dm/send and dm/room/{roomId}/send.
// For dm/send either RoomID or PartnerID must be set.
type DirectSendPayload struct {
	RoomID    string `json:"roomId,omitempty"`
	PartnerID string `json:"partnerId,omitempty"`
	Content   string `json:"content"`
}

// MessageView is the rendered form of a stored message (room and direct).
type MessageView struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read,omitempty"`
}

// TypingPayload is relayed to sub/room/{roomId} subscribers.
type TypingPayload struct {
	Kind   string `json:"kind"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// PresencePayload is pushed to sub/presence/{type}/{id} on every change.
type PresencePayload struct {
	Channel string `json:"channel"`
	Count   int64  `json:"count"`
}

// ReceiptPayload acknowledges a send frame.
type ReceiptPayload struct {
	ReceiptID string `json:"receiptId"`
	MessageID string `json:"messageId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
