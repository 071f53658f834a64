package realtime

import (
	"strings"
	"time"

	v1 "studyhub/shared/contracts/realtime/v1"
)

// RoomKind distinguishes group rooms from two-party direct rooms.
type RoomKind string

const (
	RoomKindGroup  RoomKind = "group"
	RoomKindDirect RoomKind = "direct"
)

// MembershipStatus is the state of one (room, user) pair.
//
//	∅ -> INVITED -> {JOINED, ∅}
//	JOINED -> ∅ (leave / remove)
//
// BLOCKED and LEFT are reserved; no operation produces them.
type MembershipStatus string

const (
	StatusInvited MembershipStatus = "INVITED"
	StatusJoined  MembershipStatus = "JOINED"
	StatusLeft    MembershipStatus = "LEFT"
	StatusBlocked MembershipStatus = "BLOCKED"
)

// CanRead reports whether the status allows reading history and subscribing.
func (s MembershipStatus) CanRead() bool {
	return s == StatusJoined || s == StatusInvited
}

// MessageType tags how clients render a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"

	MessageSystemJoined  MessageType = "system.joined"
	MessageSystemLeft    MessageType = "system.left"
	MessageSystemRemoved MessageType = "system.removed"
)

// IsSystem reports whether t is server-generated.
func (t MessageType) IsSystem() bool {
	return strings.HasPrefix(string(t), "system.")
}

// ParseUserMessageType validates a client supplied type. Empty means text.
func ParseUserMessageType(raw string) (MessageType, error) {
	switch t := MessageType(strings.ToLower(strings.TrimSpace(raw))); t {
	case "":
		return MessageText, nil
	case MessageText, MessageImage, MessageFile:
		return t, nil
	default:
		return "", opErr("realtime.ParseUserMessageType", ErrInvalidArgument, "unsupported message type")
	}
}

// MessagePreview is the cached last message of a room, for list views.
type MessagePreview struct {
	Content string
	At      time.Time
}

// Room is a durable channel. Direct rooms have no group and no name.
type Room struct {
	ID        string
	Kind      RoomKind
	Name      string
	GroupID   string
	CreatedBy string
	CreatedAt time.Time

	// LastSeq is the seq of the newest message, 0 when empty.
	LastSeq     int64
	LastMessage *MessagePreview
}

// Membership is the per-(room, user) status record.
type Membership struct {
	RoomID            string
	UserID            string
	Status            MembershipStatus
	LastReadSeq       int64
	LastReadMessageID string
	UpdatedAt         time.Time
}

// Message is an immutable log entry. Only Read changes, and only on direct rooms.
//
// Seq is dense and strictly increasing per room. CreatedAt is strictly
// increasing per room as well, so (CreatedAt, ID) and Seq agree.
type Message struct {
	ID        string
	RoomID    string
	Seq       int64
	SenderID  string
	Content   string
	Type      MessageType
	CreatedAt time.Time
	Read      bool
}

// View renders m for the wire.
func (m Message) View() v1.MessageView {
	return v1.MessageView{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Seq:       m.Seq,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      string(m.Type),
		CreatedAt: m.CreatedAt,
		Read:      m.Read,
	}
}

// RoomSummary is one row of a user's room list.
type RoomSummary struct {
	Room      Room
	Status    MembershipStatus
	Unread    int64
	PartnerID string
}

// lastActivity orders summaries newest first.
func (s RoomSummary) lastActivity() time.Time {
	if s.Room.LastMessage != nil {
		return s.Room.LastMessage.At
	}
	return s.Room.CreatedAt
}

// MessagePage is a newest-first window of a room's log.
type MessagePage struct {
	Messages []Message
	Page     int
	Size     int
	HasMore  bool
}

// nextMessageTime keeps CreatedAt strictly increasing within a room at the
// microsecond precision Postgres stores.
func nextMessageTime(now time.Time, last *MessagePreview) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if last != nil && !t.After(last.At) {
		t = last.At.Add(time.Microsecond)
	}
	return t
}

// canonicalPair orders two user ids so the lower id comes first.
func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
