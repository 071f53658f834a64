package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"studyhub/cmd/internal/notify"
	v1 "studyhub/shared/contracts/realtime/v1"
)

// MessageLog appends to room logs and fans appended messages out.
//
// Append and broadcast for one room run under that room's lock, so
// subscribers observe messages in commit order. Different rooms proceed
// independently.
type MessageLog struct {
	log      *slog.Logger
	store    Store
	hub      *Hub
	locks    *KeyedMutex
	notifier notifier
	metrics  *Metrics
	now      func() time.Time
}

// NewMessageLog constructs a MessageLog. locks is shared with RoomService.
func NewMessageLog(log *slog.Logger, store Store, hub *Hub, locks *KeyedMutex, sink NotificationSink, metrics *Metrics) *MessageLog {
	if log == nil {
		log = slog.Default()
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &MessageLog{
		log:      log,
		store:    store,
		hub:      hub,
		locks:    locks,
		notifier: notifier{sink: sink, log: log},
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SendInput describes a user message.
type SendInput struct {
	RoomID   string
	SenderID string
	Content  string
	Type     string

	// Kind, when set, requires the room to be of that kind.
	Kind RoomKind
}

// Send appends a user message and broadcasts it to the room topic.
// The sender must hold a JOINED membership.
func (l *MessageLog) Send(ctx context.Context, in SendInput) (Message, error) {
	const op = "realtime.Send"

	roomID := strings.TrimSpace(in.RoomID)
	senderID := strings.TrimSpace(in.SenderID)
	content := strings.TrimSpace(in.Content)
	if roomID == "" || senderID == "" {
		return Message{}, opErr(op, ErrInvalidArgument, "missing room or sender")
	}
	if content == "" {
		return Message{}, opErr(op, ErrInvalidArgument, "empty content")
	}
	if utf8.RuneCountInString(content) > maxMessageChars {
		return Message{}, opErr(op, ErrInvalidArgument, fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
	}
	typ, err := ParseUserMessageType(in.Type)
	if err != nil {
		return Message{}, err
	}

	unlock := l.locks.Lock(roomID)
	defer unlock()

	room, err := l.store.GetRoom(ctx, roomID)
	if err != nil {
		return Message{}, err
	}
	if in.Kind != "" && room.Kind != in.Kind {
		return Message{}, opErr(op, ErrInvalidArgument, "room is not a "+string(in.Kind)+" room")
	}
	if err := l.requireStatus(ctx, op, roomID, senderID, StatusJoined); err != nil {
		return Message{}, err
	}

	msg, err := l.appendLocked(ctx, room, senderID, content, typ)
	if err != nil {
		return Message{}, err
	}

	if room.Kind == RoomKindDirect {
		l.notifyPartner(ctx, room, msg)
	}
	return msg, nil
}

// Typing relays a typing indicator to the room topic. Nothing is stored.
func (l *MessageLog) Typing(ctx context.Context, roomID, userID string) error {
	const op = "realtime.Typing"
	if roomID == "" || userID == "" {
		return opErr(op, ErrInvalidArgument, "missing room or user")
	}

	unlock := l.locks.Lock(roomID)
	defer unlock()

	room, err := l.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := l.requireStatus(ctx, op, roomID, userID, StatusJoined); err != nil {
		return err
	}
	_, err = l.hub.Publish(TopicForRoom(room), EventTyping, v1.TypingPayload{
		Kind:   EventTyping,
		RoomID: roomID,
		UserID: userID,
	})
	return err
}

// History returns a newest-first page of the room log. The requester must be
// JOINED or INVITED. The read watermark advances to the newest returned
// message when it is not already there; on direct rooms the partner's
// messages in the page are flagged read.
func (l *MessageLog) History(ctx context.Context, roomID, requesterID string, page, size int) (MessagePage, error) {
	const op = "realtime.History"

	roomID = strings.TrimSpace(roomID)
	requesterID = strings.TrimSpace(requesterID)
	if roomID == "" || requesterID == "" {
		return MessagePage{}, opErr(op, ErrInvalidArgument, "missing room or requester")
	}
	if page < 0 {
		return MessagePage{}, opErr(op, ErrInvalidArgument, "negative page")
	}

	room, err := l.store.GetRoom(ctx, roomID)
	if err != nil {
		return MessagePage{}, err
	}
	m, err := l.store.GetMembership(ctx, roomID, requesterID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return MessagePage{}, err
	}
	if err != nil || !m.Status.CanRead() {
		return MessagePage{}, opErr(op, ErrAuthorization, "not a member of this room")
	}

	out, err := l.store.FetchHistory(ctx, FetchHistoryInput{RoomID: roomID, Page: page, Size: size})
	if err != nil {
		return MessagePage{}, err
	}
	if len(out.Messages) == 0 {
		return out, nil
	}

	newest := out.Messages[0]
	if newest.Seq > m.LastReadSeq {
		if _, err := l.store.AdvanceReadWatermark(ctx, roomID, requesterID, newest.Seq, newest.ID); err != nil {
			l.log.Warn("message.watermark.fail", "room_id", roomID, "user_id", requesterID, "err", err)
		}
	}

	if room.Kind == RoomKindDirect {
		oldest := out.Messages[len(out.Messages)-1]
		if _, err := l.store.MarkDirectRead(ctx, MarkReadInput{
			RoomID:   roomID,
			ReaderID: requesterID,
			FromSeq:  oldest.Seq,
			ToSeq:    newest.Seq,
		}); err != nil {
			l.log.Warn("message.mark_read.fail", "room_id", roomID, "user_id", requesterID, "err", err)
		} else {
			for i := range out.Messages {
				if out.Messages[i].SenderID != requesterID {
					out.Messages[i].Read = true
				}
			}
		}
	}
	return out, nil
}

// appendSystemLocked appends a server-generated notice. The caller holds the
// room lock; no membership check applies.
func (l *MessageLog) appendSystemLocked(ctx context.Context, room Room, subjectID string, typ MessageType, content string) (Message, error) {
	if !typ.IsSystem() {
		return Message{}, opErr("realtime.appendSystem", ErrInvalidArgument, "not a system message type")
	}
	return l.appendLocked(ctx, room, subjectID, content, typ)
}

func (l *MessageLog) appendLocked(ctx context.Context, room Room, senderID, content string, typ MessageType) (Message, error) {
	now := l.now()
	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	msg, err := l.store.AppendMessage(ctx, AppendMessageInput{
		ID:       id,
		RoomID:   room.ID,
		SenderID: senderID,
		Content:  content,
		Type:     typ,
		Now:      now,
	})
	if err != nil {
		return Message{}, err
	}
	l.metrics.messageAppended(room.Kind)

	delivered, err := l.hub.Publish(TopicForRoom(room), EventMessage, msg.View())
	if err != nil {
		// The message is durable; subscribers recover it through history.
		l.log.Error("message.broadcast.fail", "room_id", room.ID, "message_id", msg.ID, "err", err)
	}
	l.log.Debug("message.append",
		"room_id", room.ID,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"type", string(msg.Type),
		"delivered", delivered,
	)
	return msg, nil
}

func (l *MessageLog) requireStatus(ctx context.Context, op, roomID, userID string, want MembershipStatus) error {
	m, err := l.store.GetMembership(ctx, roomID, userID)
	if errors.Is(err, ErrNotFound) {
		return opErr(op, ErrAuthorization, "not a "+strings.ToLower(string(want))+" member of this room")
	}
	if err != nil {
		return err
	}
	if m.Status != want {
		return opErr(op, ErrAuthorization, "not a "+strings.ToLower(string(want))+" member of this room")
	}
	return nil
}

func (l *MessageLog) notifyPartner(ctx context.Context, room Room, msg Message) {
	members, err := l.store.ListMembers(ctx, room.ID)
	if err != nil {
		l.log.Warn("notify.partner.lookup.fail", "room_id", room.ID, "err", err)
		return
	}
	for _, m := range members {
		if m.UserID == msg.SenderID {
			continue
		}
		l.notifier.send(ctx, notify.Notification{
			ActorID:     msg.SenderID,
			RecipientID: m.UserID,
			Message:     previewText(msg.Content),
			Kind:        notify.KindDirectMessage,
			ReferenceID: room.ID,
			CreatedAt:   msg.CreatedAt,
		})
	}
}

const maxPreviewChars = 80

func previewText(s string) string {
	if utf8.RuneCountInString(s) <= maxPreviewChars {
		return s
	}
	r := []rune(s)
	return string(r[:maxPreviewChars]) + "…"
}
