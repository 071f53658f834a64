// Package notify carries notification side effects out of the messaging core.
//
// The core calls a Sink and never waits on delivery: storage, read state and
// fan-out to devices belong to the external notification system. Failures are
// logged and swallowed by the callers.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind classifies a notification for the downstream system.
type Kind string

const (
	KindRoomInvite    Kind = "room_invite"
	KindRoomRemoved   Kind = "room_removed"
	KindDirectMessage Kind = "direct_message"
)

// Notification is one outbound side effect.
type Notification struct {
	ActorID     string    `json:"actorId"`
	RecipientID string    `json:"recipientId"`
	Message     string    `json:"message"`
	Kind        Kind      `json:"kind"`
	ReferenceID string    `json:"referenceId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Validate checks the fields every sink relies on.
func (n Notification) Validate() error {
	if n.RecipientID == "" {
		return errors.New("notify: missing recipient")
	}
	if n.Kind == "" {
		return errors.New("notify: missing kind")
	}
	return nil
}

// Sink delivers notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogSink writes notifications to the logger. It is the fallback when no
// queue is configured.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Notify(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "notify.log",
		"kind", string(n.Kind),
		"actor_id", n.ActorID,
		"recipient_id", n.RecipientID,
		"reference_id", n.ReferenceID,
	)
	return nil
}
