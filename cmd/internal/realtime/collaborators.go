package realtime

import (
	"context"
	"log/slog"

	"studyhub/cmd/internal/notify"
)

// Directory is the external user and group directory.
type Directory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	IsApprovedMember(ctx context.Context, groupID, userID string) (bool, error)
	// GroupLeader returns "" when the group is unknown or has no leader.
	GroupLeader(ctx context.Context, groupID string) (string, error)
}

// NotificationSink receives notification side effects. Implementations must
// not block; the async notify.Dispatcher is the production sink.
type NotificationSink interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// notifier delivers best-effort: failures are logged and swallowed, and the
// triggering operation never waits on or rolls back because of them.
type notifier struct {
	sink NotificationSink
	log  *slog.Logger
}

func (n notifier) send(ctx context.Context, note notify.Notification) {
	if n.sink == nil {
		return
	}
	if err := n.sink.Notify(context.WithoutCancel(ctx), note); err != nil {
		n.log.Warn("notify.enqueue.fail",
			"kind", string(note.Kind),
			"recipient_id", note.RecipientID,
			"reference_id", note.ReferenceID,
			"err", err,
		)
	}
}
