package realtime

import (
	"time"

	"studyhub/cmd/identity/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewRoomID returns a ULID used for group and direct rooms.
func NewRoomID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewMessageID returns a ULID used as message id.
// ULIDs sort by creation time, which keeps (created_at, id) ordering stable in logs.
func NewMessageID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID for outbound envelopes. Envelope ids are only
// for tracing, so an entropy failure yields an empty id rather than an error.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
