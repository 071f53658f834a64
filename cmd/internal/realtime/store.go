package realtime

import (
	"context"
	"time"
)

// Store is the single source of truth for rooms, memberships and messages.
//
// Requirements on every implementation:
//   - At most one membership per (room, user).
//   - Membership changes are conditional on the current status, so concurrent
//     transitions of one pair cannot both succeed.
//   - Seq is dense and strictly increasing per room.
//   - At most one direct room per unordered pair of users.
//
// Errors carry ErrNotFound, ErrInvalidState or ErrInvalidArgument as OpError kinds.
type Store interface {
	// CreateRoom persists a room and its initial memberships atomically.
	CreateRoom(ctx context.Context, room Room, members []Membership) error
	GetRoom(ctx context.Context, roomID string) (Room, error)
	// DeleteRoom removes a group room with its memberships and messages.
	DeleteRoom(ctx context.Context, roomID string) error
	// ListRoomsForUser returns rooms where userID is INVITED or JOINED, newest activity first.
	ListRoomsForUser(ctx context.Context, userID string) ([]RoomSummary, error)

	GetMembership(ctx context.Context, roomID, userID string) (Membership, error)
	ListMembers(ctx context.Context, roomID string) ([]Membership, error)
	// AddInvites creates INVITED rows for users without a membership and
	// returns the ids actually added.
	AddInvites(ctx context.Context, roomID string, userIDs []string, now time.Time) ([]string, error)
	// TransitionMembership moves (room, user) from one status to another.
	TransitionMembership(ctx context.Context, in TransitionInput) error
	// RemoveMembership deletes (room, user) if it currently has status From.
	RemoveMembership(ctx context.Context, in RemoveMembershipInput) (RemoveMembershipResult, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	// FetchHistory returns messages newest first.
	FetchHistory(ctx context.Context, in FetchHistoryInput) (MessagePage, error)
	// AdvanceReadWatermark moves the watermark forward only; it reports whether it moved.
	AdvanceReadWatermark(ctx context.Context, roomID, userID string, seq int64, messageID string) (bool, error)
	// MarkDirectRead flags messages in [FromSeq, ToSeq] not sent by ReaderID as read.
	MarkDirectRead(ctx context.Context, in MarkReadInput) (int64, error)

	FindDirectRoom(ctx context.Context, userA, userB string) (Room, error)
	// CreateDirectRoom creates the pair's room, or returns the existing one
	// with created=false when another writer got there first.
	CreateDirectRoom(ctx context.Context, room Room, userA, userB string) (out Room, created bool, err error)

	Close() error
}

// TransitionInput describes a conditional status change.
type TransitionInput struct {
	RoomID string
	UserID string
	From   MembershipStatus
	To     MembershipStatus
	Now    time.Time
}

// RemoveMembershipInput describes a conditional membership delete.
type RemoveMembershipInput struct {
	RoomID string
	UserID string
	From   MembershipStatus

	// ReclaimEmpty deletes a group room in the same transaction when no
	// JOINED member remains.
	ReclaimEmpty bool
}

// RemoveMembershipResult reports side effects of a membership delete.
type RemoveMembershipResult struct {
	RoomDeleted bool
}

// AppendMessageInput describes a message append. The store assigns Seq and
// CreatedAt and refreshes the room preview.
type AppendMessageInput struct {
	ID       string
	RoomID   string
	SenderID string
	Content  string
	Type     MessageType
	Now      time.Time
}

// FetchHistoryInput selects a newest-first page. Page is zero based.
type FetchHistoryInput struct {
	RoomID string
	Page   int
	Size   int
}

// MarkReadInput selects the direct messages a reader has seen.
type MarkReadInput struct {
	RoomID   string
	ReaderID string
	FromSeq  int64
	ToSeq    int64
}

const (
	defaultHistorySize = 20
	maxHistorySize     = 100
)

func normalizePage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultHistorySize
	}
	if size > maxHistorySize {
		size = maxHistorySize
	}
	return page, size
}
