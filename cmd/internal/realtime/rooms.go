package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"studyhub/cmd/internal/notify"
)

const maxRoomNameChars = 100

// RoomService owns the membership state machine for group and direct rooms.
//
// Every transition of a room runs under that room's lock (shared with
// MessageLog), so the system notice it appends is ordered with user messages.
// The store's conditional updates keep transitions linearizable across
// processes.
type RoomService struct {
	log      *slog.Logger
	store    Store
	dir      Directory
	messages *MessageLog
	notifier notifier
	direct   singleflight.Group
	now      func() time.Time
}

// NewRoomService constructs a RoomService on top of messages.
func NewRoomService(log *slog.Logger, store Store, dir Directory, messages *MessageLog, sink NotificationSink) *RoomService {
	if log == nil {
		log = slog.Default()
	}
	return &RoomService{
		log:      log,
		store:    store,
		dir:      dir,
		messages: messages,
		notifier: notifier{sink: sink, log: log},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateRoomInput describes a new group room.
type CreateRoomInput struct {
	GroupID    string
	CreatorID  string
	Name       string
	InvitedIDs []string
}

// CreateRoom creates a group room with the creator JOINED and each eligible
// invitee INVITED, atomically. Invitees who are not approved members of the
// group are skipped.
func (s *RoomService) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	const op = "realtime.CreateRoom"

	groupID := strings.TrimSpace(in.GroupID)
	creatorID := strings.TrimSpace(in.CreatorID)
	name := strings.TrimSpace(in.Name)
	if groupID == "" || creatorID == "" {
		return Room{}, opErr(op, ErrInvalidArgument, "missing group or creator")
	}
	if name == "" || utf8.RuneCountInString(name) > maxRoomNameChars {
		return Room{}, opErr(op, ErrInvalidArgument, "room name must be 1-100 characters")
	}

	ok, err := s.dir.IsApprovedMember(ctx, groupID, creatorID)
	if err != nil {
		return Room{}, err
	}
	if !ok {
		return Room{}, opErr(op, ErrAuthorization, "creator is not an approved member of the group")
	}

	now := s.now()
	id, err := NewRoomID(now)
	if err != nil {
		return Room{}, err
	}
	room := Room{
		ID:        id,
		Kind:      RoomKindGroup,
		Name:      name,
		GroupID:   groupID,
		CreatedBy: creatorID,
		CreatedAt: now,
	}

	invited, err := s.eligibleInvitees(ctx, groupID, creatorID, in.InvitedIDs, nil)
	if err != nil {
		return Room{}, err
	}

	members := make([]Membership, 0, len(invited)+1)
	members = append(members, Membership{RoomID: id, UserID: creatorID, Status: StatusJoined, UpdatedAt: now})
	for _, uid := range invited {
		members = append(members, Membership{RoomID: id, UserID: uid, Status: StatusInvited, UpdatedAt: now})
	}

	if err := s.store.CreateRoom(ctx, room, members); err != nil {
		return Room{}, err
	}
	s.log.Info("room.create", "room_id", id, "group_id", groupID, "creator_id", creatorID, "invited", len(invited))

	s.notifyInvites(ctx, room, creatorID, invited)
	return room, nil
}

// Invite adds eligible users to a group room as INVITED. The acting user must
// be JOINED. It returns the ids actually invited.
func (s *RoomService) Invite(ctx context.Context, roomID, actingUserID string, userIDs []string) ([]string, error) {
	const op = "realtime.Invite"
	if roomID == "" || actingUserID == "" {
		return nil, opErr(op, ErrInvalidArgument, "missing room or acting user")
	}

	unlock := s.messages.locks.Lock(roomID)
	defer unlock()

	room, err := s.groupRoom(ctx, op, roomID)
	if err != nil {
		return nil, err
	}
	if err := s.messages.requireStatus(ctx, op, roomID, actingUserID, StatusJoined); err != nil {
		return nil, err
	}

	members, err := s.store.ListMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]struct{}, len(members))
	for _, m := range members {
		existing[m.UserID] = struct{}{}
	}

	eligible, err := s.eligibleInvitees(ctx, room.GroupID, actingUserID, userIDs, existing)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	added, err := s.store.AddInvites(ctx, roomID, eligible, s.now())
	if err != nil {
		return nil, err
	}
	s.log.Info("room.invite", "room_id", roomID, "acting_user_id", actingUserID, "invited", len(added))

	s.notifyInvites(ctx, room, actingUserID, added)
	return added, nil
}

// Respond accepts or declines an invite. Accepting moves INVITED to JOINED
// and announces it in the room; declining deletes the membership.
func (s *RoomService) Respond(ctx context.Context, roomID, userID string, accept bool) error {
	const op = "realtime.Respond"
	if roomID == "" || userID == "" {
		return opErr(op, ErrInvalidArgument, "missing room or user")
	}

	unlock := s.messages.locks.Lock(roomID)
	defer unlock()

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	if !accept {
		if _, err := s.store.RemoveMembership(ctx, RemoveMembershipInput{
			RoomID: roomID,
			UserID: userID,
			From:   StatusInvited,
		}); err != nil {
			return s.noInvite(op, err)
		}
		s.messages.hub.UnsubscribeUser(TopicForRoom(room), userID)
		s.log.Info("room.invite.decline", "room_id", roomID, "user_id", userID)
		return nil
	}

	if err := s.store.TransitionMembership(ctx, TransitionInput{
		RoomID: roomID,
		UserID: userID,
		From:   StatusInvited,
		To:     StatusJoined,
		Now:    s.now(),
	}); err != nil {
		return s.noInvite(op, err)
	}
	s.log.Info("room.invite.accept", "room_id", roomID, "user_id", userID)

	if _, err := s.messages.appendSystemLocked(ctx, room, userID, MessageSystemJoined, userID+" joined"); err != nil {
		s.log.Error("room.notice.fail", "room_id", roomID, "type", string(MessageSystemJoined), "err", err)
	}
	return nil
}

// Leave removes a JOINED member and announces it. When the last JOINED
// member leaves, the room is deleted with its invites and messages.
func (s *RoomService) Leave(ctx context.Context, roomID, userID string) error {
	const op = "realtime.Leave"
	if roomID == "" || userID == "" {
		return opErr(op, ErrInvalidArgument, "missing room or user")
	}

	unlock := s.messages.locks.Lock(roomID)
	defer unlock()

	room, err := s.groupRoom(ctx, op, roomID)
	if err != nil {
		return err
	}

	res, err := s.store.RemoveMembership(ctx, RemoveMembershipInput{
		RoomID:       roomID,
		UserID:       userID,
		From:         StatusJoined,
		ReclaimEmpty: true,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return opErr(op, ErrInvalidState, "not joined to this room")
		}
		return err
	}
	s.log.Info("room.leave", "room_id", roomID, "user_id", userID, "room_deleted", res.RoomDeleted)

	s.afterRemoval(ctx, room, userID, res, MessageSystemLeft, userID+" left")
	return nil
}

// RemoveMember force-removes another member. Only the leader of the room's
// owning group may do this.
func (s *RoomService) RemoveMember(ctx context.Context, roomID, actingUserID, targetUserID string) error {
	const op = "realtime.RemoveMember"
	if roomID == "" || actingUserID == "" || targetUserID == "" {
		return opErr(op, ErrInvalidArgument, "missing room, acting or target user")
	}
	if actingUserID == targetUserID {
		return opErr(op, ErrInvalidArgument, "use leave to remove yourself")
	}

	unlock := s.messages.locks.Lock(roomID)
	defer unlock()

	room, err := s.groupRoom(ctx, op, roomID)
	if err != nil {
		return err
	}

	leader, err := s.dir.GroupLeader(ctx, room.GroupID)
	if err != nil {
		return err
	}
	if leader == "" || leader != actingUserID {
		return opErr(op, ErrAuthorization, "only the group leader can remove members")
	}

	m, err := s.store.GetMembership(ctx, roomID, targetUserID)
	if errors.Is(err, ErrNotFound) {
		return opErr(op, ErrInvalidState, "target is not a member of this room")
	}
	if err != nil {
		return err
	}

	res, err := s.store.RemoveMembership(ctx, RemoveMembershipInput{
		RoomID:       roomID,
		UserID:       targetUserID,
		From:         m.Status,
		ReclaimEmpty: true,
	})
	if err != nil {
		return err
	}
	s.log.Info("room.member.remove",
		"room_id", roomID,
		"acting_user_id", actingUserID,
		"target_user_id", targetUserID,
		"room_deleted", res.RoomDeleted,
	)

	if m.Status == StatusJoined {
		s.afterRemoval(ctx, room, targetUserID, res, MessageSystemRemoved, targetUserID+" was removed")
	} else {
		s.messages.hub.UnsubscribeUser(TopicForRoom(room), targetUserID)
	}

	s.notifier.send(ctx, notify.Notification{
		ActorID:     actingUserID,
		RecipientID: targetUserID,
		Message:     "you were removed from " + room.Name,
		Kind:        notify.KindRoomRemoved,
		ReferenceID: roomID,
		CreatedAt:   s.now(),
	})
	return nil
}

// DeleteRoom removes a group room with its memberships and history. Only
// the leader of the owning group may do this; every other member is
// notified and all sessions are detached from the room topic.
func (s *RoomService) DeleteRoom(ctx context.Context, roomID, actingUserID string) error {
	const op = "realtime.DeleteRoom"
	if roomID == "" || actingUserID == "" {
		return opErr(op, ErrInvalidArgument, "missing room or acting user")
	}

	unlock := s.messages.locks.Lock(roomID)
	defer unlock()

	room, err := s.groupRoom(ctx, op, roomID)
	if err != nil {
		return err
	}
	leader, err := s.dir.GroupLeader(ctx, room.GroupID)
	if err != nil {
		return err
	}
	if leader == "" || leader != actingUserID {
		return opErr(op, ErrAuthorization, "only the group leader can delete rooms")
	}

	members, err := s.store.ListMembers(ctx, roomID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	detached := s.messages.hub.DropTopic(TopicForRoom(room))
	s.log.Info("room.delete",
		"room_id", roomID,
		"acting_user_id", actingUserID,
		"members", len(members),
		"detached", detached,
	)

	for _, m := range members {
		if m.UserID == actingUserID {
			continue
		}
		s.notifier.send(ctx, notify.Notification{
			ActorID:     actingUserID,
			RecipientID: m.UserID,
			Message:     room.Name + " was deleted",
			Kind:        notify.KindRoomRemoved,
			ReferenceID: roomID,
			CreatedAt:   s.now(),
		})
	}
	return nil
}

// FindOrCreateDirectRoom returns the single direct room of {userA, userB},
// creating it on first contact. The result does not depend on argument order.
func (s *RoomService) FindOrCreateDirectRoom(ctx context.Context, userA, userB string) (Room, error) {
	const op = "realtime.FindOrCreateDirectRoom"

	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return Room{}, opErr(op, ErrInvalidArgument, "missing user")
	}
	if userA == userB {
		return Room{}, opErr(op, ErrInvalidArgument, "cannot open a direct room with yourself")
	}
	low, high := canonicalPair(userA, userB)

	for _, uid := range []string{low, high} {
		ok, err := s.dir.UserExists(ctx, uid)
		if err != nil {
			return Room{}, err
		}
		if !ok {
			return Room{}, opErr(op, ErrNotFound, "user not found")
		}
	}

	v, err, _ := s.direct.Do(low+"|"+high, func() (any, error) {
		room, err := s.store.FindDirectRoom(ctx, low, high)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		now := s.now()
		id, err := NewRoomID(now)
		if err != nil {
			return nil, err
		}
		out, created, err := s.store.CreateDirectRoom(ctx, Room{
			ID:        id,
			Kind:      RoomKindDirect,
			CreatedBy: userA,
			CreatedAt: now,
		}, low, high)
		if err != nil {
			return nil, err
		}
		if created {
			s.log.Info("room.direct.create", "room_id", out.ID, "user_low", low, "user_high", high)
		}
		return out, nil
	})
	if err != nil {
		return Room{}, err
	}
	return v.(Room), nil
}

// ListRooms returns the rooms userID has JOINED or been INVITED to.
func (s *RoomService) ListRooms(ctx context.Context, userID string) ([]RoomSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, opErr("realtime.ListRooms", ErrInvalidArgument, "missing user")
	}
	return s.store.ListRoomsForUser(ctx, userID)
}

// Subscribe attaches client to a room topic after checking eligibility:
// JOINED or INVITED for group rooms, JOINED for direct rooms. ack runs after
// the check and before the first event can reach the client.
func (s *RoomService) Subscribe(ctx context.Context, t Topic, client *Client, ack func()) error {
	const op = "realtime.Subscribe"

	unlock := s.messages.locks.Lock(t.RoomID)
	defer unlock()

	room, err := s.store.GetRoom(ctx, t.RoomID)
	if err != nil {
		return err
	}

	switch t.Kind {
	case TopicRoom:
		if room.Kind != RoomKindGroup {
			return opErr(op, ErrInvalidArgument, "use sub/dm/room for direct rooms")
		}
		m, err := s.store.GetMembership(ctx, room.ID, client.UserID)
		if errors.Is(err, ErrNotFound) || (err == nil && !m.Status.CanRead()) {
			return opErr(op, ErrAuthorization, "not a member of this room")
		}
		if err != nil {
			return err
		}
	case TopicDirectRoom:
		if room.Kind != RoomKindDirect {
			return opErr(op, ErrInvalidArgument, "not a direct room")
		}
		if err := s.messages.requireStatus(ctx, op, room.ID, client.UserID, StatusJoined); err != nil {
			return err
		}
	default:
		return opErr(op, ErrInvalidArgument, "not a room topic")
	}

	if ack != nil {
		ack()
	}
	s.messages.hub.Subscribe(t.Name, client)
	return nil
}

func (s *RoomService) groupRoom(ctx context.Context, op, roomID string) (Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	if room.Kind != RoomKindGroup {
		return Room{}, opErr(op, ErrInvalidArgument, "direct rooms have fixed membership")
	}
	return room, nil
}

// afterRemoval announces a JOINED member's departure and detaches their
// sessions. A reclaimed room has nobody left to announce to.
func (s *RoomService) afterRemoval(ctx context.Context, room Room, userID string, res RemoveMembershipResult, typ MessageType, notice string) {
	topic := TopicForRoom(room)
	if res.RoomDeleted {
		s.messages.hub.DropTopic(topic)
		s.log.Info("room.reclaim", "room_id", room.ID)
		return
	}
	if _, err := s.messages.appendSystemLocked(ctx, room, userID, typ, notice); err != nil {
		s.log.Error("room.notice.fail", "room_id", room.ID, "type", string(typ), "err", err)
	}
	s.messages.hub.UnsubscribeUser(topic, userID)
}

// eligibleInvitees dedupes raw ids and keeps approved group members that are
// neither the actor nor already in skip.
func (s *RoomService) eligibleInvitees(ctx context.Context, groupID, actorID string, raw []string, skip map[string]struct{}) ([]string, error) {
	seen := map[string]struct{}{actorID: {}}
	out := make([]string, 0, len(raw))
	for _, uid := range raw {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		if _, member := skip[uid]; member {
			continue
		}

		ok, err := s.dir.IsApprovedMember(ctx, groupID, uid)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Info("room.invite.skip", "group_id", groupID, "user_id", uid, "reason", "not an approved group member")
			continue
		}
		out = append(out, uid)
	}
	return out, nil
}

func (s *RoomService) notifyInvites(ctx context.Context, room Room, actorID string, invited []string) {
	for _, uid := range invited {
		s.notifier.send(ctx, notify.Notification{
			ActorID:     actorID,
			RecipientID: uid,
			Message:     "you were invited to " + room.Name,
			Kind:        notify.KindRoomInvite,
			ReferenceID: room.ID,
			CreatedAt:   s.now(),
		})
	}
}

// noInvite maps a failed invite transition to InvalidState.
func (s *RoomService) noInvite(op string, err error) error {
	if errors.Is(err, ErrInvalidState) {
		return opErr(op, ErrInvalidState, "no pending invite for this user")
	}
	return err
}
