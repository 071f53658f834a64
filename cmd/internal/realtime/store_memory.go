package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// InMemoryStore is the dev fallback when no database is configured.
// One mutex guards everything; critical sections never do I/O.
//
// Each room keeps only its newest messages. History ends at the oldest
// retained one: that page reports HasMore false although lower sequence
// numbers were once assigned.
type InMemoryStore struct {
	maxMessages int

	mu     sync.Mutex
	rooms  map[string]*memRoom
	direct map[string]string // "low|high" -> room id
	byUser map[string]map[string]struct{}
}

type memRoom struct {
	room    Room
	members map[string]Membership
	pair    [2]string
	msgs    []Message // ordered by seq; may be trimmed at the front
}

// NewInMemoryStore constructs an in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		maxMessages: memMaxMessagesPerRoom,
		rooms:       make(map[string]*memRoom),
		direct:      make(map[string]string),
		byUser:      make(map[string]map[string]struct{}),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateRoom(ctx context.Context, room Room, members []Membership) error {
	const op = "realtime.InMemoryStore.CreateRoom"
	if err := ctx.Err(); err != nil {
		return err
	}
	if room.ID == "" {
		return opErr(op, ErrInvalidArgument, "missing room id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; ok {
		return opErr(op, ErrConflict, "room exists")
	}
	r := &memRoom{room: room, members: make(map[string]Membership, len(members))}
	for _, m := range members {
		if _, dup := r.members[m.UserID]; dup {
			continue
		}
		m.RoomID = room.ID
		r.members[m.UserID] = m
	}
	s.rooms[room.ID] = r
	for uid := range r.members {
		s.indexLocked(uid, room.ID)
	}
	return nil
}

func (s *InMemoryStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, opErr("realtime.InMemoryStore.GetRoom", ErrNotFound, "room not found")
	}
	return copyRoom(r.room), nil
}

func (s *InMemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	const op = "realtime.InMemoryStore.DeleteRoom"
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return opErr(op, ErrNotFound, "room not found")
	}
	if r.room.Kind == RoomKindDirect {
		return opErr(op, ErrInvalidArgument, "direct rooms are permanent")
	}
	s.deleteLocked(r)
	return nil
}

func (s *InMemoryStore) ListRoomsForUser(ctx context.Context, userID string) ([]RoomSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RoomSummary, 0, len(s.byUser[userID]))
	for roomID := range s.byUser[userID] {
		r := s.rooms[roomID]
		if r == nil {
			continue
		}
		m, ok := r.members[userID]
		if !ok || !m.Status.CanRead() {
			continue
		}
		sum := RoomSummary{Room: copyRoom(r.room), Status: m.Status}
		if unread := r.room.LastSeq - m.LastReadSeq; unread > 0 {
			sum.Unread = unread
		}
		if r.room.Kind == RoomKindDirect {
			if r.pair[0] == userID {
				sum.PartnerID = r.pair[1]
			} else {
				sum.PartnerID = r.pair[0]
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].lastActivity(), out[j].lastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].Room.ID > out[j].Room.ID
	})
	return out, nil
}

func (s *InMemoryStore) GetMembership(ctx context.Context, roomID, userID string) (Membership, error) {
	const op = "realtime.InMemoryStore.GetMembership"
	if err := ctx.Err(); err != nil {
		return Membership{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return Membership{}, opErr(op, ErrNotFound, "room not found")
	}
	m, ok := r.members[userID]
	if !ok {
		return Membership{}, opErr(op, ErrNotFound, "membership not found")
	}
	return m, nil
}

func (s *InMemoryStore) ListMembers(ctx context.Context, roomID string) ([]Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, opErr("realtime.InMemoryStore.ListMembers", ErrNotFound, "room not found")
	}
	out := make([]Membership, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *InMemoryStore) AddInvites(ctx context.Context, roomID string, userIDs []string, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, opErr("realtime.InMemoryStore.AddInvites", ErrNotFound, "room not found")
	}
	added := make([]string, 0, len(userIDs))
	for _, uid := range userIDs {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		if _, exists := r.members[uid]; exists {
			continue
		}
		r.members[uid] = Membership{RoomID: roomID, UserID: uid, Status: StatusInvited, UpdatedAt: now}
		s.indexLocked(uid, roomID)
		added = append(added, uid)
	}
	return added, nil
}

func (s *InMemoryStore) TransitionMembership(ctx context.Context, in TransitionInput) error {
	const op = "realtime.InMemoryStore.TransitionMembership"
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[in.RoomID]
	if !ok {
		return opErr(op, ErrNotFound, "room not found")
	}
	m, ok := r.members[in.UserID]
	if !ok || m.Status != in.From {
		return opErr(op, ErrInvalidState, "membership is not "+string(in.From))
	}
	m.Status = in.To
	m.UpdatedAt = in.Now
	r.members[in.UserID] = m
	return nil
}

func (s *InMemoryStore) RemoveMembership(ctx context.Context, in RemoveMembershipInput) (RemoveMembershipResult, error) {
	const op = "realtime.InMemoryStore.RemoveMembership"
	if err := ctx.Err(); err != nil {
		return RemoveMembershipResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[in.RoomID]
	if !ok {
		return RemoveMembershipResult{}, opErr(op, ErrNotFound, "room not found")
	}
	m, ok := r.members[in.UserID]
	if !ok || m.Status != in.From {
		return RemoveMembershipResult{}, opErr(op, ErrInvalidState, "membership is not "+string(in.From))
	}
	delete(r.members, in.UserID)
	s.unindexLocked(in.UserID, in.RoomID)

	if !in.ReclaimEmpty || r.room.Kind != RoomKindGroup {
		return RemoveMembershipResult{}, nil
	}
	for _, rest := range r.members {
		if rest.Status == StatusJoined {
			return RemoveMembershipResult{}, nil
		}
	}
	s.deleteLocked(r)
	return RemoveMembershipResult{RoomDeleted: true}, nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "realtime.InMemoryStore.AppendMessage"
	if in.RoomID == "" || in.ID == "" || in.SenderID == "" {
		return Message{}, opErr(op, ErrInvalidArgument, "missing room, id or sender")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[in.RoomID]
	if !ok {
		return Message{}, opErr(op, ErrNotFound, "room not found")
	}

	msg := Message{
		ID:        in.ID,
		RoomID:    in.RoomID,
		Seq:       r.room.LastSeq + 1,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Type:      in.Type,
		CreatedAt: nextMessageTime(now, r.room.LastMessage),
	}
	r.msgs = append(r.msgs, msg)
	r.room.LastSeq = msg.Seq
	r.room.LastMessage = &MessagePreview{Content: msg.Content, At: msg.CreatedAt}

	if len(r.msgs) > s.maxMessages {
		n := copy(r.msgs, r.msgs[len(r.msgs)-s.maxMessages:])
		clear(r.msgs[n:])
		r.msgs = r.msgs[:n]
	}
	return msg, nil
}

func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (MessagePage, error) {
	if in.RoomID == "" {
		return MessagePage{}, opErr("realtime.InMemoryStore.FetchHistory", ErrInvalidArgument, "missing room id")
	}
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	page, size := normalizePage(in.Page, in.Size)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[in.RoomID]
	if !ok {
		return MessagePage{}, opErr("realtime.InMemoryStore.FetchHistory", ErrNotFound, "room not found")
	}

	out := MessagePage{Page: page, Size: size}
	n := len(r.msgs)
	start := page * size
	if start >= n {
		return out, nil
	}
	end := start + size
	if end > n {
		end = n
	}
	out.Messages = make([]Message, 0, end-start)
	for i := start; i < end; i++ {
		out.Messages = append(out.Messages, r.msgs[n-1-i])
	}
	// Trimmed messages are gone, so the oldest retained page is the last.
	out.HasMore = end < n
	return out, nil
}

func (s *InMemoryStore) AdvanceReadWatermark(ctx context.Context, roomID, userID string, seq int64, messageID string) (bool, error) {
	const op = "realtime.InMemoryStore.AdvanceReadWatermark"
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return false, opErr(op, ErrNotFound, "room not found")
	}
	m, ok := r.members[userID]
	if !ok {
		return false, opErr(op, ErrNotFound, "membership not found")
	}
	if seq <= m.LastReadSeq {
		return false, nil
	}
	m.LastReadSeq = seq
	m.LastReadMessageID = messageID
	r.members[userID] = m
	return true, nil
}

func (s *InMemoryStore) MarkDirectRead(ctx context.Context, in MarkReadInput) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[in.RoomID]
	if !ok {
		return 0, opErr("realtime.InMemoryStore.MarkDirectRead", ErrNotFound, "room not found")
	}
	if r.room.Kind != RoomKindDirect {
		return 0, nil
	}
	var n int64
	for i := range r.msgs {
		m := &r.msgs[i]
		if m.Seq < in.FromSeq || m.Seq > in.ToSeq || m.SenderID == in.ReaderID || m.Read {
			continue
		}
		m.Read = true
		n++
	}
	return n, nil
}

func (s *InMemoryStore) FindDirectRoom(ctx context.Context, userA, userB string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	low, high := canonicalPair(userA, userB)

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.direct[low+"|"+high]
	if !ok {
		return Room{}, opErr("realtime.InMemoryStore.FindDirectRoom", ErrNotFound, "direct room not found")
	}
	return copyRoom(s.rooms[id].room), nil
}

func (s *InMemoryStore) CreateDirectRoom(ctx context.Context, room Room, userA, userB string) (Room, bool, error) {
	const op = "realtime.InMemoryStore.CreateDirectRoom"
	if err := ctx.Err(); err != nil {
		return Room{}, false, err
	}
	low, high := canonicalPair(userA, userB)
	if low == high {
		return Room{}, false, opErr(op, ErrInvalidArgument, "direct room needs two distinct users")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := low + "|" + high
	if id, ok := s.direct[key]; ok {
		return copyRoom(s.rooms[id].room), false, nil
	}
	if _, ok := s.rooms[room.ID]; ok {
		return Room{}, false, opErr(op, ErrConflict, "room exists")
	}

	room.Kind = RoomKindDirect
	r := &memRoom{
		room: room,
		pair: [2]string{low, high},
		members: map[string]Membership{
			low:  {RoomID: room.ID, UserID: low, Status: StatusJoined, UpdatedAt: room.CreatedAt},
			high: {RoomID: room.ID, UserID: high, Status: StatusJoined, UpdatedAt: room.CreatedAt},
		},
	}
	s.rooms[room.ID] = r
	s.direct[key] = room.ID
	s.indexLocked(low, room.ID)
	s.indexLocked(high, room.ID)
	return copyRoom(room), true, nil
}

func (s *InMemoryStore) indexLocked(userID, roomID string) {
	set := s.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		s.byUser[userID] = set
	}
	set[roomID] = struct{}{}
}

func (s *InMemoryStore) unindexLocked(userID, roomID string) {
	set := s.byUser[userID]
	if set == nil {
		return
	}
	delete(set, roomID)
	if len(set) == 0 {
		delete(s.byUser, userID)
	}
}

func (s *InMemoryStore) deleteLocked(r *memRoom) {
	for uid := range r.members {
		s.unindexLocked(uid, r.room.ID)
	}
	delete(s.rooms, r.room.ID)
}

func copyRoom(r Room) Room {
	if r.LastMessage != nil {
		p := *r.LastMessage
		r.LastMessage = &p
	}
	return r
}
