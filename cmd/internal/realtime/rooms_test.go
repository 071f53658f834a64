package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"studyhub/cmd/internal/notify"
)

func TestRoomService_CreateRoom_InvitesOnlyApprovedMembers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	room, err := env.core.Rooms.CreateRoom(ctx, CreateRoomInput{
		GroupID:    "g1",
		CreatorID:  "u1",
		Name:       "  algebra  ",
		InvitedIDs: []string{"u2", "u2", "pending", "outsider", "u1", "u3"},
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.Name != "algebra" || room.Kind != RoomKindGroup || room.GroupID != "g1" {
		t.Fatalf("unexpected room: %+v", room)
	}

	members, err := env.core.Store.ListMembers(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	got := map[string]MembershipStatus{}
	for _, m := range members {
		got[m.UserID] = m.Status
	}
	want := map[string]MembershipStatus{"u1": StatusJoined, "u2": StatusInvited, "u3": StatusInvited}
	if len(got) != len(want) {
		t.Fatalf("members=%v want %v", got, want)
	}
	for uid, st := range want {
		if got[uid] != st {
			t.Fatalf("member %s: status=%q want %q", uid, got[uid], st)
		}
	}

	invites := env.sink.byKind(notify.KindRoomInvite)
	if len(invites) != 2 {
		t.Fatalf("expected 2 invite notifications, got %d", len(invites))
	}
	for _, n := range invites {
		if n.ActorID != "u1" || n.ReferenceID != room.ID {
			t.Fatalf("unexpected notification: %+v", n)
		}
	}
}

func TestRoomService_CreateRoom_Rejections(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}

	cases := []struct {
		name string
		in   CreateRoomInput
		want error
	}{
		{"pending creator", CreateRoomInput{GroupID: "g1", CreatorID: "pending", Name: "x"}, ErrAuthorization},
		{"outsider creator", CreateRoomInput{GroupID: "g1", CreatorID: "outsider", Name: "x"}, ErrAuthorization},
		{"empty name", CreateRoomInput{GroupID: "g1", CreatorID: "u1", Name: "   "}, ErrInvalidArgument},
		{"long name", CreateRoomInput{GroupID: "g1", CreatorID: "u1", Name: string(long)}, ErrInvalidArgument},
		{"missing group", CreateRoomInput{CreatorID: "u1", Name: "x"}, ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.core.Rooms.CreateRoom(context.Background(), tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
}

func TestRoomService_Respond_AcceptAppendsJoinedNotice(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	room := env.mustGroupRoom(t, "u1", []string{"u2"})

	sub := newTestClient("u1", 16)
	if err := env.core.Rooms.Subscribe(ctx, mustTopic(t, RoomTopic(room.ID)), sub, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := env.core.Rooms.Respond(ctx, room.ID, "u2", true); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	m, err := env.core.Store.GetMembership(ctx, room.ID, "u2")
	if err != nil || m.Status != StatusJoined {
		t.Fatalf("membership=%+v err=%v", m, err)
	}

	frames := drain(sub)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	mv := decodeView(t, frames[0])
	if mv.Type != string(MessageSystemJoined) || mv.SenderID != "u2" || mv.Seq != 1 {
		t.Fatalf("unexpected notice: %+v", mv)
	}

	// A second response finds no pending invite.
	if err := env.core.Rooms.Respond(ctx, room.ID, "u2", true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Respond err=%v want ErrInvalidState", err)
	}
}

func TestRoomService_Respond_DeclineRemovesMembership(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	room := env.mustGroupRoom(t, "u1", []string{"u2"})

	if err := env.core.Rooms.Respond(ctx, room.ID, "u2", false); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if _, err := env.core.Store.GetMembership(ctx, room.ID, "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected membership gone, err=%v", err)
	}
	page, err := env.core.Messages.History(ctx, room.ID, "u1", 0, 20)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Fatalf("decline must not append messages, got %d", len(page.Messages))
	}
}

func TestRoomService_Respond_Errors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	room := env.mustGroupRoom(t, "u1", []string{"u2"})

	if err := env.core.Rooms.Respond(ctx, "missing-room", "u2", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing room err=%v", err)
	}
	if err := env.core.Rooms.Respond(ctx, room.ID, "u3", true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("no invite err=%v", err)
	}
	if err := env.core.Rooms.Respond(ctx, room.ID, "u1", false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("joined member decline err=%v", err)
	}
}

func TestRoomService_Respond_ConcurrentAcceptSucceedsOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	room := env.mustGroupRoom(t, "u1", []string{"u2"})

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  int
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(accept bool) {
			defer wg.Done()
			err := env.core.Rooms.Respond(ctx, room.ID, "u2", accept)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
			} else {
				errs = append(errs, err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	if oks != 1 {
		t.Fatalf("expected exactly one successful response, got %d", oks)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("loser err=%v want ErrInvalidState", err)
		}
	}
}

func TestRoomService_Leave(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	room := env.mustGroupRoom(t, "u1", []string{"u2"}, "u2")

	sub := newTestClient("u2", 16)
	if err := env.core.Rooms.Subscribe(ctx, mustTopic(t, RoomTopic(room.ID)), sub, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	watcher := newTestClient("u1", 16)
	if err := env.core.Rooms.Subscribe(ctx, mustTopic(t, RoomTopic(room.ID)), watcher, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := env.core.Rooms.Leave(ctx, room.ID, "u2"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if env.core.Hub.IsSubscribed(RoomTopic(room.ID), sub.SessionID) {
		t.Fatalf("leaver must be unsubscribed")
	}

	frames := drain(watcher)
	if len(frames) != 1 || decodeView(t, frames[0]).Type != string(MessageSystemLeft) {
		t.Fatalf("expected one left notice, got %d frames", len(frames))
	}

	if err := env.core.Rooms.Leave(ctx, room.ID, "u2"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Leave err=%v want ErrInvalidState", err)
	}
	if err := env.core.Rooms.Leave(ctx, room.ID, "u3"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("non-member Leave err=%v want ErrInvalidState", err)
	}
}

func TestRoomService_LastLeaveReclaimsRoom(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	room := env.mustGroupRoom(t, "u1", []string{"u2"})

	if err := env.core.Rooms.Leave(ctx, room.ID, "u1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if _, err := env.core.Store.GetRoom(ctx, room.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected room reclaimed, err=%v", err)
	}
	// The pending invite went with it.
	if err := env.core.Rooms.Respond(ctx, room.ID, "u2", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Respond on reclaimed room err=%v", err)
	}
}

func TestRoomService_RemoveMember(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	room := env.mustGroupRoom(t, "lead", []string{"u1", "u2"}, "u1")

	if err := env.core.Rooms.RemoveMember(ctx, room.ID, "u1", "u2"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("non-leader err=%v want ErrAuthorization", err)
	}
	if err := env.core.Rooms.RemoveMember(ctx, room.ID, "lead", "lead"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("self removal err=%v want ErrInvalidArgument", err)
	}
	if err := env.core.Rooms.RemoveMember(ctx, room.ID, "lead", "u3"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("non-member target err=%v want ErrInvalidState", err)
	}

	kicked := newTestClient("u1", 16)
	if err := env.core.Rooms.Subscribe(ctx, mustTopic(t, RoomTopic(room.ID)), kicked, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := env.core.Rooms.RemoveMember(ctx, room.ID, "lead", "u1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if env.core.Hub.IsSubscribed(RoomTopic(room.ID), kicked.SessionID) {
		t.Fatalf("removed member must be unsubscribed")
	}

	page, err := env.core.Messages.History(ctx, room.ID, "lead", 0, 20)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) == 0 || page.Messages[0].Type != MessageSystemRemoved || page.Messages[0].SenderID != "u1" {
		t.Fatalf("expected removed notice first, got %+v", page.Messages)
	}

	// Removing a pending invitee appends nothing.
	before := page.Messages[0].Seq
	if err := env.core.Rooms.RemoveMember(ctx, room.ID, "lead", "u2"); err != nil {
		t.Fatalf("RemoveMember(invited): %v", err)
	}
	r, err := env.core.Store.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if r.LastSeq != before {
		t.Fatalf("invitee removal appended a message: last_seq=%d want %d", r.LastSeq, before)
	}

	if n := len(env.sink.byKind(notify.KindRoomRemoved)); n != 2 {
		t.Fatalf("expected 2 removal notifications, got %d", n)
	}
}

func TestRoomService_DeleteRoom(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	room := env.mustGroupRoom(t, "lead", []string{"u1", "u2"}, "u1")

	if err := env.core.Rooms.DeleteRoom(ctx, room.ID, "u1"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("non-leader err=%v want ErrAuthorization", err)
	}
	dm, err := env.core.Rooms.FindOrCreateDirectRoom(ctx, "lead", "u1")
	if err != nil {
		t.Fatalf("FindOrCreateDirectRoom: %v", err)
	}
	if err := env.core.Rooms.DeleteRoom(ctx, dm.ID, "lead"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("direct room err=%v want ErrInvalidArgument", err)
	}

	viewer := newTestClient("u1", 16)
	if err := env.core.Rooms.Subscribe(ctx, mustTopic(t, RoomTopic(room.ID)), viewer, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := env.core.Rooms.DeleteRoom(ctx, room.ID, "lead"); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	if env.core.Hub.IsSubscribed(RoomTopic(room.ID), viewer.SessionID) {
		t.Fatalf("sessions must be detached from a deleted room")
	}
	if _, err := env.core.Store.GetRoom(ctx, room.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRoom err=%v want ErrNotFound", err)
	}
	if n := len(env.sink.byKind(notify.KindRoomRemoved)); n != 2 {
		t.Fatalf("expected 2 notifications, got %d", n)
	}
	if err := env.core.Rooms.DeleteRoom(ctx, room.ID, "lead"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err=%v want ErrNotFound", err)
	}
}

func TestRoomService_Invite(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	room := env.mustGroupRoom(t, "u1", []string{"u2"})

	added, err := env.core.Rooms.Invite(ctx, room.ID, "u1", []string{"u2", "u3", "pending", "u4"})
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if len(added) != 2 || added[0] != "u3" || added[1] != "u4" {
		t.Fatalf("added=%v want [u3 u4]", added)
	}

	// Only JOINED members invite.
	if _, err := env.core.Rooms.Invite(ctx, room.ID, "u2", []string{"lead"}); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("invited member Invite err=%v want ErrAuthorization", err)
	}
}

func TestRoomService_FindOrCreateDirectRoom(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.core.Rooms.FindOrCreateDirectRoom(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("FindOrCreateDirectRoom: %v", err)
	}
	b, err := env.core.Rooms.FindOrCreateDirectRoom(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("FindOrCreateDirectRoom(reversed): %v", err)
	}
	if a.ID != b.ID || a.Kind != RoomKindDirect {
		t.Fatalf("expected same direct room, got %q and %q", a.ID, b.ID)
	}

	for _, uid := range []string{"u1", "u2"} {
		m, err := env.core.Store.GetMembership(ctx, a.ID, uid)
		if err != nil || m.Status != StatusJoined {
			t.Fatalf("member %s: %+v err=%v", uid, m, err)
		}
	}

	if _, err := env.core.Rooms.FindOrCreateDirectRoom(ctx, "u1", "u1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("self err=%v want ErrInvalidArgument", err)
	}
	if _, err := env.core.Rooms.FindOrCreateDirectRoom(ctx, "u1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user err=%v want ErrNotFound", err)
	}
	if err := env.core.Rooms.Leave(ctx, a.ID, "u1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Leave on direct room err=%v want ErrInvalidArgument", err)
	}
}

func TestRoomService_FindOrCreateDirectRoom_Concurrent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u3", "u4"
			if i%2 == 1 {
				a, b = b, a
			}
			room, err := env.core.Rooms.FindOrCreateDirectRoom(ctx, a, b)
			if err != nil {
				t.Errorf("FindOrCreateDirectRoom: %v", err)
				return
			}
			ids[i] = room.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("got distinct rooms %q and %q", ids[0], ids[i])
		}
	}
}

func TestRoomService_Subscribe_Eligibility(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	room := env.mustGroupRoom(t, "u1", []string{"u2"})
	dm, err := env.core.Rooms.FindOrCreateDirectRoom(ctx, "u1", "u3")
	if err != nil {
		t.Fatalf("FindOrCreateDirectRoom: %v", err)
	}

	cases := []struct {
		name  string
		user  string
		topic string
		want  error
	}{
		{"joined", "u1", RoomTopic(room.ID), nil},
		{"invited", "u2", RoomTopic(room.ID), nil},
		{"stranger", "u4", RoomTopic(room.ID), ErrAuthorization},
		{"dm member", "u3", DirectRoomTopic(dm.ID), nil},
		{"dm stranger", "u2", DirectRoomTopic(dm.ID), ErrAuthorization},
		{"dm via room topic", "u1", RoomTopic(dm.ID), ErrInvalidArgument},
		{"missing room", "u1", RoomTopic("nope"), ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(tc.user, 4)
			acked := false
			err := env.core.Rooms.Subscribe(ctx, mustTopic(t, tc.topic), c, func() { acked = true })
			if tc.want == nil {
				if err != nil {
					t.Fatalf("Subscribe: %v", err)
				}
				if !acked || !env.core.Hub.IsSubscribed(tc.topic, c.SessionID) {
					t.Fatalf("expected ack and subscription")
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			if acked || env.core.Hub.IsSubscribed(tc.topic, c.SessionID) {
				t.Fatalf("rejected subscribe must not ack or attach")
			}
		})
	}
}

func TestRoomService_ListRooms(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	older := env.mustGroupRoom(t, "u1", []string{"u2"})
	newer := env.mustGroupRoom(t, "u1", nil)
	dm, err := env.core.Rooms.FindOrCreateDirectRoom(ctx, "u1", "u3")
	if err != nil {
		t.Fatalf("FindOrCreateDirectRoom: %v", err)
	}

	if _, err := env.core.Messages.Send(ctx, SendInput{RoomID: older.ID, SenderID: "u1", Content: "bump"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	list, err := env.core.Rooms.ListRooms(ctx, "u1")
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(list) != 3 || list[0].Room.ID != older.ID {
		t.Fatalf("expected most recent activity first, got %+v", list)
	}
	seen := map[string]RoomSummary{}
	for _, s := range list {
		seen[s.Room.ID] = s
	}
	if _, ok := seen[newer.ID]; !ok {
		t.Fatalf("missing newer room")
	}
	if seen[dm.ID].PartnerID != "u3" {
		t.Fatalf("partner=%q want u3", seen[dm.ID].PartnerID)
	}

	invited, err := env.core.Rooms.ListRooms(ctx, "u2")
	if err != nil {
		t.Fatalf("ListRooms(u2): %v", err)
	}
	if len(invited) != 1 || invited[0].Status != StatusInvited || invited[0].Unread != 1 {
		t.Fatalf("unexpected invited summary: %+v", invited)
	}
}

func mustTopic(t *testing.T, raw string) Topic {
	t.Helper()
	tp, err := ParseTopic(raw)
	if err != nil {
		t.Fatalf("ParseTopic(%q): %v", raw, err)
	}
	return tp
}
