package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"studyhub/cmd/internal/auth/bearer"
	"studyhub/cmd/internal/directory"
	"studyhub/cmd/internal/notify"
	v1 "studyhub/shared/contracts/realtime/v1"
)

const testJWTSecret = "studyhub-test-secret-0123456789abcdef"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu    sync.Mutex
	notes []notify.Notification
	err   error
}

func (s *recordingSink) Notify(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
	return s.err
}

func (s *recordingSink) byKind(kind notify.Kind) []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Notification
	for _, n := range s.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type testEnv struct {
	core   *Core
	dir    *directory.Memory
	sink   *recordingSink
	tokens bearer.Manager
}

// newTestEnv builds an in-memory core. Group "g1" has leader "lead" and
// approved members "u1".."u4"; "pending" is a PENDING member.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := bearer.DefaultConfig()
	cfg.Mode = bearer.ModeJWT
	cfg.JWTSecret = testJWTSecret
	tokens, err := bearer.NewManager(cfg)
	if err != nil {
		t.Fatalf("bearer.NewManager: %v", err)
	}

	dir := directory.NewMemory()
	for _, id := range []string{"lead", "u1", "u2", "u3", "u4", "pending", "outsider"} {
		dir.PutUser(directory.User{ID: id, DisplayName: id})
	}
	dir.PutMember("g1", "lead", directory.RoleLeader, directory.MemberApproved)
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		dir.PutMember("g1", id, directory.RoleMember, directory.MemberApproved)
	}
	dir.PutMember("g1", "pending", directory.RoleMember, directory.MemberPending)

	sink := &recordingSink{}
	core, err := NewCore(discardLogger(), CoreConfig{
		Directory: dir,
		Verifier:  tokens,
		Sink:      sink,
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	return &testEnv{core: core, dir: dir, sink: sink, tokens: tokens}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := e.tokens.Issue(userID, "sess-"+userID, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

// mustGroupRoom creates a room in g1 owned by creator; joined users accept
// their invite right away.
func (e *testEnv) mustGroupRoom(t *testing.T, creator string, invited []string, joined ...string) Room {
	t.Helper()
	ctx := context.Background()

	room, err := e.core.Rooms.CreateRoom(ctx, CreateRoomInput{
		GroupID:    "g1",
		CreatorID:  creator,
		Name:       "study room",
		InvitedIDs: invited,
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	for _, uid := range joined {
		if err := e.core.Rooms.Respond(ctx, room.ID, uid, true); err != nil {
			t.Fatalf("Respond(%s): %v", uid, err)
		}
	}
	return room
}

func newTestClient(userID string, queue int) *Client {
	return NewClient(userID, "sid-"+userID+"-"+NewEnvelopeID(time.Now()), queue)
}

// drain returns every envelope queued for c without blocking.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func decodeView(t *testing.T, env v1.Envelope) v1.MessageView {
	t.Helper()
	var mv v1.MessageView
	if err := json.Unmarshal(env.Payload, &mv); err != nil {
		t.Fatalf("decode message view: %v", err)
	}
	return mv
}

func decodePresence(t *testing.T, env v1.Envelope) v1.PresencePayload {
	t.Helper()
	var p v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode presence payload: %v", err)
	}
	return p
}
