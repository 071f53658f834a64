package realtime

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when STUDYHUB_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_AppendIsDenseUnderConcurrency(t *testing.T) {
	t.Parallel()

	store, ctx := mustPostgresStore(t)
	room := mustPGGroupRoom(t, ctx, store, "u1", "u2")

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := NewMessageID(time.Now())
				if err != nil {
					t.Errorf("NewMessageID: %v", err)
					return
				}
				if _, err := store.AppendMessage(ctx, AppendMessageInput{
					ID: id, RoomID: room.ID, SenderID: "u1", Content: "m", Type: MessageText,
					// Equal timestamps force the strictly-increasing fallback.
					Now: time.Unix(1700000000, 0).UTC(),
				}); err != nil {
					t.Errorf("AppendMessage: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	page, err := store.FetchHistory(ctx, FetchHistoryInput{RoomID: room.ID, Page: 0, Size: maxHistorySize})
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(page.Messages) != writers*perWriter || page.HasMore {
		t.Fatalf("got %d messages hasMore=%v", len(page.Messages), page.HasMore)
	}
	for i, m := range page.Messages {
		if want := int64(writers*perWriter - i); m.Seq != want {
			t.Fatalf("position %d: seq=%d want %d", i, m.Seq, want)
		}
		if i > 0 && !m.CreatedAt.Before(page.Messages[i-1].CreatedAt) {
			t.Fatalf("seq %d: created_at not strictly increasing", m.Seq)
		}
	}

	r, err := store.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if r.LastSeq != writers*perWriter || r.LastMessage == nil || r.LastMessage.Content != "m" {
		t.Fatalf("unexpected room preview: %+v", r)
	}
}

func TestPostgresStore_MembershipTransitionsAreConditional(t *testing.T) {
	t.Parallel()

	store, ctx := mustPostgresStore(t)
	room := mustPGGroupRoom(t, ctx, store, "u1", "u2")
	now := time.Now().UTC()

	if err := store.TransitionMembership(ctx, TransitionInput{RoomID: room.ID, UserID: "u2", From: StatusInvited, To: StatusJoined, Now: now}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	err := store.TransitionMembership(ctx, TransitionInput{RoomID: room.ID, UserID: "u2", From: StatusInvited, To: StatusJoined, Now: now})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second accept err=%v want ErrInvalidState", err)
	}
	err = store.TransitionMembership(ctx, TransitionInput{RoomID: "missing", UserID: "u2", From: StatusInvited, To: StatusJoined, Now: now})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing room err=%v want ErrNotFound", err)
	}

	added, err := store.AddInvites(ctx, room.ID, []string{"u2", "u3", " "}, now)
	if err != nil {
		t.Fatalf("AddInvites: %v", err)
	}
	if len(added) != 1 || added[0] != "u3" {
		t.Fatalf("added=%v want [u3]", added)
	}

	res, err := store.RemoveMembership(ctx, RemoveMembershipInput{RoomID: room.ID, UserID: "u1", From: StatusJoined, ReclaimEmpty: true})
	if err != nil || res.RoomDeleted {
		t.Fatalf("remove u1: res=%+v err=%v", res, err)
	}
	res, err = store.RemoveMembership(ctx, RemoveMembershipInput{RoomID: room.ID, UserID: "u2", From: StatusJoined, ReclaimEmpty: true})
	if err != nil || !res.RoomDeleted {
		t.Fatalf("remove last joined: res=%+v err=%v", res, err)
	}
	if _, err := store.GetRoom(ctx, room.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected reclaimed room, err=%v", err)
	}
	if _, err := store.GetMembership(ctx, room.ID, "u3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected pending invite gone, err=%v", err)
	}
}

func TestPostgresStore_DirectRoomIsUniquePerPair(t *testing.T) {
	t.Parallel()

	store, ctx := mustPostgresStore(t)

	const n = 8
	ids := make([]string, n)
	created := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := NewRoomID(time.Now())
			if err != nil {
				t.Errorf("NewRoomID: %v", err)
				return
			}
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			room, ok, err := store.CreateDirectRoom(ctx, Room{ID: id, CreatedBy: a, CreatedAt: time.Now()}, a, b)
			if err != nil {
				t.Errorf("CreateDirectRoom: %v", err)
				return
			}
			ids[i], created[i] = room.ID, ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range ids {
		if ids[i] != ids[0] {
			t.Fatalf("distinct rooms %q and %q", ids[0], ids[i])
		}
		if created[i] {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected one creator, got %d", winners)
	}

	found, err := store.FindDirectRoom(ctx, "bob", "alice")
	if err != nil || found.ID != ids[0] || found.Kind != RoomKindDirect {
		t.Fatalf("FindDirectRoom=%+v err=%v", found, err)
	}
	if err := store.DeleteRoom(ctx, found.ID); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("DeleteRoom(direct) err=%v want ErrInvalidArgument", err)
	}

	list, err := store.ListRoomsForUser(ctx, "alice")
	if err != nil || len(list) != 1 || list[0].PartnerID != "bob" {
		t.Fatalf("ListRoomsForUser=%+v err=%v", list, err)
	}
}

func TestPostgresStore_WatermarkAndReadFlag(t *testing.T) {
	t.Parallel()

	store, ctx := mustPostgresStore(t)
	id, _ := NewRoomID(time.Now())
	room, _, err := store.CreateDirectRoom(ctx, Room{ID: id, CreatedBy: "a", CreatedAt: time.Now()}, "a", "b")
	if err != nil {
		t.Fatalf("CreateDirectRoom: %v", err)
	}

	var last Message
	for i, sender := range []string{"a", "b", "a"} {
		mid, _ := NewMessageID(time.Now())
		last, err = store.AppendMessage(ctx, AppendMessageInput{ID: mid, RoomID: room.ID, SenderID: sender, Content: "x", Type: MessageText})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	moved, err := store.AdvanceReadWatermark(ctx, room.ID, "b", last.Seq, last.ID)
	if err != nil || !moved {
		t.Fatalf("advance: moved=%v err=%v", moved, err)
	}
	moved, err = store.AdvanceReadWatermark(ctx, room.ID, "b", 1, "older")
	if err != nil || moved {
		t.Fatalf("regress: moved=%v err=%v", moved, err)
	}
	if _, err := store.AdvanceReadWatermark(ctx, room.ID, "nobody", 5, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown member err=%v want ErrNotFound", err)
	}

	n, err := store.MarkDirectRead(ctx, MarkReadInput{RoomID: room.ID, ReaderID: "b", FromSeq: 1, ToSeq: last.Seq})
	if err != nil || n != 2 {
		t.Fatalf("MarkDirectRead n=%d err=%v want 2", n, err)
	}
	page, err := store.FetchHistory(ctx, FetchHistoryInput{RoomID: room.ID, Size: 10})
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	for _, m := range page.Messages {
		if want := m.SenderID == "a"; m.Read != want {
			t.Fatalf("seq %d read=%v want %v", m.Seq, m.Read, want)
		}
	}
}

// ---- helpers ----

func mustPostgresStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return store, ctx
}

func mustPGGroupRoom(t *testing.T, ctx context.Context, store *PostgresStore, creator string, invited ...string) Room {
	t.Helper()

	now := time.Now().UTC()
	id, err := NewRoomID(now)
	if err != nil {
		t.Fatalf("NewRoomID: %v", err)
	}
	room := Room{ID: id, Kind: RoomKindGroup, Name: "it", GroupID: "g1", CreatedBy: creator, CreatedAt: now}
	members := []Membership{{UserID: creator, Status: StatusJoined, UpdatedAt: now}}
	for _, uid := range invited {
		members = append(members, Membership{UserID: uid, Status: StatusInvited, UpdatedAt: now})
	}
	if err := store.CreateRoom(ctx, room, members); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return room
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("STUDYHUB_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: STUDYHUB_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse STUDYHUB_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	// Validate acquire quickly.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id, err := NewRoomID(time.Now())
	if err != nil {
		t.Fatalf("NewRoomID: %v", err)
	}
	schema := "studyhub_it_" + strings.ToLower(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
