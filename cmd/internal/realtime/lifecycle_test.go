package realtime

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLifecycle_EndSweepsPresenceAndSubscriptions(t *testing.T) {
	t.Parallel()

	p, hub := newTestPresence(t, nil)
	l := NewLifecycle(discardLogger(), p, hub, nil)
	ctx := context.Background()

	c := newTestClient("u1", 8)
	s := l.Begin(c)
	hub.Subscribe(RoomTopic("r1"), c)
	if err := p.Enter(ctx, "quiz/1", "u1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	s.End("peer closed")

	select {
	case <-c.Done():
	default:
		t.Fatalf("client must be closed")
	}
	if c.CloseReason() != "peer closed" {
		t.Fatalf("reason=%q", c.CloseReason())
	}
	if hub.IsSubscribed(RoomTopic("r1"), c.SessionID) {
		t.Fatalf("session must be detached")
	}
	if n, _ := p.Count(ctx, "quiz/1"); n != 0 {
		t.Fatalf("presence count=%d want 0", n)
	}
}

func TestLifecycle_EndRunsOnce(t *testing.T) {
	t.Parallel()

	p, hub := newTestPresence(t, nil)
	l := NewLifecycle(discardLogger(), p, hub, nil)
	ctx := context.Background()

	c := newTestClient("u1", 8)
	s := l.Begin(c)

	watcher := newTestClient("w", 8)
	if err := p.Subscribe(ctx, mustTopic(t, PresenceTopic("quiz/1")), watcher, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := p.Enter(ctx, "quiz/1", "u1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	drain(watcher)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.End("bye")
		}()
	}
	wg.Wait()

	if frames := drain(watcher); len(frames) != 1 {
		t.Fatalf("expected exactly one departure broadcast, got %d", len(frames))
	}
}

func TestLifecycle_SweepRetriesInBackground(t *testing.T) {
	t.Parallel()

	set := &failingPresenceSet{MemoryPresenceSet: NewMemoryPresenceSet(), fails: 2}
	p, hub := newTestPresence(t, set)
	l := NewLifecycle(discardLogger(), p, hub, nil)
	l.backoff = time.Millisecond

	ctx := context.Background()
	if err := p.Enter(ctx, "quiz/1", "u1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	done := make(chan struct{})
	go func() {
		l.Begin(newTestClient("u1", 8)).End("bye")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("End must not wait for retries")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := l.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n, _ := p.Count(ctx, "quiz/1"); n != 0 {
		t.Fatalf("presence count=%d want 0 after retry", n)
	}
}

func TestLifecycle_RetriedSweepSparesReenteredChannel(t *testing.T) {
	t.Parallel()

	set := &failingPresenceSet{MemoryPresenceSet: NewMemoryPresenceSet(), fails: 1}
	p, hub := newTestPresence(t, set)
	l := NewLifecycle(discardLogger(), p, hub, nil)
	l.backoff = 100 * time.Millisecond
	ctx := context.Background()

	old := l.Begin(newTestClient("u1", 8))
	if err := old.Enter(ctx, "quiz/1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	old.End("peer closed")

	// The user reconnects before the background retry runs.
	fresh := l.Begin(newTestClient("u1", 8))
	if err := fresh.Enter(ctx, "quiz/1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := l.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n, _ := p.Count(ctx, "quiz/1"); n != 1 {
		t.Fatalf("presence count=%d want 1 after retry", n)
	}

	fresh.End("peer closed")
	if n, _ := p.Count(ctx, "quiz/1"); n != 0 {
		t.Fatalf("presence count=%d want 0 after last session", n)
	}
}

func TestLifecycle_EndKeepsChannelsHeldByOtherSessions(t *testing.T) {
	t.Parallel()

	p, hub := newTestPresence(t, nil)
	l := NewLifecycle(discardLogger(), p, hub, nil)
	ctx := context.Background()

	tabA := l.Begin(newTestClient("u1", 8))
	tabB := l.Begin(newTestClient("u1", 8))
	for _, ch := range []string{"quiz/1", "doc/2"} {
		if err := tabA.Enter(ctx, ch); err != nil {
			t.Fatalf("Enter %s: %v", ch, err)
		}
	}
	if err := tabB.Enter(ctx, "quiz/1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	tabA.End("peer closed")
	if n, _ := p.Count(ctx, "quiz/1"); n != 1 {
		t.Fatalf("quiz/1 count=%d want 1", n)
	}
	if n, _ := p.Count(ctx, "doc/2"); n != 0 {
		t.Fatalf("doc/2 count=%d want 0", n)
	}
	if l.Live() != 1 {
		t.Fatalf("live=%d want 1", l.Live())
	}

	tabB.End("peer closed")
	if n, _ := p.Count(ctx, "quiz/1"); n != 0 {
		t.Fatalf("quiz/1 count=%d want 0", n)
	}
}

func TestLifecycle_ExitFromOneSessionAppliesToAll(t *testing.T) {
	t.Parallel()

	p, hub := newTestPresence(t, nil)
	l := NewLifecycle(discardLogger(), p, hub, nil)
	ctx := context.Background()

	tabA := l.Begin(newTestClient("u1", 8))
	tabB := l.Begin(newTestClient("u1", 8))
	if err := tabA.Enter(ctx, "quiz/1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := tabB.Enter(ctx, "quiz/1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := tabA.Exit(ctx, "quiz/1"); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	watcher := newTestClient("w", 8)
	if err := p.Subscribe(ctx, mustTopic(t, PresenceTopic("quiz/1")), watcher, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	drain(watcher)

	tabB.End("peer closed")
	if frames := drain(watcher); len(frames) != 0 {
		t.Fatalf("ending tab B must not broadcast, got %d frames", len(frames))
	}
}

func TestLifecycle_ShutdownEndsLiveSessions(t *testing.T) {
	t.Parallel()

	p, hub := newTestPresence(t, nil)
	l := NewLifecycle(discardLogger(), p, hub, nil)
	ctx := context.Background()

	clients := []*Client{newTestClient("u1", 8), newTestClient("u1", 8), newTestClient("u2", 8)}
	for _, c := range clients {
		if err := l.Begin(c).Enter(ctx, "post/7"); err != nil {
			t.Fatalf("Enter: %v", err)
		}
	}

	if n := l.Shutdown(CloseReasonShutdown); n != len(clients) {
		t.Fatalf("Shutdown ended %d want %d", n, len(clients))
	}
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			t.Fatalf("client %s must be closed", c.SessionID)
		}
		if c.CloseReason() != CloseReasonShutdown {
			t.Fatalf("reason=%q", c.CloseReason())
		}
	}
	if n, _ := p.Count(ctx, "post/7"); n != 0 {
		t.Fatalf("presence count=%d want 0", n)
	}
	if l.Live() != 0 {
		t.Fatalf("live=%d want 0", l.Live())
	}

	late := newTestClient("u3", 8)
	l.Begin(late)
	select {
	case <-late.Done():
	default:
		t.Fatalf("session begun while draining must end")
	}
	if l.Live() != 0 {
		t.Fatalf("live=%d want 0", l.Live())
	}
}
