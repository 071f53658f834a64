package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	v1 "studyhub/shared/contracts/realtime/v1"
)

func newTestPresence(t *testing.T, set PresenceSet) (*PresenceTracker, *Hub) {
	t.Helper()
	hub := NewHub(discardLogger(), nil)
	return NewPresenceTracker(discardLogger(), set, hub, nil), hub
}

func TestPresence_EnterExitBroadcastOnlyOnChange(t *testing.T) {
	t.Parallel()

	p, _ := newTestPresence(t, nil)
	ctx := context.Background()

	watcher := newTestClient("w", 16)
	if err := p.Subscribe(ctx, mustTopic(t, PresenceTopic("quiz/42")), watcher, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	initial := drain(watcher)
	if len(initial) != 1 || decodePresence(t, initial[0]).Count != 0 {
		t.Fatalf("expected initial count 0, got %+v", initial)
	}

	steps := []struct {
		name   string
		do     func() error
		counts []int64
	}{
		{"u1 enters", func() error { return p.Enter(ctx, "quiz/42", "u1") }, []int64{1}},
		{"u1 re-enters", func() error { return p.Enter(ctx, "quiz/42", "u1") }, nil},
		{"u2 enters", func() error { return p.Enter(ctx, "quiz/42", "u2") }, []int64{2}},
		{"u3 exits without entering", func() error { return p.Exit(ctx, "quiz/42", "u3") }, nil},
		{"u1 exits", func() error { return p.Exit(ctx, "quiz/42", "u1") }, []int64{1}},
		{"u1 exits again", func() error { return p.Exit(ctx, "quiz/42", "u1") }, nil},
	}
	for _, st := range steps {
		if err := st.do(); err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		frames := drain(watcher)
		if len(frames) != len(st.counts) {
			t.Fatalf("%s: expected %d broadcasts, got %d", st.name, len(st.counts), len(frames))
		}
		for i, f := range frames {
			if f.Header(v1.HeaderEvent) != EventPresence {
				t.Fatalf("%s: event header %q", st.name, f.Header(v1.HeaderEvent))
			}
			if got := decodePresence(t, f); got.Count != st.counts[i] || got.Channel != "quiz/42" {
				t.Fatalf("%s: payload %+v want count %d", st.name, got, st.counts[i])
			}
		}
	}

	n, err := p.Count(ctx, "quiz/42")
	if err != nil || n != 1 {
		t.Fatalf("Count=%d err=%v want 1", n, err)
	}
}

func TestPresence_InvalidChannel(t *testing.T) {
	t.Parallel()

	p, _ := newTestPresence(t, nil)
	ctx := context.Background()
	for _, ch := range []string{"", "quiz", "quiz/", "/42", "quiz/4 2", "a/b/c"} {
		if err := p.Enter(ctx, ch, "u1"); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("Enter(%q) err=%v want ErrInvalidArgument", ch, err)
		}
	}
	if err := p.Enter(ctx, "quiz/1", " "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank identity err=%v", err)
	}
}

func TestPresence_Disconnect(t *testing.T) {
	t.Parallel()

	p, _ := newTestPresence(t, nil)
	ctx := context.Background()

	for _, ch := range []string{"quiz/1", "quiz/2", "doc/9"} {
		if err := p.Enter(ctx, ch, "u1"); err != nil {
			t.Fatalf("Enter: %v", err)
		}
	}
	if err := p.Enter(ctx, "quiz/1", "u2"); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	w1 := newTestClient("w", 16)
	if err := p.Subscribe(ctx, mustTopic(t, PresenceTopic("quiz/1")), w1, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	drain(w1)

	changed, err := p.Disconnect(ctx, "u1")
	if err != nil || changed != 3 {
		t.Fatalf("Disconnect changed=%d err=%v want 3", changed, err)
	}
	frames := drain(w1)
	if len(frames) != 1 || decodePresence(t, frames[0]).Count != 1 {
		t.Fatalf("expected one broadcast with count 1, got %+v", frames)
	}

	for ch, want := range map[string]int64{"quiz/1": 1, "quiz/2": 0, "doc/9": 0} {
		if n, _ := p.Count(ctx, ch); n != want {
			t.Fatalf("Count(%s)=%d want %d", ch, n, want)
		}
	}

	changed, err = p.Disconnect(ctx, "u1")
	if err != nil || changed != 0 {
		t.Fatalf("second Disconnect changed=%d err=%v", changed, err)
	}
	if len(drain(w1)) != 0 {
		t.Fatalf("idempotent disconnect must not broadcast")
	}
}

func TestPresence_ConcurrentEnterExitConverges(t *testing.T) {
	t.Parallel()

	p, _ := newTestPresence(t, nil)
	ctx := context.Background()

	watcher := newTestClient("w", 4096)
	if err := p.Subscribe(ctx, mustTopic(t, PresenceTopic("room/x")), watcher, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	drain(watcher)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = p.Enter(ctx, "room/x", id)
				_ = p.Exit(ctx, "room/x", id)
			}
			_ = p.Enter(ctx, "room/x", id)
		}(string(rune('a' + i)))
	}
	wg.Wait()

	frames := drain(watcher)
	if len(frames) == 0 {
		t.Fatalf("expected broadcasts")
	}
	if last := decodePresence(t, frames[len(frames)-1]); last.Count != 20 {
		t.Fatalf("last broadcast count=%d want 20", last.Count)
	}
}

type failingPresenceSet struct {
	*MemoryPresenceSet
	mu    sync.Mutex
	fails int
}

func (s *failingPresenceSet) ChannelsOf(ctx context.Context, member string) ([]string, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return nil, errors.New("presence backend unavailable")
	}
	s.mu.Unlock()
	return s.MemoryPresenceSet.ChannelsOf(ctx, member)
}
