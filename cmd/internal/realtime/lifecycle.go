package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	sweepAttempts = 4
	sweepBackoff  = 200 * time.Millisecond
	sweepTimeout  = 5 * time.Second
)

// Lifecycle ends sessions exactly once: it detaches the session from every
// topic and sweeps the identity out of the presence channels it held.
//
// Sessions are registered per user. When a session ends while other sessions
// of the same user stay open on this instance, only the channels no surviving
// session entered are exited; when the last one ends, the identity is
// disconnected from every channel. Sweeps and presence changes made through a
// Session hold the user's lock, so a retried sweep never undoes a later enter.
//
// The first sweep runs synchronously in End. When it fails, retries continue
// in the background with backoff so the connection can still close.
type Lifecycle struct {
	log      *slog.Logger
	presence *PresenceTracker
	hub      *Hub
	metrics  *Metrics
	users    *KeyedMutex

	attempts int
	backoff  time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	live     map[string]map[*Session]struct{}
	draining bool

	retries sync.WaitGroup
}

// NewLifecycle constructs a Lifecycle.
func NewLifecycle(log *slog.Logger, presence *PresenceTracker, hub *Hub, metrics *Metrics) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		log:      log,
		presence: presence,
		hub:      hub,
		metrics:  metrics,
		users:    NewKeyedMutex(),
		attempts: sweepAttempts,
		backoff:  sweepBackoff,
		timeout:  sweepTimeout,
		live:     make(map[string]map[*Session]struct{}),
	}
}

// Session is the lifecycle handle of one connected client.
type Session struct {
	l      *Lifecycle
	client *Client
	begun  time.Time
	once   sync.Once

	// entered is guarded by the user's lock in l.users.
	entered map[string]struct{}
}

// Begin registers an authenticated client. After Shutdown the session is
// ended right away.
func (l *Lifecycle) Begin(client *Client) *Session {
	s := &Session{l: l, client: client, begun: time.Now(), entered: make(map[string]struct{})}

	l.mu.Lock()
	draining := l.draining
	if !draining {
		set := l.live[client.UserID]
		if set == nil {
			set = make(map[*Session]struct{})
			l.live[client.UserID] = set
		}
		set[s] = struct{}{}
	}
	l.mu.Unlock()

	l.metrics.connOpened()
	l.log.Info("ws.session.begin", "session_id", client.SessionID, "user_id", client.UserID)
	if draining {
		s.End(CloseReasonShutdown)
	}
	return s
}

// Client returns the session's client.
func (s *Session) Client() *Client { return s.client }

// Enter marks the session's identity present in channel.
func (s *Session) Enter(ctx context.Context, channel string) error {
	ch, err := ParsePresenceChannel(channel)
	if err != nil {
		return err
	}
	unlock := s.l.users.Lock(s.client.UserID)
	defer unlock()

	if err := s.l.presence.Enter(ctx, ch, s.client.UserID); err != nil {
		return err
	}
	s.entered[ch] = struct{}{}
	return nil
}

// Exit marks the session's identity absent from channel. Presence is per
// identity, so the channel is forgotten by every session of the user.
func (s *Session) Exit(ctx context.Context, channel string) error {
	ch, err := ParsePresenceChannel(channel)
	if err != nil {
		return err
	}
	unlock := s.l.users.Lock(s.client.UserID)
	defer unlock()

	if err := s.l.presence.Exit(ctx, ch, s.client.UserID); err != nil {
		return err
	}
	for _, other := range s.l.sessionsOf(s.client.UserID) {
		delete(other.entered, ch)
	}
	delete(s.entered, ch)
	return nil
}

// Renew extends the presence leases of the channels this session entered.
// The gateway calls it on every successful heartbeat.
func (s *Session) Renew(ctx context.Context) error {
	unlock := s.l.users.Lock(s.client.UserID)
	channels := make([]string, 0, len(s.entered))
	for ch := range s.entered {
		channels = append(channels, ch)
	}
	unlock()

	return s.l.presence.Renew(ctx, channels, s.client.UserID)
}

// End tears the session down. Every close path calls it; only the first
// call has effect.
func (s *Session) End(reason string) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		l := s.l
		c := s.client

		c.CloseWithReason(reason)
		topics := l.hub.RemoveSession(c.SessionID)
		l.metrics.connClosed()

		l.mu.Lock()
		if set := l.live[c.UserID]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(l.live, c.UserID)
			}
		}
		l.mu.Unlock()

		l.log.Info("ws.session.end",
			"session_id", c.SessionID,
			"user_id", c.UserID,
			"reason", reason,
			"topics", topics,
			"duration_ms", time.Since(s.begun).Milliseconds(),
		)

		if l.sweep(s, 1) {
			return
		}
		l.retries.Add(1)
		go func() {
			defer l.retries.Done()
			for attempt := 2; attempt <= l.attempts; attempt++ {
				time.Sleep(l.backoff * time.Duration(1<<(attempt-2)))
				if l.sweep(s, attempt) {
					return
				}
			}
			l.log.Error("presence.sweep.give_up", "user_id", c.UserID, "attempts", l.attempts)
		}()
	})
}

// Live returns the number of open sessions.
func (l *Lifecycle) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, set := range l.live {
		n += len(set)
	}
	return n
}

// Shutdown ends every open session with reason and ends sessions begun later
// immediately. Hijacked connections are invisible to http.Server.Shutdown,
// so the server calls this before Wait.
func (l *Lifecycle) Shutdown(reason string) int {
	l.mu.Lock()
	l.draining = true
	var sessions []*Session
	for _, set := range l.live {
		for s := range set {
			sessions = append(sessions, s)
		}
	}
	l.mu.Unlock()

	for _, s := range sessions {
		s.End(reason)
	}
	if len(sessions) > 0 {
		l.log.Info("ws.session.shutdown", "sessions", len(sessions), "reason", reason)
	}
	return len(sessions)
}

// Wait blocks until background sweep retries finish or ctx ends.
func (l *Lifecycle) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.retries.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lifecycle) sessionsOf(userID string) []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Session, 0, len(l.live[userID]))
	for s := range l.live[userID] {
		out = append(out, s)
	}
	return out
}

// sweep removes what the ended session s held. It reads the surviving
// sessions under the user's lock on every attempt.
func (l *Lifecycle) sweep(s *Session, attempt int) bool {
	userID := s.client.UserID

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	unlock := l.users.Lock(userID)
	defer unlock()

	survivors := l.sessionsOf(userID)

	var (
		changed int
		err     error
	)
	if len(survivors) == 0 {
		changed, err = l.presence.Disconnect(ctx, userID)
	} else {
		changed, err = l.exitOrphans(ctx, s, survivors)
	}
	if err != nil {
		l.metrics.sweepFailure()
		l.log.Warn("presence.sweep.retry", "user_id", userID, "attempt", attempt, "survivors", len(survivors), "err", err)
		return false
	}
	if changed > 0 {
		l.log.Debug("presence.sweep", "user_id", userID, "channels", changed, "survivors", len(survivors))
	}
	return true
}

// exitOrphans exits the channels s entered that no surviving session entered.
func (l *Lifecycle) exitOrphans(ctx context.Context, s *Session, survivors []*Session) (int, error) {
	held := make(map[string]struct{})
	for _, o := range survivors {
		for ch := range o.entered {
			held[ch] = struct{}{}
		}
	}

	var orphans []string
	for ch := range s.entered {
		if _, ok := held[ch]; !ok {
			orphans = append(orphans, ch)
		}
	}
	sort.Strings(orphans)

	var (
		changed int
		errs    []error
	)
	for _, ch := range orphans {
		removed, err := l.presence.exit(ctx, ch, s.client.UserID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		delete(s.entered, ch)
		if removed {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}
