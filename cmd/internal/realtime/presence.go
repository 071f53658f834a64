package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "studyhub/shared/contracts/realtime/v1"
)

// PresenceSet is the backing store of presence channels: an atomic set per
// channel with add, remove and size. Process-local or shared across instances.
type PresenceSet interface {
	// Add inserts member and reports whether it was absent, with the new size.
	Add(ctx context.Context, channel, member string) (added bool, size int64, err error)
	// Remove deletes member and reports whether it was present, with the new size.
	Remove(ctx context.Context, channel, member string) (removed bool, size int64, err error)
	Size(ctx context.Context, channel string) (int64, error)
	// ChannelsOf scans every known channel for member.
	ChannelsOf(ctx context.Context, member string) ([]string, error)
}

// PresenceLeaser is implemented by sets whose memberships expire unless
// renewed, so entries of a crashed instance drop out on their own.
type PresenceLeaser interface {
	Renew(ctx context.Context, channel, member string) error
}

// PresenceTracker maintains "who is viewing what" per channel and broadcasts
// the viewer count to sub/presence/{channel} whenever it changes.
//
// Mutation and broadcast for one channel run under that channel's lock, so
// the last broadcast always reflects the last mutation. Re-entering or
// exiting twice changes nothing and broadcasts nothing.
type PresenceTracker struct {
	log     *slog.Logger
	set     PresenceSet
	hub     *Hub
	locks   *KeyedMutex
	metrics *Metrics
}

// NewPresenceTracker constructs a PresenceTracker over set.
func NewPresenceTracker(log *slog.Logger, set PresenceSet, hub *Hub, metrics *Metrics) *PresenceTracker {
	if log == nil {
		log = slog.Default()
	}
	if set == nil {
		set = NewMemoryPresenceSet()
	}
	return &PresenceTracker{
		log:     log,
		set:     set,
		hub:     hub,
		locks:   NewKeyedMutex(),
		metrics: metrics,
	}
}

// Enter marks identityID present in channel.
func (p *PresenceTracker) Enter(ctx context.Context, channel, identityID string) error {
	ch, err := p.validate("realtime.PresenceEnter", channel, identityID)
	if err != nil {
		return err
	}

	unlock := p.locks.Lock(ch)
	defer unlock()

	added, size, err := p.set.Add(ctx, ch, identityID)
	if err != nil {
		return err
	}
	if added {
		p.broadcastLocked(ch, size)
	}
	return nil
}

// Exit marks identityID absent from channel. Exiting a channel one is not in is a no-op.
func (p *PresenceTracker) Exit(ctx context.Context, channel, identityID string) error {
	ch, err := p.validate("realtime.PresenceExit", channel, identityID)
	if err != nil {
		return err
	}

	_, err = p.exit(ctx, ch, identityID)
	return err
}

// exit removes identityID from the validated channel ch and reports whether
// it was present.
func (p *PresenceTracker) exit(ctx context.Context, ch, identityID string) (bool, error) {
	unlock := p.locks.Lock(ch)
	defer unlock()

	removed, size, err := p.set.Remove(ctx, ch, identityID)
	if err != nil {
		return false, err
	}
	if removed {
		p.broadcastLocked(ch, size)
	}
	return removed, nil
}

// Renew extends identityID's leases in channels. Sets without leases keep
// members until they exit, so Renew is a no-op for them.
func (p *PresenceTracker) Renew(ctx context.Context, channels []string, identityID string) error {
	leaser, ok := p.set.(PresenceLeaser)
	if !ok || len(channels) == 0 {
		return nil
	}
	var errs []error
	for _, ch := range channels {
		if err := leaser.Renew(ctx, ch, identityID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect removes identityID from every channel it is present in and
// broadcasts each affected channel once. It returns the number of channels
// changed; a second call for the same identity changes nothing.
func (p *PresenceTracker) Disconnect(ctx context.Context, identityID string) (int, error) {
	if strings.TrimSpace(identityID) == "" {
		return 0, opErr("realtime.PresenceDisconnect", ErrInvalidArgument, "missing identity")
	}

	channels, err := p.set.ChannelsOf(ctx, identityID)
	if err != nil {
		return 0, err
	}
	sort.Strings(channels)

	var (
		changed int
		errs    []error
	)
	for _, ch := range channels {
		unlock := p.locks.Lock(ch)
		removed, size, err := p.set.Remove(ctx, ch, identityID)
		if err == nil && removed {
			p.broadcastLocked(ch, size)
			changed++
		}
		unlock()

		if err != nil {
			errs = append(errs, err)
		}
	}
	return changed, errors.Join(errs...)
}

// Count returns the current number of identities present in channel.
func (p *PresenceTracker) Count(ctx context.Context, channel string) (int64, error) {
	ch, err := ParsePresenceChannel(channel)
	if err != nil {
		return 0, err
	}
	return p.set.Size(ctx, ch)
}

// Subscribe attaches client to the channel topic and pushes the current count
// to it. ack runs before the count is pushed.
func (p *PresenceTracker) Subscribe(ctx context.Context, t Topic, client *Client, ack func()) error {
	if t.Kind != TopicPresence {
		return opErr("realtime.PresenceSubscribe", ErrInvalidArgument, "not a presence topic")
	}

	unlock := p.locks.Lock(t.Channel)
	defer unlock()

	size, err := p.set.Size(ctx, t.Channel)
	if err != nil {
		return err
	}
	if ack != nil {
		ack()
	}
	p.hub.Subscribe(t.Name, client)

	env, err := presenceEnvelope(t.Name, t.Channel, size)
	if err != nil {
		return err
	}
	client.offer(env)
	return nil
}

func (p *PresenceTracker) validate(op, channel, identityID string) (string, error) {
	ch, err := ParsePresenceChannel(channel)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(identityID) == "" {
		return "", opErr(op, ErrInvalidArgument, "missing identity")
	}
	return ch, nil
}

func (p *PresenceTracker) broadcastLocked(channel string, size int64) {
	topic := PresenceTopic(channel)
	delivered, err := p.hub.Publish(topic, EventPresence, v1.PresencePayload{Channel: channel, Count: size})
	if err != nil {
		p.log.Error("presence.broadcast.fail", "channel", channel, "err", err)
		return
	}
	p.metrics.presenceUpdate()
	p.log.Debug("presence.update", "channel", channel, "count", size, "delivered", delivered)
}

func presenceEnvelope(topic, channel string, size int64) (v1.Envelope, error) {
	now := time.Now().UTC()
	raw, err := jsonRaw(v1.PresencePayload{Channel: channel, Count: size})
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:           v1.Version,
		Type:        v1.TypeMessage,
		ID:          NewEnvelopeID(now),
		Destination: topic,
		Headers:     map[string]string{v1.HeaderEvent: EventPresence},
		TS:          now,
		Payload:     raw,
	}, nil
}

// MemoryPresenceSet is the single-instance PresenceSet. It resets to empty
// on restart.
type MemoryPresenceSet struct {
	mu       sync.Mutex
	channels map[string]map[string]struct{}
}

// NewMemoryPresenceSet constructs an empty MemoryPresenceSet.
func NewMemoryPresenceSet() *MemoryPresenceSet {
	return &MemoryPresenceSet{channels: make(map[string]map[string]struct{})}
}

func (s *MemoryPresenceSet) Add(ctx context.Context, channel, member string) (bool, int64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.channels[channel]
	if set == nil {
		set = make(map[string]struct{})
		s.channels[channel] = set
	}
	if _, ok := set[member]; ok {
		return false, int64(len(set)), nil
	}
	set[member] = struct{}{}
	return true, int64(len(set)), nil
}

func (s *MemoryPresenceSet) Remove(ctx context.Context, channel, member string) (bool, int64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.channels[channel]
	if _, ok := set[member]; !ok {
		return false, int64(len(set)), nil
	}
	delete(set, member)
	n := int64(len(set))
	if n == 0 {
		delete(s.channels, channel)
	}
	return true, n, nil
}

func (s *MemoryPresenceSet) Size(ctx context.Context, channel string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.channels[channel])), nil
}

func (s *MemoryPresenceSet) ChannelsOf(ctx context.Context, member string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for ch, set := range s.channels {
		if _, ok := set[member]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}
