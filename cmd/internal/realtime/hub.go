package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "studyhub/shared/contracts/realtime/v1"
)

// Hub routes topic events to subscribed sessions.
//
// Concurrency guarantees:
//   - Subscribe/Unsubscribe are safe under concurrent Publish.
//   - Publish never blocks. A subscriber whose queue is full is evicted and
//     closed instead of silently losing events, so a live subscriber never
//     observes a gap.
//   - Callers that need ordering across publishes (one room, one presence
//     channel) serialize their Publish calls; each session queue is FIFO.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	topics   map[string]map[string]*Client  // topic -> session id -> client
	sessions map[string]map[string]struct{} // session id -> topics
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		metrics:  metrics,
		topics:   make(map[string]map[string]*Client),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Subscribe attaches client to topic. Subscribing twice is a no-op.
func (h *Hub) Subscribe(topic string, client *Client) {
	if client == nil || client.SessionID == "" || topic == "" {
		return
	}

	h.mu.Lock()
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[string]*Client)
		h.topics[topic] = subs
	}
	subs[client.SessionID] = client

	ts := h.sessions[client.SessionID]
	if ts == nil {
		ts = make(map[string]struct{})
		h.sessions[client.SessionID] = ts
	}
	ts[topic] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("hub.subscribe", "topic", topic, "session_id", client.SessionID)
}

// Unsubscribe detaches a session from topic and reports whether it was attached.
func (h *Hub) Unsubscribe(topic, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribeLocked(topic, sessionID)
}

// IsSubscribed reports whether a session is attached to topic.
func (h *Hub) IsSubscribed(topic, sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.topics[topic][sessionID]
	return ok
}

// RemoveSession detaches a session from every topic and returns how many it left.
func (h *Hub) RemoveSession(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for topic := range h.sessions[sessionID] {
		if h.unsubscribeLocked(topic, sessionID) {
			n++
		}
	}
	delete(h.sessions, sessionID)
	return n
}

// UnsubscribeUser detaches every session of userID from topic.
func (h *Hub) UnsubscribeUser(topic, userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for sid, c := range h.topics[topic] {
		if c.UserID == userID && h.unsubscribeLocked(topic, sid) {
			n++
		}
	}
	return n
}

// DropTopic detaches every session from topic.
func (h *Hub) DropTopic(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for sid := range h.topics[topic] {
		if h.unsubscribeLocked(topic, sid) {
			n++
		}
	}
	return n
}

// Subscribers returns the number of sessions attached to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Event names carried in the "event" header of message envelopes.
const (
	EventMessage  = "message"
	EventTyping   = "typing"
	EventPresence = "presence"
)

// Publish renders payload as a message envelope addressed to topic and fans
// it out. It returns the number of sessions that accepted it.
func (h *Hub) Publish(topic, event string, payload any) (int, error) {
	raw, err := jsonRaw(payload)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	env := v1.Envelope{
		V:           v1.Version,
		Type:        v1.TypeMessage,
		ID:          NewEnvelopeID(now),
		Destination: topic,
		Headers:     map[string]string{v1.HeaderEvent: event},
		TS:          now,
		Payload:     raw,
	}
	return h.PublishEnvelope(topic, env), nil
}

// PublishEnvelope fans env out to the current subscribers of topic.
func (h *Hub) PublishEnvelope(topic string, env v1.Envelope) int {
	var (
		delivered int
		slow      []*Client
	)

	h.mu.RLock()
	for _, c := range h.topics[topic] {
		if c.offer(env) {
			delivered++
			continue
		}
		select {
		case <-c.Done():
			// Already shutting down; the lifecycle sweep removes it.
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.metrics.broadcast(topicKindLabel(topic), delivered)

	for _, c := range slow {
		h.log.Warn("hub.evict.slow_consumer", "topic", topic, "session_id", c.SessionID, "user_id", c.UserID)
		h.RemoveSession(c.SessionID)
		c.CloseWithReason(CloseReasonSlowConsumer)
		h.metrics.slowConsumer()
	}
	return delivered
}

func (h *Hub) unsubscribeLocked(topic, sessionID string) bool {
	subs := h.topics[topic]
	if _, ok := subs[sessionID]; !ok {
		return false
	}
	delete(subs, sessionID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
	if ts := h.sessions[sessionID]; ts != nil {
		delete(ts, topic)
		if len(ts) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	return true
}

func jsonRaw(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
