package realtime

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"studyhub/cmd/internal/auth/bearer"
)

// CoreConfig wires the messaging core to its backends.
type CoreConfig struct {
	// Store defaults to an InMemoryStore.
	Store Store
	// PresenceSet defaults to a MemoryPresenceSet.
	PresenceSet PresenceSet

	Directory Directory
	Verifier  bearer.Verifier

	// Sink may be nil; notifications are then dropped.
	Sink NotificationSink

	// Registerer receives the realtime metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Core bundles the components that the gateway and the REST surface share.
type Core struct {
	Store     Store
	Hub       *Hub
	Rooms     *RoomService
	Messages  *MessageLog
	Presence  *PresenceTracker
	Lifecycle *Lifecycle
	Auth      *Authenticator
	Metrics   *Metrics
}

// NewCore builds a Core from cfg.
func NewCore(log *slog.Logger, cfg CoreConfig) (*Core, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Directory == nil {
		return nil, errors.New("realtime: nil directory")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("realtime: nil verifier")
	}
	if cfg.Store == nil {
		cfg.Store = NewInMemoryStore()
	}

	metrics := NewMetrics(cfg.Registerer)
	hub := NewHub(log, metrics)
	locks := NewKeyedMutex()
	messages := NewMessageLog(log, cfg.Store, hub, locks, cfg.Sink, metrics)
	presence := NewPresenceTracker(log, cfg.PresenceSet, hub, metrics)

	return &Core{
		Store:     cfg.Store,
		Hub:       hub,
		Rooms:     NewRoomService(log, cfg.Store, cfg.Directory, messages, cfg.Sink),
		Messages:  messages,
		Presence:  presence,
		Lifecycle: NewLifecycle(log, presence, hub, metrics),
		Auth:      NewAuthenticator(cfg.Verifier, metrics),
		Metrics:   metrics,
	}, nil
}
