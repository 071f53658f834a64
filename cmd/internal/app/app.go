// Package app wires the studyhub server runtime: config, logging, storage,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"studyhub/cmd/internal/auth/bearer"
	"studyhub/cmd/internal/directory"
	"studyhub/cmd/internal/notify"
	"studyhub/cmd/internal/realtime"
	"studyhub/cmd/internal/roomapi"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App is the studyhub server runtime: it owns backing resources, the realtime
// core and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	dbPool   *pgxpool.Pool
	rdb      *redis.Client
	queue    *asynq.Client
	notifier *notify.Dispatcher
	registry *prometheus.Registry

	core  *realtime.Core
	ws    *realtime.WSGateway
	rooms *roomapi.Handler
}

// New constructs a fully wired App instance from config and logger.
// Without a database URL it runs on in-memory stores; without a Redis URL
// presence is process-local and notifications are logged.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	authCfg, err := bearer.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	tokens, err := bearer.NewManager(authCfg)
	if err != nil {
		return nil, err
	}

	a = &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.closeResources(context.Background())
		}
	}()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	coreCfg := realtime.CoreConfig{
		Verifier:   tokens,
		Registerer: a.registry,
	}

	if coreCfg.Store, coreCfg.Directory, err = a.openStorage(ctx); err != nil {
		return nil, err
	}

	var sink notify.Sink = notify.NewLogSink(log)
	if cfg.RedisURL != "" {
		if a.rdb, err = NewRedisClient(ctx, cfg); err != nil {
			return nil, err
		}
		coreCfg.PresenceSet = realtime.NewRedisPresenceSet(a.rdb, "studyhub:", realtime.WithLeaseTTL(cfg.PresenceLeaseTTL))

		if a.queue, err = notify.NewAsynqClient(cfg.RedisURL); err != nil {
			return nil, err
		}
		if sink, err = notify.NewQueueSink(a.queue, notify.WithQueue(cfg.NotifyQueue)); err != nil {
			return nil, err
		}
		log.Info("redis.enabled", "presence", "redis", "notify_queue", cfg.NotifyQueue)
	} else {
		log.Info("redis.disabled.local_presence")
	}
	a.notifier = notify.NewDispatcher(log, sink, cfg.NotifyBuffer, cfg.NotifyWorkers,
		notify.WithMetrics(notify.NewMetrics(a.registry)),
	)
	coreCfg.Sink = a.notifier

	if a.core, err = realtime.NewCore(log, coreCfg); err != nil {
		return nil, err
	}
	a.ws = realtime.NewWSGateway(log, a.core, cfg.WS)
	if a.rooms, err = roomapi.NewHandler(log, a.core, roomapi.LoadConfigFromEnv()); err != nil {
		return nil, err
	}
	return a, nil
}

// openStorage decides between Postgres-backed persistence and in-memory dev stores.
func (a *App) openStorage(ctx context.Context) (realtime.Store, realtime.Directory, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store", "dev_users", len(a.cfg.DevUsers))
		return realtime.NewInMemoryStore(), seedDevDirectory(a.cfg), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, nil, err
	}
	a.dbPool = pool

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	store, err := realtime.NewPostgresStore(pool, realtime.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}
	dir, err := directory.NewPostgres(pool, directory.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}

	if a.cfg.DBAutoMigrate {
		if err := dir.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		a.log.Info("db.schema.ensured", "schema", a.cfg.DBSchema)
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return store, dir, nil
}

func seedDevDirectory(cfg Config) *directory.Memory {
	dir := directory.NewMemory()
	for i, id := range cfg.DevUsers {
		dir.PutUser(directory.User{ID: id, DisplayName: id})
		role := directory.RoleMember
		if i == 0 {
			role = directory.RoleLeader
		}
		dir.PutMember(cfg.DevGroup, id, role, directory.MemberApproved)
	}
	return dir
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.rdb != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	// Shutdown neither closes nor waits for hijacked websocket connections.
	a.core.Lifecycle.Shutdown(realtime.CloseReasonShutdown)
	if err := a.core.Lifecycle.Wait(shutdownCtx); err != nil {
		a.log.Warn("presence.sweep.wait.fail", "err", err)
	}
	a.closeResources(shutdownCtx)

	a.log.Info("server.stopped")
	return runErr
}

// closeResources releases backing resources in reverse dependency order.
// It tolerates a partially constructed App.
func (a *App) closeResources(ctx context.Context) {
	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil {
			a.log.Warn("notify.close.fail", "err", err)
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Warn("notify.queue.close.fail", "err", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
