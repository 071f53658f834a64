package app

import (
	"time"

	"studyhub/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// RedisURL enables the shared presence set and the notification queue.
	RedisURL string
	// PresenceLeaseTTL bounds how long a shared membership outlives the
	// instance that holds it. Defaults to three heartbeat intervals.
	PresenceLeaseTTL time.Duration

	WS realtime.GatewayConfig

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	NotifyQueue   string
	NotifyWorkers int
	NotifyBuffer  int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// DevUsers seeds the in-memory directory when no database is configured:
	// every listed user is an approved member of DevGroup, the first one leads it.
	DevUsers []string
	DevGroup string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	def := realtime.DefaultGatewayConfig()
	ws := realtime.GatewayConfig{
		DevInsecure:       EnvBool("STUDYHUB_WS_DEV_INSECURE", false),
		OriginRequired:    EnvBool("STUDYHUB_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins:    EnvCSV("STUDYHUB_WS_ALLOWED_ORIGINS", def.AllowedOrigins),
		WriteTimeout:      EnvDuration("STUDYHUB_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout:   EnvDuration("STUDYHUB_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		ConnectTimeout:    EnvDuration("STUDYHUB_WS_CONNECT_TIMEOUT", def.ConnectTimeout),
		SendQueueSize:     EnvInt("STUDYHUB_WS_SEND_QUEUE", def.SendQueueSize),
		HeartbeatInterval: EnvDuration("STUDYHUB_WS_HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		HeartbeatTimeout:  EnvDuration("STUDYHUB_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		RateEvents:        EnvInt("STUDYHUB_WS_RATE_EVENTS", def.RateEvents),
		RateWindow:        EnvDuration("STUDYHUB_WS_RATE_WINDOW", def.RateWindow),
	}

	return Config{
		HTTPAddr:  EnvString("STUDYHUB_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("STUDYHUB_LOG_LEVEL", "info"),
		LogFormat: EnvString("STUDYHUB_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("STUDYHUB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("STUDYHUB_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("STUDYHUB_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("STUDYHUB_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("STUDYHUB_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("STUDYHUB_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL:   EnvString("STUDYHUB_DATABASE_URL", ""),
		DBSchema:      EnvString("STUDYHUB_DB_SCHEMA", "studyhub"),
		DBMaxConns:    EnvInt32("STUDYHUB_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("STUDYHUB_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("STUDYHUB_DB_AUTO_MIGRATE", false),

		RedisURL:         EnvString("STUDYHUB_REDIS_URL", ""),
		PresenceLeaseTTL: EnvDuration("STUDYHUB_PRESENCE_LEASE_TTL", 3*ws.HeartbeatInterval),

		WS: ws,

		ReadinessRequireDB: EnvBool("STUDYHUB_READINESS_REQUIRE_DB", false),

		NotifyQueue:   EnvString("STUDYHUB_NOTIFY_QUEUE", "notifications"),
		NotifyWorkers: EnvInt("STUDYHUB_NOTIFY_WORKERS", 2),
		NotifyBuffer:  EnvInt("STUDYHUB_NOTIFY_BUFFER", 1024),

		CORSAllowedOrigins:   EnvCSV("STUDYHUB_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("STUDYHUB_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("STUDYHUB_CORS_MAX_AGE_SECONDS", 600),

		DevUsers: EnvCSV("STUDYHUB_DEV_USERS", nil),
		DevGroup: EnvString("STUDYHUB_DEV_GROUP", "dev"),
	}
}
