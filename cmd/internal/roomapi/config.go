package roomapi

import (
	"os"
	"strconv"
	"strings"
)

const (
	defaultMaxBodyBytes = 64 << 10
	defaultPageSize     = 20
)

// Config controls room API limits.
type Config struct {
	MaxBodyBytes int64

	// DefaultPageSize applies when a history request has no size parameter.
	DefaultPageSize int
}

// LoadConfigFromEnv loads room API config from environment variables with safe defaults.
//
// Keys:
//   - STUDYHUB_API_MAX_BODY_BYTES
//   - STUDYHUB_API_DEFAULT_PAGE_SIZE
func LoadConfigFromEnv() Config {
	return Config{
		MaxBodyBytes:    envInt64("STUDYHUB_API_MAX_BODY_BYTES", defaultMaxBodyBytes),
		DefaultPageSize: int(envInt64("STUDYHUB_API_DEFAULT_PAGE_SIZE", defaultPageSize)),
	}
}

func (c Config) normalized() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = defaultPageSize
	}
	return c
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
