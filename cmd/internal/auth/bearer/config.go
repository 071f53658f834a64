package bearer

import (
	"os"
	"strings"
	"time"
)

// Mode selects the credential format.
type Mode string

const (
	// ModePaseto verifies PASETO v4.public tokens.
	ModePaseto Mode = "paseto"
	// ModeJWT verifies JWT HS256 tokens.
	ModeJWT Mode = "jwt"
)

// Config controls credential verification.
type Config struct {
	Mode Mode

	// Issuer is enforced on the "iss" claim.
	Issuer string

	// ClockSkew is tolerated on nbf/exp checks.
	ClockSkew time.Duration

	// TokenTTL is only used by Issue (dev tooling and tests).
	TokenTTL time.Duration

	// PASETO keys. A public key is enough for verification; the secret key also enables Issue.
	PasetoPublicKeyHex string
	PasetoSecretKeyHex string

	// JWTSecret is the HS256 shared secret.
	JWTSecret string
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Mode:      ModePaseto,
		Issuer:    "studyhub",
		ClockSkew: 30 * time.Second,
		TokenTTL:  15 * time.Minute,
	}
}

// LoadConfigFromEnv loads verification config from environment variables.
//
// Keys:
//   - STUDYHUB_AUTH_MODE (paseto|jwt)
//   - STUDYHUB_AUTH_ISSUER
//   - STUDYHUB_AUTH_CLOCK_SKEW
//   - STUDYHUB_AUTH_TOKEN_TTL
//   - STUDYHUB_AUTH_PASETO_PUBLIC_KEY_HEX / STUDYHUB_AUTH_PASETO_SECRET_KEY_HEX
//   - STUDYHUB_AUTH_JWT_SECRET
//
// Returns ErrConfig if the selected mode has no usable key.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("STUDYHUB_AUTH_MODE")); v != "" {
		cfg.Mode = Mode(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("STUDYHUB_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("STUDYHUB_AUTH_CLOCK_SKEW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}
	if v := strings.TrimSpace(os.Getenv("STUDYHUB_AUTH_TOKEN_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.TokenTTL = d
	}

	cfg.PasetoPublicKeyHex = strings.TrimSpace(os.Getenv("STUDYHUB_AUTH_PASETO_PUBLIC_KEY_HEX"))
	cfg.PasetoSecretKeyHex = strings.TrimSpace(os.Getenv("STUDYHUB_AUTH_PASETO_SECRET_KEY_HEX"))
	cfg.JWTSecret = strings.TrimSpace(os.Getenv("STUDYHUB_AUTH_JWT_SECRET"))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the selected mode has the key material it needs.
func (c Config) Validate() error {
	switch c.Mode {
	case ModePaseto:
		if c.PasetoPublicKeyHex == "" && c.PasetoSecretKeyHex == "" {
			return ErrConfig
		}
	case ModeJWT:
		// HS256 secrets shorter than the hash size are trivially brute-forced.
		if len(c.JWTSecret) < 32 {
			return ErrConfig
		}
	default:
		return ErrConfig
	}
	return nil
}
