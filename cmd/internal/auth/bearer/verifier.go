package bearer

import (
	"net/http"
	"strings"
	"time"
)

// Claims is the minimal identity envelope propagated across HTTP/WS.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Verifier checks a bearer credential and returns its claims.
type Verifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// Issuer mints credentials. Used by dev tooling and tests; production issuance is external.
type Issuer interface {
	Issue(userID, sessionID string, now time.Time) (token string, exp time.Time, err error)
}

// Manager verifies and (when keys allow) issues credentials.
type Manager interface {
	Verifier
	Issuer
}

// NewManager builds the Manager selected by cfg.Mode.
func NewManager(cfg Config) (Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeJWT:
		return NewJWTManager(cfg)
	default:
		return NewPasetoV4Manager(cfg)
	}
}

// FromHeader extracts the token from an "Authorization: Bearer <token>" value.
func FromHeader(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// FromRequest extracts the bearer token from the request Authorization header.
// Query-string credentials are never accepted.
func FromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return FromHeader(r.Header.Get("Authorization"))
}
