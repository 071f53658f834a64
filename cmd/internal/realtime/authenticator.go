package realtime

import (
	"errors"
	"time"

	"studyhub/cmd/internal/auth/bearer"
)

// Identity is the principal attached to a session or request.
type Identity struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// Authenticator verifies bearer credentials for the gateway and the REST surface.
type Authenticator struct {
	verifier bearer.Verifier
	metrics  *Metrics
	now      func() time.Time
}

// NewAuthenticator constructs an Authenticator over verifier.
func NewAuthenticator(verifier bearer.Verifier, metrics *Metrics) *Authenticator {
	return &Authenticator{
		verifier: verifier,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AuthenticateHeader verifies an "Authorization: Bearer <token>" value.
func (a *Authenticator) AuthenticateHeader(authorization string) (Identity, error) {
	return a.AuthenticateToken(bearer.FromHeader(authorization))
}

// AuthenticateToken verifies a raw token. Failures carry ErrAuthentication
// and never reveal why the credential was rejected.
func (a *Authenticator) AuthenticateToken(token string) (Identity, error) {
	const op = "realtime.Authenticate"

	if a == nil || a.verifier == nil {
		return Identity{}, opErr(op, ErrAuthentication, "authentication unavailable")
	}
	if token == "" {
		a.metrics.authFailure()
		return Identity{}, opErr(op, ErrAuthentication, "missing bearer credential")
	}

	claims, err := a.verifier.Verify(token, a.now())
	if err != nil {
		a.metrics.authFailure()
		if errors.Is(err, bearer.ErrMissingToken) {
			return Identity{}, opErr(op, ErrAuthentication, "missing bearer credential")
		}
		return Identity{}, opErr(op, ErrAuthentication, "invalid bearer credential")
	}
	if claims.UserID == "" {
		a.metrics.authFailure()
		return Identity{}, opErr(op, ErrAuthentication, "credential carries no identity")
	}
	return Identity{UserID: claims.UserID, SessionID: claims.SessionID, ExpiresAt: claims.ExpiresAt}, nil
}
