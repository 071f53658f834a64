package bearer

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

type pasetoV4Manager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	canSign bool
	secret  paseto.V4AsymmetricSecretKey
	public  paseto.V4AsymmetricPublicKey
}

// NewPasetoV4Manager builds a Manager based on PASETO v4.public.
//
// With only a public key it verifies; with a secret key it also issues.
// Clock skew is applied during verification via ValidAt.
func NewPasetoV4Manager(cfg Config) (Manager, error) {
	m := &pasetoV4Manager{
		issuer:    cfg.Issuer,
		ttl:       cfg.TokenTTL,
		clockSkew: cfg.ClockSkew,
	}

	if cfg.PasetoSecretKeyHex != "" {
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoSecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = secret
		m.public = secret.Public()
		m.canSign = true
		return m, nil
	}

	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoPublicKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	m.public = public
	return m, nil
}

func (m *pasetoV4Manager) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	if !m.canSign {
		return "", time.Time{}, ErrSigningUnavailable
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", userID)
	if sessionID != "" {
		_ = tok.Set("sid", sessionID)
	}

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4Manager) Verify(token string, now time.Time) (Claims, error) {
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	// Validating slightly in the future tolerates nbf drift between issuer and server.
	validNow := now.Add(m.clockSkew)

	// Fresh parser per call: rules accumulate on a shared parser.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	exp, err := parsed.GetExpiration()
	if err != nil || !exp.After(now) {
		return Claims{}, ErrInvalidToken
	}
	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Claims{}, ErrInvalidToken
	}
	sid, _ := parsed.GetString("sid")

	return Claims{
		UserID:    uid,
		SessionID: sid,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}
