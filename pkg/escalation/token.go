package escalation

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a human-authorization token fails
// signature or expiry checks.
var ErrInvalidToken = errors.New("invalid authorization token")

// DefaultTokenTTL bounds how long a human authorization stays provable.
const DefaultTokenTTL = 15 * time.Minute

// AuthorizationClaims is the payload of a human-authorization token: who
// resolved which escalation, and how.
type AuthorizationClaims struct {
	EscalationID string `json:"esc"`
	Action       string `json:"act"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 human-authorization tokens. An
// issuer with no secret never mints; verification then always fails.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns nil when secret is empty, so callers can wire
// the queue without token support by passing the result straight through.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (t *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	t.now = now
	return t
}

// Issue mints a token binding resolver, escalation and action.
func (t *TokenIssuer) Issue(resolver, escalationID, action string) (string, error) {
	issued := t.now()
	claims := AuthorizationClaims{
		EscalationID: escalationID,
		Action:       action,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   resolver,
			Issuer:    "gap-kernel",
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("escalation: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates signature and expiry and returns the claims.
func (t *TokenIssuer) VerifyToken(token string) (AuthorizationClaims, error) {
	var claims AuthorizationClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithTimeFunc(t.now),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !parsed.Valid {
		return AuthorizationClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
