package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const stateAudience = "federation-state"

// StateCodec carries a StateParameter through the federated redirect as an
// HS256 JWS. The payload is plain base64url JSON; the MAC binds it to this
// server and the expiry bounds replay.
type StateCodec struct {
	issuer string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type stateClaims struct {
	StateParameter
	jwt.RegisteredClaims
}

// NewStateCodec creates a codec. secret must be non-empty.
func NewStateCodec(issuer string, secret []byte, ttl time.Duration) (*StateCodec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("state secret is required")
	}
	return &StateCodec{issuer: issuer, secret: secret, ttl: ttl, now: time.Now}, nil
}

// Encode signs p.
func (c *StateCodec) Encode(p StateParameter) (string, error) {
	now := c.now()
	claims := stateClaims{
		StateParameter: p,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Decode verifies raw and returns the embedded parameter. Any failure is
// reported as invalid_state.
func (c *StateCodec) Decode(raw string) (StateParameter, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return StateParameter{}, badRequest(ErrCodeInvalidState, "state parameter is invalid or expired")
	}
	if err := claims.StateParameter.validate(); err != nil {
		return StateParameter{}, badRequest(ErrCodeInvalidState, err.Error())
	}
	return claims.StateParameter, nil
}
