package oauth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IDTokenClaims are the claims of an ID token issued by this server.
type IDTokenClaims struct {
	jwt.RegisteredClaims
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// SignIDToken mints an RS256 ID token for user with aud set to clientID.
func SignIDToken(kp *KeyPair, issuer, clientID string, user User, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"iss":   issuer,
		"sub":   user.ID,
		"aud":   clientID,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"email": user.Email,
		"name":  user.Name,
	}
	if user.Picture != "" {
		claims["picture"] = user.Picture
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kp.KID

	signed, err := token.SignedString(kp.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return signed, nil
}

// IDTokenVerifier validates ID tokens against the published keys.
type IDTokenVerifier struct {
	issuer string
	keys   *KeyManager
}

// NewIDTokenVerifier creates a verifier for tokens issued by issuer.
func NewIDTokenVerifier(issuer string, keys *KeyManager) *IDTokenVerifier {
	return &IDTokenVerifier{issuer: issuer, keys: keys}
}

// Verify checks the signature, algorithm, kid and issuer. allowExpired skips
// time-based checks, as needed for id_token_hint.
func (v *IDTokenVerifier) Verify(ctx context.Context, raw string, allowExpired bool) (*IDTokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{SigningAlgorithm})}
	if allowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	} else {
		opts = append(opts, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	}

	claims := &IDTokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing kid")
		}
		return v.publicKey(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("issuer mismatch")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing subject")
	}
	return claims, nil
}

func (v *IDTokenVerifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	keys, err := v.keys.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.KeyID != kid {
			continue
		}
		if pub, ok := k.Key.(*rsa.PublicKey); ok {
			return pub, nil
		}
	}
	return nil, fmt.Errorf("unknown kid %q", kid)
}
