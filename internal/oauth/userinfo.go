package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// UserInfoResolver maps a bearer access token to scoped claims.
type UserInfoResolver struct {
	store *Store
	now   func() time.Time
}

// NewUserInfoResolver creates a resolver reading access tokens from st.
func NewUserInfoResolver(st *Store) *UserInfoResolver {
	return &UserInfoResolver{store: st, now: time.Now}
}

// Resolve returns sub and picture always, name with the profile scope and
// email with the email scope.
func (u *UserInfoResolver) Resolve(ctx context.Context, authorization string) (map[string]any, error) {
	token, ok := BearerToken(authorization)
	if !ok {
		return nil, errInvalidToken("")
	}

	rec, err := u.store.GetAccessToken(ctx, token)
	if IsAbsent(err) {
		return nil, errInvalidToken("")
	}
	if err != nil {
		return nil, fmt.Errorf("load access token: %w", err)
	}
	if rec.Exp < u.now().Unix() {
		return nil, errInvalidToken("Token expired")
	}

	claims := map[string]any{"sub": rec.ID}
	if rec.Picture != "" {
		claims["picture"] = rec.Picture
	}
	scopes := ScopeSet(rec.Scope)
	if _, ok := scopes["profile"]; ok {
		claims["name"] = rec.Name
	}
	if _, ok := scopes["email"]; ok {
		claims["email"] = rec.Email
	}
	return claims, nil
}
