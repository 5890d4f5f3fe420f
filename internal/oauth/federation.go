package oauth

import (
	"context"
	"errors"
)

// FederatedUserPrefix namespaces local user ids derived from Google subjects.
const FederatedUserPrefix = "google_"

// Profile is the identity returned by the federated IdP.
type Profile struct {
	ID      string
	Email   string
	Name    string
	Picture string
}

// User derives the local user from the federated subject.
func (p Profile) User() User {
	return User{
		ID:      FederatedUserPrefix + p.ID,
		Email:   p.Email,
		Name:    p.Name,
		Picture: p.Picture,
	}
}

// FederationBridge wraps the federated IdP's OAuth endpoints.
type FederationBridge interface {
	// AuthCodeURL returns the consent URL requesting offline access.
	AuthCodeURL(state string, scopes []string) string
	Exchange(ctx context.Context, code string) (FederatedTokens, error)
	FetchProfile(ctx context.Context, tokens FederatedTokens) (Profile, error)
	// Refresh returns a new access token and expiry. RefreshToken may be empty.
	Refresh(ctx context.Context, refreshToken string) (FederatedTokens, error)
}

// UpstreamError is returned by a bridge when the IdP answered with an OAuth
// error body. Description is safe to surface to the caller.
type UpstreamError struct {
	Code        string
	Description string
}

func (e *UpstreamError) Error() string {
	if e.Description == "" {
		return "upstream oauth error: " + e.Code
	}
	return "upstream oauth error: " + e.Code + ": " + e.Description
}

func asUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
