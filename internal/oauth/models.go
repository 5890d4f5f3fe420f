package oauth

import (
	"fmt"
	"strings"
	"time"
)

// AuthMethod is a token endpoint client authentication method.
type AuthMethod string

const (
	AuthMethodNone              AuthMethod = "none"
	AuthMethodClientSecretBasic AuthMethod = "client_secret_basic"
)

// Client represents a registered relying party.
type Client struct {
	ClientID string `yaml:"client_id" json:"client_id"`
	// ClientSecret is either a bcrypt hash or the plain secret.
	ClientSecret string     `yaml:"client_secret,omitempty" json:"-"`
	RedirectURI  string     `yaml:"redirect_uri" json:"redirect_uri"`
	AuthMethod   AuthMethod `yaml:"auth_method" json:"auth_method"`
	Name         string     `yaml:"name" json:"name"`
	// AllowedDomainPatterns are origins such as https://staging-*.example.com.
	AllowedDomainPatterns []string `yaml:"allowed_domain_patterns,omitempty" json:"allowed_domain_patterns,omitempty"`
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.AuthMethod == "" || c.AuthMethod == AuthMethodNone
}

// User is the profile snapshot carried by sessions, codes and tokens.
type User struct {
	ID      string `json:"user_id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

func (u User) validate() error {
	if u.ID == "" {
		return fmt.Errorf("missing user_id")
	}
	return nil
}

// FederatedTokens are the Google credentials obtained at login.
type FederatedTokens struct {
	AccessToken  string `json:"google_access_token,omitempty"`
	RefreshToken string `json:"google_refresh_token,omitempty"`
	// Expiry is milliseconds since the Unix epoch.
	Expiry int64 `json:"google_token_expiry,omitempty"`
}

// ExpiryTime returns Expiry as a time, or the zero time if unknown.
func (f FederatedTokens) ExpiryTime() time.Time {
	if f.Expiry == 0 {
		return time.Time{}
	}
	return time.UnixMilli(f.Expiry)
}

// Session is a browser login at the issuer.
type Session struct {
	User
	FederatedTokens
	Scope     string `json:"scope"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Session) Validate() error {
	return s.User.validate()
}

// AuthCode is a single-use authorization code record.
type AuthCode struct {
	User
	FederatedTokens
	ClientID      string `json:"client_id"`
	RedirectURI   string `json:"redirect_uri"`
	CodeChallenge string `json:"code_challenge"`
	Scope         string `json:"scope"`
	// CreatedAt is milliseconds since the Unix epoch.
	CreatedAt int64 `json:"created_at"`
}

func (c *AuthCode) Validate() error {
	if err := c.User.validate(); err != nil {
		return err
	}
	if c.ClientID == "" || c.RedirectURI == "" || c.CodeChallenge == "" {
		return fmt.Errorf("missing client_id, redirect_uri or code_challenge")
	}
	return nil
}

// AccessTokenRecord backs an opaque bearer token.
type AccessTokenRecord struct {
	User
	FederatedTokens
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope"`
	// Exp is seconds since the Unix epoch.
	Exp int64 `json:"exp"`
}

func (a *AccessTokenRecord) Validate() error {
	if err := a.User.validate(); err != nil {
		return err
	}
	if a.Exp <= 0 {
		return fmt.Errorf("missing exp")
	}
	return nil
}

// RefreshTokenRecord backs an opaque refresh token bound to one client.
type RefreshTokenRecord struct {
	User
	FederatedTokens
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

func (r *RefreshTokenRecord) Validate() error {
	if err := r.User.validate(); err != nil {
		return err
	}
	if r.ClientID == "" {
		return fmt.Errorf("missing client_id")
	}
	return nil
}

// StateParameter survives the federated redirect round-trip.
type StateParameter struct {
	ClientID      string `json:"client_id"`
	RedirectURI   string `json:"redirect_uri"`
	State         string `json:"state,omitempty"`
	CodeChallenge string `json:"code_challenge"`
	Scope         string `json:"scope"`
}

func (p StateParameter) validate() error {
	if p.ClientID == "" || p.RedirectURI == "" || p.CodeChallenge == "" || p.Scope == "" {
		return fmt.Errorf("state is missing required fields")
	}
	return nil
}

// ScopeSet splits a space-delimited scope string.
func ScopeSet(scope string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, s := range strings.Fields(scope) {
		set[s] = struct{}{}
	}
	return set
}

// HasScope reports whether scope contains want.
func HasScope(scope, want string) bool {
	_, ok := ScopeSet(scope)[want]
	return ok
}

// SameScope compares two scope strings ignoring order and duplicates.
func SameScope(a, b string) bool {
	sa, sb := ScopeSet(a), ScopeSet(b)
	if len(sa) != len(sb) {
		return false
	}
	for s := range sa {
		if _, ok := sb[s]; !ok {
			return false
		}
	}
	return true
}
