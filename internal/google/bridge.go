// Package google implements the federated login bridge to Google's OAuth 2.0
// endpoints.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/icssc/auth/internal/oauth"
)

// DefaultUserInfoURL is Google's v2 userinfo endpoint.
const DefaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// defaultExpiry applies when Google omits expires_in.
const defaultExpiry = time.Hour

// Config configures the bridge. Endpoint and UserInfoURL default to Google's.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Endpoint     oauth2.Endpoint
	UserInfoURL  string
	HTTPClient   *http.Client
}

// Bridge is an oauth.FederationBridge backed by golang.org/x/oauth2.
type Bridge struct {
	oauth       *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	now         func() time.Time
}

var _ oauth.FederationBridge = (*Bridge)(nil)

// NewBridge creates a bridge. ClientID and ClientSecret are required.
func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("google: client id and secret are required")
	}
	if cfg.RedirectURI == "" {
		return nil, errors.New("google: redirect uri is required")
	}
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = endpoints.Google
	}
	userInfo := cfg.UserInfoURL
	if userInfo == "" {
		userInfo = DefaultUserInfoURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Bridge{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     endpoint,
		},
		userInfoURL: userInfo,
		httpClient:  client,
		now:         time.Now,
	}, nil
}

// AuthCodeURL requests offline access and forces the consent prompt so that
// Google returns a refresh token on every login.
func (b *Bridge) AuthCodeURL(state string, scopes []string) string {
	cfg := *b.oauth
	cfg.Scopes = scopes
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades Google's authorization code for tokens.
func (b *Bridge) Exchange(ctx context.Context, code string) (oauth.FederatedTokens, error) {
	tok, err := b.oauth.Exchange(b.clientContext(ctx), code)
	if err != nil {
		return oauth.FederatedTokens{}, upstream(err)
	}
	return b.federated(tok), nil
}

// Refresh obtains a new access token. Google usually omits a new refresh token.
func (b *Bridge) Refresh(ctx context.Context, refreshToken string) (oauth.FederatedTokens, error) {
	src := b.oauth.TokenSource(b.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return oauth.FederatedTokens{}, upstream(err)
	}
	fed := b.federated(tok)
	if fed.RefreshToken == refreshToken {
		fed.RefreshToken = ""
	}
	return fed, nil
}

type userInfo struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// FetchProfile reads the v2 userinfo document with the access token.
func (b *Bridge) FetchProfile(ctx context.Context, tokens oauth.FederatedTokens) (oauth.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.userInfoURL, nil)
	if err != nil {
		return oauth.Profile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return oauth.Profile{}, fmt.Errorf("google userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return oauth.Profile{}, fmt.Errorf("google userinfo: status %d", resp.StatusCode)
	}

	var info userInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return oauth.Profile{}, fmt.Errorf("google userinfo: decode: %w", err)
	}
	if info.ID == "" {
		return oauth.Profile{}, errors.New("google userinfo: missing id")
	}
	return oauth.Profile{ID: info.ID, Email: info.Email, Name: info.Name, Picture: info.Picture}, nil
}

func (b *Bridge) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
}

func (b *Bridge) federated(tok *oauth2.Token) oauth.FederatedTokens {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = b.now().Add(defaultExpiry)
	}
	return oauth.FederatedTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       expiry.UnixMilli(),
	}
}

// upstream converts an OAuth error body from Google into oauth.UpstreamError.
func upstream(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		return &oauth.UpstreamError{Code: re.ErrorCode, Description: re.ErrorDescription}
	}
	return fmt.Errorf("google token endpoint: %w", err)
}
