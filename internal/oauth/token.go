package oauth

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/icssc/auth/internal/audit"
	"github.com/icssc/auth/internal/logger"
)

// Grant types accepted at /token.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// ClientCredentials identify the caller at /token.
type ClientCredentials struct {
	ClientID string
	Secret   string
	// Basic is true when the credentials came from HTTP Basic auth.
	Basic bool
}

// TokenRequest is one of AuthorizationCodeGrant or RefreshTokenGrant.
type TokenRequest interface {
	GrantType() string
}

// AuthorizationCodeGrant exchanges a code and its PKCE verifier.
type AuthorizationCodeGrant struct {
	Client       ClientCredentials
	Code         string
	RedirectURI  string
	CodeVerifier string
}

func (AuthorizationCodeGrant) GrantType() string { return GrantTypeAuthorizationCode }

// RefreshTokenGrant mints a new access token from a refresh token.
type RefreshTokenGrant struct {
	Client       ClientCredentials
	RefreshToken string
}

func (RefreshTokenGrant) GrantType() string { return GrantTypeRefreshToken }

// ParseTokenRequest builds the grant variant selected by grant_type, checking
// that variant's required fields.
func ParseTokenRequest(form url.Values, basic *ClientCredentials) (TokenRequest, error) {
	creds := ClientCredentials{ClientID: form.Get("client_id")}
	if basic != nil {
		if creds.ClientID != "" && creds.ClientID != basic.ClientID {
			return nil, errInvalidRequest("client_id does not match the authenticated client")
		}
		creds = *basic
		creds.Basic = true
	}

	switch gt := form.Get("grant_type"); gt {
	case GrantTypeAuthorizationCode:
		req := AuthorizationCodeGrant{
			Client:       creds,
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
		}
		if req.Code == "" || req.RedirectURI == "" || req.CodeVerifier == "" {
			return nil, errInvalidRequest("code, redirect_uri and code_verifier are required")
		}
		return req, nil
	case GrantTypeRefreshToken:
		req := RefreshTokenGrant{Client: creds, RefreshToken: form.Get("refresh_token")}
		if req.RefreshToken == "" {
			return nil, errInvalidRequest("refresh_token is required")
		}
		return req, nil
	case "":
		return nil, errInvalidRequest("grant_type is required")
	default:
		return nil, badRequest(ErrCodeUnsupportedGrantType, fmt.Sprintf("grant_type %q is not supported", gt))
	}
}

// TokenResponse is the /token success body.
type TokenResponse struct {
	TokenType          string `json:"token_type"`
	AccessToken        string `json:"access_token"`
	RefreshToken       string `json:"refresh_token,omitempty"`
	IDToken            string `json:"id_token"`
	ExpiresIn          int64  `json:"expires_in"`
	Scope              string `json:"scope,omitempty"`
	GoogleAccessToken  string `json:"google_access_token,omitempty"`
	GoogleRefreshToken string `json:"google_refresh_token,omitempty"`
	// GoogleTokenExpiry is milliseconds since the Unix epoch.
	GoogleTokenExpiry int64 `json:"google_token_expiry,omitempty"`
}

// TokenService drives /token.
type TokenService struct {
	cfg     Config
	clients *ClientRegistry
	store   *Store
	keys    *KeyManager
	bridge  FederationBridge
	audit   audit.Sink
	now     func() time.Time
}

// NewTokenService wires the token endpoint's collaborators.
func NewTokenService(cfg Config, clients *ClientRegistry, st *Store, keys *KeyManager, bridge FederationBridge, sink audit.Sink) *TokenService {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &TokenService{
		cfg:     cfg,
		clients: clients,
		store:   st,
		keys:    keys,
		bridge:  bridge,
		audit:   sink,
		now:     time.Now,
	}
}

// Exchange dispatches on the grant variant.
func (s *TokenService) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch r := req.(type) {
	case AuthorizationCodeGrant:
		return s.exchangeCode(ctx, r)
	case *AuthorizationCodeGrant:
		return s.exchangeCode(ctx, *r)
	case RefreshTokenGrant:
		return s.refresh(ctx, r)
	case *RefreshTokenGrant:
		return s.refresh(ctx, *r)
	default:
		return nil, badRequest(ErrCodeUnsupportedGrantType, "")
	}
}

func (s *TokenService) exchangeCode(ctx context.Context, req AuthorizationCodeGrant) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Op("token.authorization_code"))

	authenticated, err := s.authenticate(req.Client)
	if err != nil {
		return nil, err
	}

	code, consumed, err := s.store.ConsumeAuthCode(ctx, req.Code)
	if IsAbsent(err) {
		return nil, badRequest(ErrCodeInvalidAuthorizationCode, "authorization code is invalid or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("load code: %w", err)
	}

	if req.Client.ClientID != "" && req.Client.ClientID != code.ClientID {
		log.Info("code presented by another client", logger.ClientID(req.Client.ClientID))
		return nil, badRequest(ErrCodeAuthCodeClientMismatch, "client_id does not match the authorization code")
	}
	if err := s.requireClientAuth(code.ClientID, authenticated); err != nil {
		return nil, err
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, badRequest(ErrCodeAuthCodeRedirectMismatch, "redirect_uri does not match the authorization code")
	}
	if !VerifyPKCE(code.CodeChallenge, req.CodeVerifier) {
		return nil, errInvalidGrant("code_verifier does not match code_challenge")
	}

	if !consumed {
		if err := s.store.DeleteAuthCode(ctx, req.Code); err != nil {
			return nil, fmt.Errorf("delete code: %w", err)
		}
	}

	kp, err := s.signingKey(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	resp, err := s.mint(ctx, kp, now, code.User, code.ClientID, code.Scope, code.FederatedTokens)
	if err != nil {
		return nil, err
	}

	refreshToken, err := newOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	refresh := &RefreshTokenRecord{
		User:            code.User,
		FederatedTokens: code.FederatedTokens,
		ClientID:        code.ClientID,
		Scope:           code.Scope,
	}
	if err := s.store.SaveRefreshToken(ctx, refreshToken, refresh, s.cfg.RefreshTokenTTL); err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}
	resp.RefreshToken = refreshToken

	s.audit.Emit(ctx, audit.New(audit.TokenIssued, code.ClientID, code.ID))
	return resp, nil
}

func (s *TokenService) refresh(ctx context.Context, req RefreshTokenGrant) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Op("token.refresh_token"))

	authenticated, err := s.authenticate(req.Client)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.GetRefreshToken(ctx, req.RefreshToken)
	if IsAbsent(err) {
		return nil, errInvalidGrant("refresh token is invalid or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if req.Client.ClientID != "" && req.Client.ClientID != rec.ClientID {
		return nil, errInvalidGrant("refresh token was issued to another client")
	}
	if err := s.requireClientAuth(rec.ClientID, authenticated); err != nil {
		return nil, err
	}

	fed := rec.FederatedTokens
	if fed.RefreshToken != "" && s.bridge != nil {
		fresh, err := s.bridge.Refresh(ctx, fed.RefreshToken)
		if err != nil {
			log.Warn("google token refresh failed, keeping previous access token",
				logger.ClientID(rec.ClientID), logger.Err(err))
		} else {
			fed.AccessToken = fresh.AccessToken
			fed.Expiry = fresh.Expiry
		}
	}

	kp, err := s.signingKey(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.mint(ctx, kp, s.now(), rec.User, rec.ClientID, rec.Scope, fed)
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, audit.New(audit.TokenRefreshed, rec.ClientID, rec.ID))
	return resp, nil
}

// mint creates and persists an access token and signs an ID token.
func (s *TokenService) mint(ctx context.Context, kp *KeyPair, now time.Time, user User, clientID, scope string, fed FederatedTokens) (*TokenResponse, error) {
	ttl := s.cfg.AccessTokenTTL
	idToken, err := SignIDToken(kp, s.cfg.Issuer, clientID, user, now, ttl)
	if err != nil {
		return nil, errServer("")
	}

	accessToken, err := newOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}
	rec := &AccessTokenRecord{
		User:            user,
		FederatedTokens: fed,
		ClientID:        clientID,
		Scope:           scope,
		Exp:             now.Add(ttl).Unix(),
	}
	if err := s.store.SaveAccessToken(ctx, accessToken, rec, ttl); err != nil {
		return nil, fmt.Errorf("save access token: %w", err)
	}

	return &TokenResponse{
		TokenType:          "Bearer",
		AccessToken:        accessToken,
		IDToken:            idToken,
		ExpiresIn:          int64(ttl.Seconds()),
		Scope:              scope,
		GoogleAccessToken:  fed.AccessToken,
		GoogleRefreshToken: fed.RefreshToken,
		GoogleTokenExpiry:  fed.Expiry,
	}, nil
}

func (s *TokenService) signingKey(ctx context.Context) (*KeyPair, error) {
	kp, err := s.keys.EnsureKeyPair(ctx)
	if err != nil {
		logger.From(ctx).Error("signing key unavailable", logger.Err(err))
		return nil, errServer("signing key unavailable")
	}
	return kp, nil
}

// authenticate verifies HTTP Basic credentials when present and returns the
// authenticated client id, or "" for an unauthenticated (public) caller.
func (s *TokenService) authenticate(creds ClientCredentials) (string, error) {
	if !creds.Basic {
		return "", nil
	}
	client, ok := s.clients.Get(creds.ClientID)
	if !ok || client.IsPublic() || !client.VerifySecret(creds.Secret) {
		return "", errInvalidClient("client authentication failed")
	}
	return client.ClientID, nil
}

// requireClientAuth rejects unauthenticated use of a confidential client's grant.
func (s *TokenService) requireClientAuth(clientID, authenticated string) error {
	client, ok := s.clients.Get(clientID)
	if !ok || client.IsPublic() {
		return nil
	}
	if authenticated != clientID {
		return errInvalidClient("client authentication required")
	}
	return nil
}

