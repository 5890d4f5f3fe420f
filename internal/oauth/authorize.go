package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/icssc/auth/internal/audit"
	"github.com/icssc/auth/internal/logger"
)

// AuthorizeRequest is a validated /authorize query.
type AuthorizeRequest struct {
	ClientID      string
	RedirectURI   string
	Scope         string
	State         string
	CodeChallenge string
}

// ParseAuthorizeRequest checks the query against the only supported shape:
// response_type=code with an S256 PKCE challenge.
func ParseAuthorizeRequest(q url.Values) (*AuthorizeRequest, error) {
	if q.Get("response_type") != "code" {
		return nil, errInvalidRequest("response_type must be code")
	}
	req := &AuthorizeRequest{
		ClientID:      strings.TrimSpace(q.Get("client_id")),
		RedirectURI:   strings.TrimSpace(q.Get("redirect_uri")),
		Scope:         strings.Join(strings.Fields(q.Get("scope")), " "),
		State:         q.Get("state"),
		CodeChallenge: strings.TrimSpace(q.Get("code_challenge")),
	}
	if req.ClientID == "" {
		return nil, errInvalidRequest("client_id is required")
	}
	if u, err := url.Parse(req.RedirectURI); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errInvalidRequest("redirect_uri must be an absolute URL")
	}
	if req.Scope == "" {
		return nil, errInvalidRequest("scope is required")
	}
	if req.CodeChallenge == "" {
		return nil, errInvalidRequest("code_challenge is required")
	}
	if q.Get("code_challenge_method") != "S256" {
		return nil, errInvalidRequest("code_challenge_method must be S256")
	}
	return req, nil
}

// AuthorizeOutcome is where to send the browser next.
type AuthorizeOutcome struct {
	RedirectURL string
	// Federated is true when RedirectURL points at the federated IdP.
	Federated bool
}

// CallbackOutcome is the result of a federated login.
type CallbackOutcome struct {
	RedirectURL string
	// SessionID is set whenever a session was created, even if code issuance
	// then failed.
	SessionID string
}

// AuthorizationEngine drives /authorize, /callback and /logout.
type AuthorizationEngine struct {
	cfg      Config
	clients  *ClientRegistry
	sessions *SessionManager
	store    *Store
	state    *StateCodec
	bridge   FederationBridge
	verifier *IDTokenVerifier
	audit    audit.Sink
}

// NewAuthorizationEngine wires the engine's collaborators.
func NewAuthorizationEngine(
	cfg Config,
	clients *ClientRegistry,
	sessions *SessionManager,
	st *Store,
	state *StateCodec,
	bridge FederationBridge,
	verifier *IDTokenVerifier,
	sink audit.Sink,
) *AuthorizationEngine {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &AuthorizationEngine{
		cfg:      cfg,
		clients:  clients,
		sessions: sessions,
		store:    st,
		state:    state,
		bridge:   bridge,
		verifier: verifier,
		audit:    sink,
	}
}

// Authorize issues a code for an existing session whose consent covers the
// requested scope; otherwise it sends the browser to the federated IdP.
func (e *AuthorizationEngine) Authorize(ctx context.Context, req *AuthorizeRequest, sessionID string) (*AuthorizeOutcome, error) {
	if _, ok := e.clients.Validate(req.ClientID, req.RedirectURI); !ok {
		return nil, badRequest(ErrCodeUnauthorizedClient, "unknown client_id or redirect_uri not allowed")
	}

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	param := StateParameter{
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		State:         req.State,
		CodeChallenge: req.CodeChallenge,
		Scope:         req.Scope,
	}

	if sess == nil || !SameScope(sess.Scope, req.Scope) {
		state, err := e.state.Encode(param)
		if err != nil {
			return nil, err
		}
		return &AuthorizeOutcome{
			RedirectURL: e.bridge.AuthCodeURL(state, strings.Fields(req.Scope)),
			Federated:   true,
		}, nil
	}

	redirect, err := e.issueCode(ctx, sess.User, sess.FederatedTokens, param)
	if err != nil {
		return nil, err
	}
	return &AuthorizeOutcome{RedirectURL: redirect}, nil
}

// Callback completes a federated login: it exchanges the IdP code, creates a
// session and issues our own code for the request carried in state.
func (e *AuthorizationEngine) Callback(ctx context.Context, q url.Values) (*CallbackOutcome, error) {
	log := logger.From(ctx).With(logger.Op("callback"))

	if upstream := q.Get("error"); upstream != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = upstream
		}
		return nil, badRequest(ErrCodeGoogleOAuthError, desc)
	}

	code, rawState := q.Get("code"), q.Get("state")
	if code == "" || rawState == "" {
		return nil, errInvalidRequest("code and state are required")
	}

	param, err := e.state.Decode(rawState)
	if err != nil {
		return nil, err
	}
	if _, ok := e.clients.Validate(param.ClientID, param.RedirectURI); !ok {
		return nil, badRequest(ErrCodeUnauthorizedClient, "redirect_uri is no longer allowed for client")
	}

	tokens, err := e.bridge.Exchange(ctx, code)
	if err != nil {
		if ue, ok := asUpstream(err); ok {
			log.Warn("google rejected code exchange", logger.Code(ue.Code))
			return nil, badRequest(ErrCodeGoogleOAuthError, ue.Description)
		}
		log.Error("google token exchange failed", logger.Err(err))
		return nil, &Error{Code: ErrCodeGoogleTokenExchangeFailed, Status: http.StatusInternalServerError}
	}

	profile, err := e.bridge.FetchProfile(ctx, tokens)
	if err != nil || profile.ID == "" {
		if err == nil {
			err = fmt.Errorf("profile has no subject")
		}
		log.Error("google userinfo failed", logger.Err(err))
		return nil, &Error{Code: ErrCodeGoogleUserinfoFailed, Status: http.StatusInternalServerError}
	}

	user := profile.User()
	sid, err := e.sessions.Create(ctx, user, param.Scope, tokens)
	if err != nil {
		return nil, err
	}

	redirect, err := e.issueCode(ctx, user, tokens, param)
	if err != nil {
		return &CallbackOutcome{SessionID: sid}, err
	}
	return &CallbackOutcome{RedirectURL: redirect, SessionID: sid}, nil
}

func (e *AuthorizationEngine) issueCode(ctx context.Context, user User, fed FederatedTokens, p StateParameter) (string, error) {
	code, err := newOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	rec := &AuthCode{
		User:            user,
		FederatedTokens: fed,
		ClientID:        p.ClientID,
		RedirectURI:     p.RedirectURI,
		CodeChallenge:   p.CodeChallenge,
		Scope:           p.Scope,
		CreatedAt:       time.Now().UnixMilli(),
	}
	if err := e.store.SaveAuthCode(ctx, code, rec, e.cfg.AuthCodeTTL); err != nil {
		return "", fmt.Errorf("save code: %w", err)
	}
	e.audit.Emit(ctx, audit.New(audit.CodeIssued, p.ClientID, user.ID))
	return buildRedirect(p.RedirectURI, code, p.State), nil
}

// LogoutRequest ends a session and optionally redirects.
type LogoutRequest struct {
	SessionID   string
	RedirectTo  string
	IDTokenHint string
}

// Logout validates the redirect before touching the session. When an
// id_token_hint is given, the redirect must be valid for the hint's audience.
func (e *AuthorizationEngine) Logout(ctx context.Context, req LogoutRequest) (string, error) {
	if req.RedirectTo != "" {
		if err := e.checkLogoutRedirect(ctx, req); err != nil {
			return "", err
		}
	}
	if err := e.sessions.Delete(ctx, req.SessionID); err != nil {
		return "", err
	}
	return req.RedirectTo, nil
}

func (e *AuthorizationEngine) checkLogoutRedirect(ctx context.Context, req LogoutRequest) error {
	if req.IDTokenHint == "" {
		if !e.clients.IsAllowedRedirect(req.RedirectTo) {
			return badRequest(ErrCodeInvalidRedirect, "redirect_to is not allowed")
		}
		return nil
	}
	if e.verifier == nil {
		return errInvalidRequest("id_token_hint is not supported")
	}
	claims, err := e.verifier.Verify(ctx, req.IDTokenHint, true)
	if err != nil {
		logger.From(ctx).Info("rejecting id_token_hint", logger.Err(err))
		return errInvalidRequest("id_token_hint is invalid")
	}
	for _, aud := range claims.Audience {
		if _, ok := e.clients.Validate(aud, req.RedirectTo); ok {
			return nil
		}
	}
	return badRequest(ErrCodeInvalidRedirect, "redirect_to is not allowed for this client")
}

func buildRedirect(base, code, state string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
