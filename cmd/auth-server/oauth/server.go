package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/icssc/auth/internal/audit"
	"github.com/icssc/auth/internal/logger"
	"github.com/icssc/auth/internal/metrics"
	"github.com/icssc/auth/internal/oauth"
)

// Server provides the OAuth 2.0 / OIDC endpoints.
type Server struct {
	cfg       oauth.Config
	clients   *oauth.ClientRegistry
	keys      *oauth.KeyManager
	store     *oauth.Store
	sessions  *oauth.SessionManager
	engine    *oauth.AuthorizationEngine
	tokens    *oauth.TokenService
	userinfo  *oauth.UserInfoResolver
	check     *oauth.SessionCheck
	discovery oauth.DiscoveryDocument
	metrics   *metrics.Metrics
}

// NewServer wires the engines behind the HTTP handlers. m may be nil.
func NewServer(
	cfg oauth.Config,
	clients *oauth.ClientRegistry,
	keys *oauth.KeyManager,
	st *oauth.Store,
	bridge oauth.FederationBridge,
	sink audit.Sink,
	m *metrics.Metrics,
) (*Server, error) {
	codec, err := oauth.NewStateCodec(cfg.Issuer, cfg.StateSecret, cfg.StateTTL)
	if err != nil {
		return nil, fmt.Errorf("state codec: %w", err)
	}
	sessions := oauth.NewSessionManager(st, cfg.SessionTTL, sink)
	verifier := oauth.NewIDTokenVerifier(cfg.Issuer, keys)

	return &Server{
		cfg:       cfg,
		clients:   clients,
		keys:      keys,
		store:     st,
		sessions:  sessions,
		engine:    oauth.NewAuthorizationEngine(cfg, clients, sessions, st, codec, bridge, verifier, sink),
		tokens:    oauth.NewTokenService(cfg, clients, st, keys, bridge, sink),
		userinfo:  oauth.NewUserInfoResolver(st),
		check:     oauth.NewSessionCheck(clients, sessions),
		discovery: oauth.NewDiscoveryDocument(cfg.Issuer),
		metrics:   m,
	}, nil
}

// HandleAuthorize starts or continues the authorization code flow.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := oauth.ParseAuthorizeRequest(r.URL.Query())
	if err != nil {
		s.writeError(w, r, "authorize", err)
		return
	}

	out, err := s.engine.Authorize(r.Context(), req, s.sessionID(r))
	if err != nil {
		s.writeError(w, r, "authorize", err)
		return
	}
	if out.Federated {
		s.metrics.Outcome("authorize", "federated")
	} else {
		s.metrics.Outcome("authorize", "")
	}
	http.Redirect(w, r, out.RedirectURL, http.StatusFound)
}

// HandleCallback is the redirect target registered with Google.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out, err := s.engine.Callback(r.Context(), r.URL.Query())
	if out != nil && out.SessionID != "" {
		http.SetCookie(w, sessionCookie(s.cfg.Cookie, out.SessionID, s.sessions.TTL()))
	}
	if err != nil {
		s.writeError(w, r, "callback", err)
		return
	}
	s.metrics.Outcome("callback", "")
	http.Redirect(w, r, out.RedirectURL, http.StatusFound)
}

// HandleToken exchanges authorization codes and refresh tokens.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	noStore(w)

	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, "token", &oauth.Error{Code: oauth.ErrCodeInvalidRequest, Description: "malformed form body", Status: http.StatusBadRequest})
		return
	}

	req, err := oauth.ParseTokenRequest(r.PostForm, basicCredentials(r))
	if err != nil {
		s.writeError(w, r, "token", err)
		return
	}

	resp, err := s.tokens.Exchange(r.Context(), req)
	if err != nil {
		s.writeError(w, r, "token", err)
		return
	}
	s.metrics.Outcome("token", "")
	writeJSON(w, http.StatusOK, resp)
}

// HandleUserInfo returns claims for a bearer access token.
func (s *Server) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	noStore(w)

	claims, err := s.userinfo.Resolve(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		s.writeError(w, r, "userinfo", err)
		return
	}
	s.metrics.Outcome("userinfo", "")
	writeJSON(w, http.StatusOK, claims)
}

type sessionResponse struct {
	Valid bool               `json:"valid"`
	User  *oauth.SessionUser `json:"user,omitempty"`
}

// HandleSession reports whether the caller's cookie names a live session.
func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	noStore(w)

	sess, err := s.sessions.Get(r.Context(), s.sessionID(r))
	if err != nil {
		s.writeError(w, r, "session", err)
		return
	}
	if sess == nil {
		s.metrics.Outcome("session", "no_session")
		writeJSON(w, http.StatusUnauthorized, sessionResponse{Valid: false})
		return
	}
	u := sess.PublicUser()
	s.metrics.Outcome("session", "")
	writeJSON(w, http.StatusOK, sessionResponse{Valid: true, User: &u})
}

// HandleSessionCheck serves the iframe page that posts session state to origin.
func (s *Server) HandleSessionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page, err := s.check.Check(r.Context(), r.URL.Query().Get("origin"), s.sessionID(r))
	if err != nil {
		s.writeError(w, r, "session_check", err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Security-Policy", "frame-ancestors "+page.TargetOrigin)
	w.WriteHeader(http.StatusOK)
	if err := page.Render(w); err != nil {
		logger.From(r.Context()).Error("render session check", logger.Err(err))
		return
	}
	s.metrics.Outcome("session_check", "")
}

// HandleLogout ends the session and either redirects or answers with JSON.
func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, "logout", &oauth.Error{Code: oauth.ErrCodeInvalidRequest, Description: "malformed form body", Status: http.StatusBadRequest})
		return
	}

	redirectTo := r.Form.Get("redirect_to")
	if redirectTo == "" {
		redirectTo = r.Form.Get("post_logout_redirect_uri")
	}

	redirect, err := s.engine.Logout(r.Context(), oauth.LogoutRequest{
		SessionID:   s.sessionID(r),
		RedirectTo:  redirectTo,
		IDTokenHint: r.Form.Get("id_token_hint"),
	})
	if err != nil {
		s.writeError(w, r, "logout", err)
		return
	}

	http.SetCookie(w, deletionCookie(s.cfg.Cookie))
	s.metrics.Outcome("logout", "")
	if redirect != "" {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleWellKnown serves the OpenID Provider metadata.
func (s *Server) HandleWellKnown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, s.discovery)
}

// HandleJWKS publishes the current and recently rotated public keys.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	noStore(w)

	set, err := s.keys.JWKS(r.Context())
	if err != nil {
		s.writeError(w, r, "jwks", fmt.Errorf("load jwks: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// HandleHealthz checks the credential store.
func (s *Server) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logger.From(r.Context()).Warn("health check failed", logger.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError renders err as {error, error_description}. Anything that is not
// a protocol error is logged and reported as server_error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	oe := oauth.AsError(err)
	log := logger.From(r.Context()).With(logger.Op(endpoint), logger.Code(oe.Code))
	if oe.Status >= http.StatusInternalServerError {
		log.Error("request failed", logger.Err(err))
	} else {
		log.Info("request rejected", logger.Err(err))
	}
	s.metrics.Outcome(endpoint, oe.Code)

	if oe.Challenge != "" {
		w.Header().Set("WWW-Authenticate", oe.Challenge)
	}
	writeJSON(w, oe.Status, oe.Response())
}

// basicCredentials returns HTTP Basic client credentials, form-decoded as
// RFC 6749 section 2.3.1 requires.
func basicCredentials(r *http.Request) *oauth.ClientCredentials {
	id, secret, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	if v, err := url.QueryUnescape(id); err == nil {
		id = v
	}
	if v, err := url.QueryUnescape(secret); err == nil {
		secret = v
	}
	return &oauth.ClientCredentials{ClientID: id, Secret: secret}
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
