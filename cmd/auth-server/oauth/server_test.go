package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/icssc/auth/internal/metrics"
	"github.com/icssc/auth/internal/oauth"
	"github.com/icssc/auth/internal/store"
)

const (
	issuer       = "https://auth.example.test"
	codeVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	clientRedir  = "https://antalmanac.com/auth"
)

type stubBridge struct{}

func (stubBridge) AuthCodeURL(state string, _ []string) string {
	return "https://accounts.example.test/o/oauth2/auth?state=" + url.QueryEscape(state)
}

func (stubBridge) Exchange(context.Context, string) (oauth.FederatedTokens, error) {
	return oauth.FederatedTokens{
		AccessToken:  "g-access",
		RefreshToken: "g-refresh",
		Expiry:       time.Now().Add(time.Hour).UnixMilli(),
	}, nil
}

func (stubBridge) FetchProfile(context.Context, oauth.FederatedTokens) (oauth.Profile, error) {
	return oauth.Profile{ID: "42", Email: "peter@uci.edu", Name: "Peter Anteater"}, nil
}

func (stubBridge) Refresh(context.Context, string) (oauth.FederatedTokens, error) {
	return oauth.FederatedTokens{AccessToken: "g-access-2", Expiry: time.Now().Add(time.Hour).UnixMilli()}, nil
}

type testServer struct {
	handler http.Handler
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	clients, err := oauth.NewClientRegistry([]oauth.Client{
		{
			ClientID:              "antalmanac",
			RedirectURI:           clientRedir,
			AuthMethod:            oauth.AuthMethodNone,
			Name:                  "AntAlmanac",
			AllowedDomainPatterns: []string{"https://antalmanac.com", "https://staging-*.antalmanac.com"},
		},
		{
			ClientID:     "backend",
			ClientSecret: string(hash),
			RedirectURI:  "https://backend.example.com/callback",
			AuthMethod:   oauth.AuthMethodClientSecretBasic,
			Name:         "Backend",
		},
	})
	require.NoError(t, err)

	cfg := oauth.Config{
		Issuer:          issuer,
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		AuthCodeTTL:     5 * time.Minute,
		SessionTTL:      time.Hour,
		StateTTL:        10 * time.Minute,
		StateSecret:     []byte("state-secret-for-tests"),
		KeyRetention:    time.Hour,
		Cookie: oauth.CookieConfig{
			Name:     "sid",
			SameSite: http.SameSiteLaxMode,
			Secure:   true,
		},
	}

	kv := store.NewMemory(time.Minute)
	keys := oauth.NewKeyManager(kv, cfg.KeyRetention)
	_, err = keys.EnsureKeyPair(context.Background())
	require.NoError(t, err)

	m, err := metrics.New(nil)
	require.NoError(t, err)

	srv, err := NewServer(cfg, clients, keys, oauth.NewStore(kv), stubBridge{}, m, m)
	require.NoError(t, err)
	return &testServer{handler: srv.Routes(), metrics: m}
}

func (ts *testServer) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func authorizeURL() string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", "antalmanac")
	q.Set("redirect_uri", clientRedir)
	q.Set("scope", "openid profile email")
	q.Set("state", "xyz")
	q.Set("code_challenge", oauth.S256Challenge(codeVerifier))
	q.Set("code_challenge_method", "S256")
	return "/authorize?" + q.Encode()
}

// login runs /authorize and /callback and returns the session cookie and the
// client's authorization code.
func (ts *testServer) login(t *testing.T) (*http.Cookie, string) {
	t.Helper()
	rec := ts.do(httptest.NewRequest(http.MethodGet, authorizeURL(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	idp, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "accounts.example.test", idp.Host)

	cb := url.Values{"code": {"4/google"}, "state": {idp.Query().Get("state")}}
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/callback/google?"+cb.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	sid := findCookie(rec, "sid")
	require.NotNil(t, sid)
	assert.True(t, sid.HttpOnly)
	assert.True(t, sid.Secure)
	assert.Equal(t, http.SameSiteLaxMode, sid.SameSite)
	assert.Equal(t, 3600, sid.MaxAge)

	back, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "antalmanac.com", back.Host)
	assert.Equal(t, "xyz", back.Query().Get("state"))
	code := back.Query().Get("code")
	require.NotEmpty(t, code)
	return sid, code
}

func tokenRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestServer_FullFlow(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	sid, code := ts.login(t)

	rec := ts.do(tokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"antalmanac"},
		"code":          {code},
		"redirect_uri":  {clientRedir},
		"code_verifier": {codeVerifier},
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))
	tokens := decodeJSON(t, rec)
	assert.Equal(t, "Bearer", tokens["token_type"])
	assert.Equal(t, "g-access", tokens["google_access_token"])
	assert.NotEmpty(t, tokens["id_token"])
	assert.NotEmpty(t, tokens["refresh_token"])
	access, _ := tokens["access_token"].(string)
	require.NotEmpty(t, access)

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claims := decodeJSON(t, rec)
	assert.Equal(t, "google_42", claims["sub"])
	assert.Equal(t, "peter@uci.edu", claims["email"])
	assert.Equal(t, "Peter Anteater", claims["name"])

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/session", nil), sid)
	require.Equal(t, http.StatusOK, rec.Code)
	session := decodeJSON(t, rec)
	assert.Equal(t, true, session["valid"])
	assert.Equal(t, "google_42", session["user"].(map[string]any)["id"])

	// The same code cannot be exchanged twice.
	rec = ts.do(tokenRequest(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"antalmanac"},
		"code":          {code},
		"redirect_uri":  {clientRedir},
		"code_verifier": {codeVerifier},
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth.ErrCodeInvalidAuthorizationCode, decodeJSON(t, rec)["error"])

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/logout", nil), sid)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := findCookie(rec, "sid")
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Equal(t, -1, cleared.MaxAge)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/session", nil), sid)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, decodeJSON(t, rec)["valid"])

	body := scrapeMetrics(t, ts)
	assert.Contains(t, body, `oauth_outcomes_total{endpoint="token",result="ok"} 1`)
	assert.Contains(t, body, `oauth_outcomes_total{endpoint="token",result="invalid_authorization_code"} 1`)
	assert.Contains(t, body, `oauth_audit_events_total{type="session.created"} 1`)
	assert.Contains(t, body, `route="/callback/google"`)
}

func TestServer_AuthorizeReusesSession(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	sid, _ := ts.login(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, authorizeURL(), nil), sid)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "antalmanac.com", loc.Host)
	assert.NotEmpty(t, loc.Query().Get("code"))
}

func TestServer_AuthorizeErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/authorize?response_type=token", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth.ErrCodeInvalidRequest, decodeJSON(t, rec)["error"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	bad := strings.Replace(authorizeURL(), "antalmanac.com%2Fauth", "evil.example%2Fauth", 1)
	rec = ts.do(httptest.NewRequest(http.MethodGet, bad, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth.ErrCodeUnauthorizedClient, decodeJSON(t, rec)["error"])

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/callback/google?code=x&state=forged", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth.ErrCodeInvalidState, decodeJSON(t, rec)["error"])
	assert.Nil(t, findCookie(rec, "sid"))

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/authorize", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_TokenClientAuthentication(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	req := tokenRequest(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"nope"}})
	req.SetBasicAuth("backend", "wrong")
	rec := ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, oauth.ErrCodeInvalidClient, decodeJSON(t, rec)["error"])
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = ts.do(tokenRequest(url.Values{"grant_type": {"password"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth.ErrCodeUnsupportedGrantType, decodeJSON(t, rec)["error"])

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/token", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_UserInfoChallenge(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/userinfo", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer error="invalid_token"`, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, oauth.ErrCodeInvalidToken, decodeJSON(t, rec)["error"])
}

func TestServer_SessionCheck(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	sid, _ := ts.login(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/session/check?origin="+url.QueryEscape("https://staging-42.antalmanac.com/page"), nil), sid)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "frame-ancestors https://staging-42.antalmanac.com", rec.Header().Get("Content-Security-Policy"))
	assert.Contains(t, rec.Body.String(), "postMessage")
	assert.Contains(t, rec.Body.String(), "google_42")

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/session/check?origin="+url.QueryEscape("https://evil.example"), nil), sid)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, oauth.ErrCodeInvalidOrigin, decodeJSON(t, rec)["error"])
}

func TestServer_SessionCORS(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/session", nil)
	req.Header.Set("Origin", "https://antalmanac.com")
	rec := ts.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://antalmanac.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/session", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/token", nil)
	req.Header.Set("Origin", "https://antalmanac.com")
	rec = ts.do(req)
	assert.Equal(t, "https://antalmanac.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestServer_Logout(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	sid, _ := ts.login(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/logout?redirect_to="+url.QueryEscape("https://evil.example/"), nil), sid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth.ErrCodeInvalidRedirect, decodeJSON(t, rec)["error"])
	assert.Nil(t, findCookie(rec, "sid"))

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/session", nil), sid)
	assert.Equal(t, http.StatusOK, rec.Code, "refused logout must keep the session")

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/logout?post_logout_redirect_uri="+url.QueryEscape("https://antalmanac.com/bye"), nil), sid)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://antalmanac.com/bye", rec.Header().Get("Location"))
	require.NotNil(t, findCookie(rec, "sid"))

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/session", nil), sid)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_DiscoveryAndJWKS(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	doc := decodeJSON(t, rec)
	assert.Equal(t, issuer, doc["issuer"])
	assert.Equal(t, issuer+"/jwks.json", doc["jwks_uri"])

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/jwks.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var set jose.JSONWebKeySet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	assert.True(t, set.Keys[0].IsPublic())
	assert.Equal(t, "RS256", set.Keys[0].Algorithm)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func scrapeMetrics(t *testing.T, ts *testServer) string {
	t.Helper()
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
