package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/icssc/auth/internal/audit"
	"github.com/icssc/auth/internal/store"
)

const (
	testIssuer   = "https://auth.example.test"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

var testRSAKey = sync.OnceValue(func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
})

// fastKeys avoids generating a fresh RSA key per test while keeping kids unique.
func fastKeys() (*KeyPair, error) {
	return &KeyPair{KID: uuid.NewString(), PrivateKey: testRSAKey()}, nil
}

func testClients(t *testing.T) []Client {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	return []Client{
		{
			ClientID:              "antalmanac",
			RedirectURI:           "https://antalmanac.com/auth",
			AuthMethod:            AuthMethodNone,
			Name:                  "AntAlmanac",
			AllowedDomainPatterns: []string{"https://antalmanac.com", "https://staging-*.antalmanac.com"},
		},
		{
			ClientID:              "test",
			RedirectURI:           "http://localhost:3000/auth",
			AuthMethod:            AuthMethodNone,
			Name:                  "Test",
			AllowedDomainPatterns: []string{"http://localhost:3000"},
		},
		{
			ClientID:     "backend",
			ClientSecret: string(hash),
			RedirectURI:  "https://backend.example.com/callback",
			AuthMethod:   AuthMethodClientSecretBasic,
			Name:         "Backend",
		},
	}
}

type fakeBridge struct {
	mu sync.Mutex

	tokens      FederatedTokens
	profile     Profile
	refreshed   FederatedTokens
	exchangeErr error
	profileErr  error
	refreshErr  error

	refreshCalls int
	lastScopes   []string
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		tokens: FederatedTokens{
			AccessToken:  "g-access-1",
			RefreshToken: "g-refresh-1",
			Expiry:       time.Now().Add(time.Hour).UnixMilli(),
		},
		profile: Profile{
			ID:      "1234567890",
			Email:   "peter@uci.edu",
			Name:    "Peter Anteater",
			Picture: "https://lh3.example.com/peter.png",
		},
		refreshed: FederatedTokens{
			AccessToken: "g-access-2",
			Expiry:      time.Now().Add(2 * time.Hour).UnixMilli(),
		},
	}
}

func (b *fakeBridge) AuthCodeURL(state string, scopes []string) string {
	b.mu.Lock()
	b.lastScopes = scopes
	b.mu.Unlock()
	q := url.Values{}
	q.Set("state", state)
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	return "https://accounts.example.test/o/oauth2/auth?" + q.Encode()
}

func (b *fakeBridge) Exchange(context.Context, string) (FederatedTokens, error) {
	if b.exchangeErr != nil {
		return FederatedTokens{}, b.exchangeErr
	}
	return b.tokens, nil
}

func (b *fakeBridge) FetchProfile(context.Context, FederatedTokens) (Profile, error) {
	if b.profileErr != nil {
		return Profile{}, b.profileErr
	}
	return b.profile, nil
}

func (b *fakeBridge) Refresh(context.Context, string) (FederatedTokens, error) {
	b.mu.Lock()
	b.refreshCalls++
	b.mu.Unlock()
	if b.refreshErr != nil {
		return FederatedTokens{}, b.refreshErr
	}
	return b.refreshed, nil
}

// plainKV hides the Taker and Adder capabilities of the memory store.
type plainKV struct {
	inner store.Store
}

func (p plainKV) Get(ctx context.Context, key string) ([]byte, error) { return p.inner.Get(ctx, key) }
func (p plainKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.inner.Set(ctx, key, value, ttl)
}
func (p plainKV) Delete(ctx context.Context, key string) error { return p.inner.Delete(ctx, key) }

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Emit(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	cfg      Config
	kv       store.Store
	store    *Store
	clients  *ClientRegistry
	keys     *KeyManager
	sessions *SessionManager
	codec    *StateCodec
	bridge   *fakeBridge
	verifier *IDTokenVerifier
	engine   *AuthorizationEngine
	tokens   *TokenService
	userinfo *UserInfoResolver
	check    *SessionCheck
	audit    *recordingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithKV(t, store.NewMemory(time.Minute))
}

func newHarnessWithKV(t *testing.T, kv store.Store) *harness {
	t.Helper()

	cfg := Config{
		Issuer:          testIssuer,
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		AuthCodeTTL:     5 * time.Minute,
		SessionTTL:      24 * time.Hour,
		StateTTL:        10 * time.Minute,
		StateSecret:     []byte("test-state-secret"),
		KeyRetention:    time.Hour,
	}

	clients, err := NewClientRegistry(testClients(t))
	require.NoError(t, err)

	st := NewStore(kv)
	keys := NewKeyManager(kv, cfg.KeyRetention)
	keys.generate = fastKeys

	codec, err := NewStateCodec(cfg.Issuer, cfg.StateSecret, cfg.StateTTL)
	require.NoError(t, err)

	sink := &recordingSink{}
	bridge := newFakeBridge()
	sessions := NewSessionManager(st, cfg.SessionTTL, sink)
	verifier := NewIDTokenVerifier(cfg.Issuer, keys)

	return &harness{
		cfg:      cfg,
		kv:       kv,
		store:    st,
		clients:  clients,
		keys:     keys,
		sessions: sessions,
		codec:    codec,
		bridge:   bridge,
		verifier: verifier,
		engine:   NewAuthorizationEngine(cfg, clients, sessions, st, codec, bridge, verifier, sink),
		tokens:   NewTokenService(cfg, clients, st, keys, bridge, sink),
		userinfo: NewUserInfoResolver(st),
		check:    NewSessionCheck(clients, sessions),
		audit:    sink,
	}
}

// issueCode drives a full federated login and returns the code from the
// client redirect.
func (h *harness) issueCode(t *testing.T, clientID, redirectURI, scope string) string {
	t.Helper()
	ctx := context.Background()

	req, err := ParseAuthorizeRequest(authorizeQuery(clientID, redirectURI, scope, "xyz"))
	require.NoError(t, err)
	out, err := h.engine.Authorize(ctx, req, "")
	require.NoError(t, err)
	require.True(t, out.Federated)

	cb, err := h.engine.Callback(ctx, url.Values{
		"code":  {"google-code"},
		"state": {stateFrom(t, out.RedirectURL)},
	})
	require.NoError(t, err)

	u, err := url.Parse(cb.RedirectURL)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func authorizeQuery(clientID, redirectURI, scope, state string) url.Values {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", scope)
	q.Set("code_challenge", S256Challenge(testVerifier))
	q.Set("code_challenge_method", "S256")
	if state != "" {
		q.Set("state", state)
	}
	return q
}

func stateFrom(t *testing.T, federationURL string) string {
	t.Helper()
	u, err := url.Parse(federationURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func requireOAuthError(t *testing.T, err error, code string, status int) *Error {
	t.Helper()
	require.Error(t, err)
	oe := AsError(err)
	require.Equal(t, code, oe.Code, "unexpected error: %v", err)
	require.Equal(t, status, oe.Status)
	return oe
}
