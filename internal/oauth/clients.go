package oauth

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ClientRegistry holds the registered clients. It is built once at startup
// and read-only afterwards.
type ClientRegistry struct {
	order   []string
	clients map[string]*registeredClient
}

type registeredClient struct {
	client   Client
	redirect redirectTarget
	patterns []domainPattern
}

// redirectTarget is a parsed, normalised absolute URL.
type redirectTarget struct {
	scheme string
	host   string
	port   string
	path   string
}

// domainPattern matches hostnames label by label; only the host is wildcarded.
type domainPattern struct {
	scheme string
	host   *regexp.Regexp
	port   string
}

// NewClientRegistry validates clients and compiles their redirect rules.
func NewClientRegistry(clients []Client) (*ClientRegistry, error) {
	reg := &ClientRegistry{clients: make(map[string]*registeredClient, len(clients))}
	for _, c := range clients {
		if c.ClientID == "" {
			return nil, fmt.Errorf("client with empty client_id")
		}
		if _, dup := reg.clients[c.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q", c.ClientID)
		}
		if c.AuthMethod == "" {
			c.AuthMethod = AuthMethodNone
		}
		switch c.AuthMethod {
		case AuthMethodNone:
		case AuthMethodClientSecretBasic:
			if c.ClientSecret == "" {
				return nil, fmt.Errorf("client %q uses client_secret_basic without a secret", c.ClientID)
			}
		default:
			return nil, fmt.Errorf("client %q has unsupported auth method %q", c.ClientID, c.AuthMethod)
		}

		target, ok := parseRedirectTarget(c.RedirectURI)
		if !ok {
			return nil, fmt.Errorf("client %q has invalid redirect_uri %q", c.ClientID, c.RedirectURI)
		}
		rc := &registeredClient{client: c, redirect: target}
		for _, raw := range c.AllowedDomainPatterns {
			p, err := compileDomainPattern(raw)
			if err != nil {
				return nil, fmt.Errorf("client %q: %w", c.ClientID, err)
			}
			rc.patterns = append(rc.patterns, p)
		}
		reg.clients[c.ClientID] = rc
		reg.order = append(reg.order, c.ClientID)
	}
	return reg, nil
}

// Get returns the client registered under clientID.
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	rc, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	c := rc.client
	return &c, true
}

// Clients returns every client in registration order.
func (r *ClientRegistry) Clients() []Client {
	out := make([]Client, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clients[id].client)
	}
	return out
}

// Validate returns the client if redirectURI is acceptable for clientID.
func (r *ClientRegistry) Validate(clientID, redirectURI string) (*Client, bool) {
	rc, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	target, ok := parseRedirectTarget(redirectURI)
	if !ok || !rc.matches(target) {
		return nil, false
	}
	c := rc.client
	return &c, true
}

// IsAllowedRedirect reports whether raw is acceptable for any client.
func (r *ClientRegistry) IsAllowedRedirect(raw string) bool {
	target, ok := parseRedirectTarget(raw)
	if !ok {
		return false
	}
	for _, id := range r.order {
		if r.clients[id].matches(target) {
			return true
		}
	}
	return false
}

// AllowedOrigin validates raw like IsAllowedRedirect and returns its
// scheme://host[:port] form.
func (r *ClientRegistry) AllowedOrigin(raw string) (string, bool) {
	if !r.IsAllowedRedirect(raw) {
		return "", false
	}
	target, _ := parseRedirectTarget(raw)
	return target.origin(), true
}

func (rc *registeredClient) matches(t redirectTarget) bool {
	if rc.redirect.matchExact(t) {
		return true
	}
	for _, p := range rc.patterns {
		if p.match(t) {
			return true
		}
	}
	return false
}

// VerifySecret checks secret against the client's bcrypt hash or plain secret.
func (c *Client) VerifySecret(secret string) bool {
	if c.ClientSecret == "" || secret == "" {
		return false
	}
	if isBcryptHash(c.ClientSecret) {
		return bcrypt.CompareHashAndPassword([]byte(c.ClientSecret), []byte(secret)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(c.ClientSecret), []byte(secret)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func parseRedirectTarget(raw string) (redirectTarget, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return redirectTarget{}, false
	}
	scheme := strings.ToLower(u.Scheme)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return redirectTarget{
		scheme: scheme,
		host:   strings.ToLower(u.Hostname()),
		port:   normalizePort(scheme, u.Port()),
		path:   path,
	}, true
}

// matchExact requires identical scheme, host and port; the presented path
// must start with the registered path.
func (r redirectTarget) matchExact(t redirectTarget) bool {
	return r.scheme == t.scheme &&
		r.host == t.host &&
		r.port == t.port &&
		strings.HasPrefix(t.path, r.path)
}

// origin returns scheme://host[:port].
func (r redirectTarget) origin() string {
	if r.port == "" {
		return r.scheme + "://" + r.host
	}
	return r.scheme + "://" + r.host + ":" + r.port
}

func compileDomainPattern(raw string) (domainPattern, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return domainPattern{}, fmt.Errorf("invalid domain pattern %q", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	labels := strings.Split(strings.ToLower(u.Hostname()), ".")
	parts := make([]string, len(labels))
	for i, label := range labels {
		if label == "" {
			return domainPattern{}, fmt.Errorf("invalid domain pattern %q", raw)
		}
		parts[i] = labelExpr(label)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
	if err != nil {
		return domainPattern{}, fmt.Errorf("invalid domain pattern %q: %w", raw, err)
	}
	return domainPattern{
		scheme: scheme,
		host:   re,
		port:   normalizePort(scheme, u.Port()),
	}, nil
}

// labelExpr turns one hostname label into a regexp fragment. Each "*" matches
// one or more characters within the label, never a dot.
func labelExpr(label string) string {
	if label == "*" {
		return `[^.]+`
	}
	pieces := strings.Split(label, "*")
	for i, p := range pieces {
		pieces[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(pieces, `[^.]+`)
}

func (p domainPattern) match(t redirectTarget) bool {
	return p.scheme == t.scheme && p.port == t.port && p.host.MatchString(t.host)
}

func normalizePort(scheme, port string) string {
	switch {
	case scheme == "http" && port == "80":
		return ""
	case scheme == "https" && port == "443":
		return ""
	}
	return port
}
