package oauth

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Config holds authorization server settings.
type Config struct {
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	SessionTTL      time.Duration
	StateTTL        time.Duration
	// StateSecret keys the HMAC over the federation state parameter.
	StateSecret []byte
	// KeyRetention is how long a rotated-out public key stays in the JWKS.
	KeyRetention time.Duration

	Cookie CookieConfig
	Google GoogleConfig
}

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name     string
	Domain   string
	SameSite http.SameSite
	Secure   bool
}

// GoogleConfig holds the federated IdP client registration.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// LoadConfigFromEnv loads config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	issuer := strings.TrimSpace(os.Getenv("OAUTH_ISSUER"))
	if issuer == "" {
		return Config{}, fmt.Errorf("OAUTH_ISSUER is required")
	}
	issuer = strings.TrimRight(issuer, "/")

	accessTTL := parseDurationEnv("OAUTH_ACCESS_TOKEN_TTL", time.Hour)
	cfg := Config{
		Issuer:          issuer,
		AccessTokenTTL:  accessTTL,
		RefreshTokenTTL: parseDurationEnv("OAUTH_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthCodeTTL:     parseDurationEnv("OAUTH_AUTH_CODE_TTL", 5*time.Minute),
		SessionTTL:      parseDurationEnv("OAUTH_SESSION_TTL", 24*time.Hour),
		StateTTL:        parseDurationEnv("OAUTH_STATE_TTL", 10*time.Minute),
		KeyRetention:    parseDurationEnv("OAUTH_KEY_RETENTION", accessTTL),
		Cookie: CookieConfig{
			Name:     envOr("SESSION_COOKIE_NAME", "sid"),
			Domain:   strings.TrimSpace(os.Getenv("SESSION_COOKIE_DOMAIN")),
			SameSite: ParseSameSite(os.Getenv("SESSION_COOKIE_SAMESITE")),
			Secure:   !strings.EqualFold(strings.TrimSpace(os.Getenv("SESSION_COOKIE_SECURE")), "false"),
		},
		Google: GoogleConfig{
			ClientID:     strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_SECRET")),
			RedirectURI:  envOr("GOOGLE_REDIRECT_URI", issuer+"/callback/google"),
		},
	}

	if secret := os.Getenv("OAUTH_STATE_SECRET"); secret != "" {
		cfg.StateSecret = []byte(secret)
	}

	if cfg.Cookie.SameSite == http.SameSiteNoneMode && !cfg.Cookie.Secure {
		return Config{}, fmt.Errorf("SESSION_COOKIE_SAMESITE=none requires a secure cookie")
	}
	return cfg, nil
}

// ParseSameSite maps lax|strict|none to http.SameSite. Anything else is Lax.
func ParseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
