package oauth

import (
	"net/http"
	"time"

	"github.com/icssc/auth/internal/oauth"
)

func sessionCookie(cfg oauth.CookieConfig, value string, ttl time.Duration) *http.Cookie {
	ck := &http.Cookie{
		Name:     cfg.Name,
		Value:    value,
		Path:     "/",
		Domain:   cfg.Domain,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: cfg.SameSite,
	}
	if ttl > 0 {
		ck.Expires = time.Now().Add(ttl).UTC()
		ck.MaxAge = int(ttl.Seconds())
	}
	return ck
}

func deletionCookie(cfg oauth.CookieConfig) *http.Cookie {
	return &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: cfg.SameSite,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
	}
}

// sessionID reads the session cookie. A missing cookie is an empty id.
func (s *Server) sessionID(r *http.Request) string {
	ck, err := r.Cookie(s.cfg.Cookie.Name)
	if err != nil {
		return ""
	}
	return ck.Value
}
