package oauth

import (
	"context"
	"html/template"
	"io"
	"net/http"
)

// SessionCheckMessageType tags the postMessage payload.
const SessionCheckMessageType = "icssc-session-check"

// SessionUser is the public view of a session's user.
type SessionUser struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

// PublicUser returns the fields safe to expose to relying parties.
func (s *Session) PublicUser() SessionUser {
	return SessionUser{ID: s.ID, Email: s.Email, Name: s.Name, Picture: s.Picture}
}

// SessionCheckMessage is posted to the embedding window.
type SessionCheckMessage struct {
	Type  string       `json:"type"`
	Valid bool         `json:"valid"`
	User  *SessionUser `json:"user"`
}

// SessionCheckPage is the rendered iframe document.
type SessionCheckPage struct {
	// TargetOrigin is the validated origin passed to postMessage.
	TargetOrigin string
	Message      SessionCheckMessage
}

var sessionCheckTemplate = template.Must(template.New("session-check").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Session check</title></head>
<body>
<script>
window.parent.postMessage({{.Message}}, {{.TargetOrigin}});
</script>
</body>
</html>
`))

// Render writes the page. html/template escapes both values for the script context.
func (p *SessionCheckPage) Render(w io.Writer) error {
	return sessionCheckTemplate.Execute(w, p)
}

// SessionCheck answers cross-origin "is there a session" probes.
type SessionCheck struct {
	clients  *ClientRegistry
	sessions *SessionManager
}

// NewSessionCheck creates the probe handler logic.
func NewSessionCheck(clients *ClientRegistry, sessions *SessionManager) *SessionCheck {
	return &SessionCheck{clients: clients, sessions: sessions}
}

// Check validates origin and builds the page for the caller's session.
func (c *SessionCheck) Check(ctx context.Context, origin, sessionID string) (*SessionCheckPage, error) {
	target, ok := c.clients.AllowedOrigin(origin)
	if !ok {
		return nil, &Error{Code: ErrCodeInvalidOrigin, Description: "origin is not allowed", Status: http.StatusForbidden}
	}
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	page := &SessionCheckPage{
		TargetOrigin: target,
		Message:      SessionCheckMessage{Type: SessionCheckMessageType},
	}
	if sess != nil {
		u := sess.PublicUser()
		page.Message.Valid = true
		page.Message.User = &u
	}
	return page, nil
}
