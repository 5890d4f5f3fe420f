package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/icssc/auth/internal/audit"
	"github.com/icssc/auth/internal/logger"
)

// SessionManager creates, reads and revokes browser sessions.
type SessionManager struct {
	store *Store
	ttl   time.Duration
	audit audit.Sink
}

// NewSessionManager creates a session manager with the given TTL.
func NewSessionManager(st *Store, ttl time.Duration, sink audit.Sink) *SessionManager {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &SessionManager{store: st, ttl: ttl, audit: sink}
}

// TTL is the session lifetime, also used as the cookie Max-Age.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Create persists a new session and returns its opaque id.
func (m *SessionManager) Create(ctx context.Context, user User, scope string, fed FederatedTokens) (string, error) {
	id, err := newSessionID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	sess := &Session{
		User:            user,
		FederatedTokens: fed,
		Scope:           scope,
		CreatedAt:       time.Now().Unix(),
	}
	if err := m.store.SaveSession(ctx, id, sess, m.ttl); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	m.audit.Emit(ctx, audit.New(audit.SessionCreated, "", user.ID))
	return id, nil
}

// Get returns the session for id. A missing, expired or malformed session
// yields (nil, nil).
func (m *SessionManager) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	sess, err := m.store.GetSession(ctx, id)
	if IsAbsent(err) {
		if err != nil && !isNotFound(err) {
			logger.From(ctx).Warn("discarding malformed session", logger.Err(err))
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// Delete revokes a session. Deleting an unknown id is not an error.
func (m *SessionManager) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	sess, _ := m.Get(ctx, id)
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if sess != nil {
		m.audit.Emit(ctx, audit.New(audit.SessionEnded, "", sess.ID))
	}
	return nil
}
