package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/icssc/auth/internal/store"
)

const (
	sessionPrefix = "session:"
	codePrefix    = "code:"
	accessPrefix  = "access:"
	refreshPrefix = "refresh:"
)

// record is implemented by every stored entity; Validate runs on read.
type record interface {
	Validate() error
}

// Store provides typed access to TTL-bound records in a key-value backend.
// Opaque credential values are hashed before being used as keys.
type Store struct {
	kv store.Store
}

// NewStore wraps a key-value backend.
func NewStore(kv store.Store) *Store {
	return &Store{kv: kv}
}

// KV exposes the underlying backend.
func (s *Store) KV() store.Store {
	return s.kv
}

// Ping checks the backend when it supports health checks.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.kv.(store.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// IsAbsent reports whether err means the record does not exist or cannot be trusted.
func IsAbsent(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrMalformedRecord)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// SaveSession stores a session.
func (s *Store) SaveSession(ctx context.Context, id string, sess *Session, ttl time.Duration) error {
	return s.put(ctx, sessionPrefix+HashToken(id), sess, ttl)
}

// GetSession loads a session.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := s.get(ctx, sessionPrefix+HashToken(id), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, sessionPrefix+HashToken(id))
}

// SaveAuthCode stores an authorization code.
func (s *Store) SaveAuthCode(ctx context.Context, code string, rec *AuthCode, ttl time.Duration) error {
	return s.put(ctx, codePrefix+HashToken(code), rec, ttl)
}

// GetAuthCode loads an authorization code without consuming it.
func (s *Store) GetAuthCode(ctx context.Context, code string) (*AuthCode, error) {
	var rec AuthCode
	if err := s.get(ctx, codePrefix+HashToken(code), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ConsumeAuthCode atomically reads and deletes a code when the backend can.
// consumed reports whether the code is already gone from the store.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (rec *AuthCode, consumed bool, err error) {
	taker, ok := s.kv.(store.Taker)
	if !ok {
		rec, err = s.GetAuthCode(ctx, code)
		return rec, false, err
	}
	raw, err := taker.Take(ctx, codePrefix+HashToken(code))
	if err != nil {
		return nil, false, err
	}
	var out AuthCode
	if err := decodeRecord(raw, &out); err != nil {
		return nil, true, err
	}
	return &out, true, nil
}

// DeleteAuthCode removes a code.
func (s *Store) DeleteAuthCode(ctx context.Context, code string) error {
	return s.kv.Delete(ctx, codePrefix+HashToken(code))
}

// SaveAccessToken stores an access token record.
func (s *Store) SaveAccessToken(ctx context.Context, token string, rec *AccessTokenRecord, ttl time.Duration) error {
	return s.put(ctx, accessPrefix+HashToken(token), rec, ttl)
}

// GetAccessToken loads an access token record.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*AccessTokenRecord, error) {
	var rec AccessTokenRecord
	if err := s.get(ctx, accessPrefix+HashToken(token), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveRefreshToken stores a refresh token record.
func (s *Store) SaveRefreshToken(ctx context.Context, token string, rec *RefreshTokenRecord, ttl time.Duration) error {
	return s.put(ctx, refreshPrefix+HashToken(token), rec, ttl)
}

// GetRefreshToken loads a refresh token record.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*RefreshTokenRecord, error) {
	var rec RefreshTokenRecord
	if err := s.get(ctx, refreshPrefix+HashToken(token), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) put(ctx context.Context, key string, v record, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, payload, ttl)
}

func (s *Store) get(ctx context.Context, key string, v record) error {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	return decodeRecord(raw, v)
}

func decodeRecord(raw []byte, v record) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return nil
}
