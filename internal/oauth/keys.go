package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/icssc/auth/internal/logger"
	"github.com/icssc/auth/internal/store"
)

const (
	currentKeySlot  = "keys:current"
	previousKeySlot = "keys:previous"

	// SigningAlgorithm is the only JWS algorithm this server issues.
	SigningAlgorithm = "RS256"
	rsaKeyBits       = 2048
)

// KeyPair is the authoritative RS256 signing key.
type KeyPair struct {
	KID        string
	PrivateKey *rsa.PrivateKey
}

// PublicJWK returns the public half as a JWK with alg and use set.
func (k *KeyPair) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &k.PrivateKey.PublicKey,
		KeyID:     k.KID,
		Algorithm: SigningAlgorithm,
		Use:       "sig",
	}
}

// storedKeyPair is the serialised form kept under the current slot.
type storedKeyPair struct {
	KID        string          `json:"kid"`
	PublicJWK  jose.JSONWebKey `json:"publicJwk"`
	PrivateJWK jose.JSONWebKey `json:"privateJwk"`
}

type storedPublicKey struct {
	KID       string          `json:"kid"`
	PublicJWK jose.JSONWebKey `json:"publicJwk"`
}

// KeyManager owns the signing key pair in the credential store. Nothing is
// cached in process; every call reads the store.
type KeyManager struct {
	kv        store.Store
	retention time.Duration
	generate  func() (*KeyPair, error)
}

// NewKeyManager creates a key manager. retention bounds how long a rotated-out
// public key is still published.
func NewKeyManager(kv store.Store, retention time.Duration) *KeyManager {
	return &KeyManager{kv: kv, retention: retention, generate: generateKeyPair}
}

// EnsureKeyPair returns the current key pair, creating one if none exists or
// the stored one is malformed. With an Adder backend, concurrent first calls
// converge on a single kid.
func (k *KeyManager) EnsureKeyPair(ctx context.Context) (*KeyPair, error) {
	kp, err := k.Current(ctx)
	if err == nil {
		return kp, nil
	}
	if !IsAbsent(err) {
		return nil, err
	}
	missing := errors.Is(err, store.ErrNotFound)
	if !missing {
		logger.From(ctx).Warn("stored signing key is malformed, regenerating", logger.Err(err))
	}

	fresh, err := k.generate()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	payload, err := encodeKeyPair(fresh)
	if err != nil {
		return nil, err
	}

	if adder, ok := k.kv.(store.Adder); ok && missing {
		added, err := adder.Add(ctx, currentKeySlot, payload, 0)
		if err != nil {
			return nil, fmt.Errorf("store signing key: %w", err)
		}
		if !added {
			return k.Current(ctx)
		}
	} else if err := k.kv.Set(ctx, currentKeySlot, payload, 0); err != nil {
		return nil, fmt.Errorf("store signing key: %w", err)
	}

	logger.From(ctx).Info("generated signing key", logger.KeyID(fresh.KID))
	return fresh, nil
}

// Current loads the current key pair without generating one.
func (k *KeyManager) Current(ctx context.Context) (*KeyPair, error) {
	raw, err := k.kv.Get(ctx, currentKeySlot)
	if err != nil {
		return nil, err
	}
	return decodeKeyPair(raw)
}

// Rotate replaces the current key pair. The old public key stays published
// under the previous slot for the retention period.
func (k *KeyManager) Rotate(ctx context.Context) (*KeyPair, error) {
	old, err := k.Current(ctx)
	if err != nil && !IsAbsent(err) {
		return nil, err
	}

	fresh, err := k.generate()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	payload, err := encodeKeyPair(fresh)
	if err != nil {
		return nil, err
	}

	if old != nil && k.retention > 0 {
		prev, err := json.Marshal(storedPublicKey{KID: old.KID, PublicJWK: old.PublicJWK()})
		if err != nil {
			return nil, fmt.Errorf("encode previous key: %w", err)
		}
		if err := k.kv.Set(ctx, previousKeySlot, prev, k.retention); err != nil {
			return nil, fmt.Errorf("store previous key: %w", err)
		}
	}
	if err := k.kv.Set(ctx, currentKeySlot, payload, 0); err != nil {
		return nil, fmt.Errorf("store signing key: %w", err)
	}

	log := logger.From(ctx).With(logger.Op("rotate"), logger.KeyID(fresh.KID))
	if old != nil {
		log = log.With(zap.String("previous_kid", old.KID))
	}
	log.Info("rotated signing key")
	return fresh, nil
}

// PublicKeys returns the public keys that currently verify tokens, current first.
func (k *KeyManager) PublicKeys(ctx context.Context) ([]jose.JSONWebKey, error) {
	current, err := k.EnsureKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	keys := []jose.JSONWebKey{current.PublicJWK()}

	raw, err := k.kv.Get(ctx, previousKeySlot)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		var prev storedPublicKey
		if err := json.Unmarshal(raw, &prev); err != nil || !prev.PublicJWK.Valid() || prev.KID == current.KID {
			logger.From(ctx).Warn("ignoring malformed previous signing key")
			break
		}
		prev.PublicJWK.Algorithm = SigningAlgorithm
		prev.PublicJWK.Use = "sig"
		keys = append(keys, prev.PublicJWK)
	}
	return keys, nil
}

// JWKS returns the published key set.
func (k *KeyManager) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	keys, err := k.PublicKeys(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return jose.JSONWebKeySet{Keys: keys}, nil
}

func generateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, err
	}
	return &KeyPair{KID: uuid.NewString(), PrivateKey: priv}, nil
}

func encodeKeyPair(kp *KeyPair) ([]byte, error) {
	rec := storedKeyPair{
		KID:       kp.KID,
		PublicJWK: kp.PublicJWK(),
		PrivateJWK: jose.JSONWebKey{
			Key:       kp.PrivateKey,
			KeyID:     kp.KID,
			Algorithm: SigningAlgorithm,
			Use:       "sig",
		},
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode signing key: %w", err)
	}
	return payload, nil
}

func decodeKeyPair(raw []byte) (*KeyPair, error) {
	var rec storedKeyPair
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: signing key: %v", ErrMalformedRecord, err)
	}
	if rec.KID == "" || rec.PublicJWK.KeyID != rec.KID || rec.PrivateJWK.KeyID != rec.KID {
		return nil, fmt.Errorf("%w: signing key kid mismatch", ErrMalformedRecord)
	}
	priv, ok := rec.PrivateJWK.Key.(*rsa.PrivateKey)
	if !ok || !rec.PrivateJWK.Valid() {
		return nil, fmt.Errorf("%w: signing key is not an RSA private key", ErrMalformedRecord)
	}
	pub, ok := rec.PublicJWK.Key.(*rsa.PublicKey)
	if !ok || !pub.Equal(&priv.PublicKey) {
		return nil, fmt.Errorf("%w: signing key public half does not match", ErrMalformedRecord)
	}
	return &KeyPair{KID: rec.KID, PrivateKey: priv}, nil
}
