// Package store provides the key-value backends that hold every TTL-bound
// credential: sessions, authorization codes, tokens and the signing key pair.
//
// Backends offer per-key get/set/delete with TTL. Optional capabilities are
// exposed as separate interfaces so callers can upgrade their guarantees when
// the backend supports them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the minimal key-value contract. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Taker is implemented by stores that can read and delete a key atomically.
type Taker interface {
	Take(ctx context.Context, key string) ([]byte, error)
}

// Adder is implemented by stores that can write a key only if it is absent.
// It reports whether the write happened.
type Adder interface {
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Pinger is implemented by stores with a remote dependency worth health checking.
type Pinger interface {
	Ping(ctx context.Context) error
}
