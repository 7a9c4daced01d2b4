// Package cache provides the idempotency cache the pipeline uses to
// short-circuit re-processing of already-stored attachment checksums.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is a small key presence store. Every hop of the intake flow commits
// independently, so replays consult the cache to stay idempotent.
type Cache interface {
	// Connect establishes a connection to the cache backend.
	Connect() error

	// Close closes the connection.
	Close() error

	// IsConnected returns true if the cache is usable.
	IsConnected() bool

	// Get retrieves a value.
	Get(ctx context.Context, key string) (string, error)

	// SetNX stores a value only if the key does not exist, returning
	// whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Exists checks whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error
}

// Config represents the configuration for a cache backend.
type Config struct {
	Type     string // "redis" or "memory"
	Addr     string // host:port for redis
	Password string
	Database int
}

// New creates a cache from configuration.
func New(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
