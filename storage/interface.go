package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Store is the key-value backend holding run records.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) (int, error)
	// Keys returns up to limit keys starting with prefix, in key order.
	// A limit of zero or less means no limit.
	Keys(ctx context.Context, prefix string, limit int) ([]string, error)
	Close() error
}

// Backends accepted by Open.
const (
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Open creates the store named by backend. dataDir is ignored for memory.
func Open(backend, dataDir string, log zerolog.Logger) (Store, error) {
	switch backend {
	case BackendBadger, "":
		return NewBadgerStore(dataDir, log)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown storage backend %q", backend)
	}
}
