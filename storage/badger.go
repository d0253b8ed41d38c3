package storage

import (
	"context"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// BadgerStore implements Store using BadgerDB
type BadgerStore struct {
	db   *badger.DB
	stop chan struct{}
	log  zerolog.Logger
}

// NewBadgerStore opens or creates a BadgerDB store in dataDir
func NewBadgerStore(dataDir string, log zerolog.Logger) (*BadgerStore, error) {
	log = log.With().Str("component", "storage").Logger()
	opts := badger.DefaultOptions(dataDir).
		WithLogger(badgerLogger{log}).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger db")
	}

	s := &BadgerStore{db: db, stop: make(chan struct{}), log: log}
	go s.runGC()
	return s, nil
}

// runGC runs the value log garbage collector periodically
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.7); err != nil && err != badger.ErrNoRewrite {
				s.log.Warn().Err(err).Msg("value log gc")
			}
		}
	}
}

// Set stores a key-value pair with optional TTL
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Get retrieves a value by key
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		found = true
		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})

	return value, found, err
}

// Delete removes one or more keys and reports how many existed
func (s *BadgerStore) Delete(ctx context.Context, keys ...string) (int, error) {
	deleted := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if _, err := txn.Get([]byte(key)); err == badger.ErrKeyNotFound {
				continue
			} else if err != nil {
				return err
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Keys returns keys with the given prefix
func (s *BadgerStore) Keys(ctx context.Context, prefix string, limit int) ([]string, error) {
	var keys []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key())
			if !strings.HasPrefix(key, prefix) {
				break
			}
			keys = append(keys, key)
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})

	return keys, err
}

// Close stops background work and closes the database
func (s *BadgerStore) Close() error {
	close(s.stop)
	return s.db.Close()
}

// badgerLogger routes badger's logging through zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Error().Msgf(strings.TrimSpace(f), v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warn().Msgf(strings.TrimSpace(f), v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Info().Msgf(strings.TrimSpace(f), v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.log.Debug().Msgf(strings.TrimSpace(f), v...) }
