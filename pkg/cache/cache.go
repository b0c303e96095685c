// Package cache stores pipeline results in badger, keyed by a hash of the
// query and its context.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"
)

var keyPrefix = []byte("results/")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("cache closed")

// Key returns the hex SHA-256 of the canonical JSON encoding of query
// and qc. qc must encode deterministically (structs, or maps which are
// encoded with sorted keys).
func Key(query string, qc any) (string, error) {
	canonical, err := json.Marshal(struct {
		Query   string `json:"query"`
		Context any    `json:"context"`
	}{query, qc})
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Store is a TTL-bounded result cache.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
	closed atomic.Bool

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithTTL expires entries after d. Zero keeps them until deleted.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		s.ttl = d
	}
}

// WithLogger sets the logger for the store and badger itself.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens a cache in dir, creating it if needed.
// An empty dir keeps the cache in memory.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "result_cache")

	var bopts badger.Options
	if dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		bopts = badger.DefaultOptions(dir)
	}
	bopts.Logger = &badgerLogger{logger: s.logger}
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	s.db = db
	return s, nil
}

func entryKey(key string) []byte {
	return append(append([]byte{}, keyPrefix...), key...)
}

// Get returns the value stored under key. A miss returns ok == false.
func (s *Store) Get(ctx context.Context, key string) (val []byte, ok bool, err error) {
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		s.misses.Add(1)
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	s.hits.Add(1)
	return val, true, nil
}

// Put stores val under key with the store's TTL.
func (s *Store) Put(ctx context.Context, key string, val []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(entryKey(key), val)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(key))
	})
}

// Purge removes every cached result.
func (s *Store) Purge(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.DropPrefix(keyPrefix)
}

// Stats reports hit and miss counts since Open.
func (s *Store) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

// Close closes the database. Later calls return ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return s.db.Close()
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// GetJSON decodes the value under key into a T.
func GetJSON[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	var v T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode cached value: %w", err)
	}
	return v, true, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON[T any](ctx context.Context, s *Store, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cached value: %w", err)
	}
	return s.Put(ctx, key, raw)
}

// badgerLogger routes badger's printf logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Warningf(msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Infof(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Debugf(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}
