// Package store persists resolved records in BadgerDB, keyed by
// structural key.
//
// Every Put runs in its own transaction, so a crash leaves each key either
// at its previous survivor or at the new one. There are no cross-key
// transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/tamirms/cidmap"
	cmerrors "github.com/tamirms/cidmap/errors"
)

// Config holds configuration for a BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCDiscardRatio is the minimum ratio of discardable data before value
	// log GC rewrites a file.
	GCDiscardRatio float64
}

// DefaultConfig returns durable defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:       true,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is a key-value store of ResolvedRecords.
// Safe for concurrent use.
type BadgerStore struct {
	db       *badger.DB
	gcRatio  float64
	closed   atomic.Bool
	inMemory bool
}

// Open opens a store with the given configuration.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	ratio := cfg.GCDiscardRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	return &BadgerStore{db: db, gcRatio: ratio, inMemory: cfg.InMemory}, nil
}

// OpenInMemory opens an in-memory store.
func OpenInMemory() (*BadgerStore, error) {
	return Open(InMemoryConfig())
}

// Put writes r in its own transaction, replacing any previous survivor.
func (s *BadgerStore) Put(ctx context.Context, r ResolvedRecord) error {
	if s.closed.Load() {
		return cmerrors.ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(r.Key), encodeValue(r))
	})
}

// Get returns the survivor for key.
func (s *BadgerStore) Get(ctx context.Context, key cidmap.StructuralKey) (ResolvedRecord, bool, error) {
	if s.closed.Load() {
		return ResolvedRecord{}, false, cmerrors.ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return ResolvedRecord{}, false, err
	}

	var rec ResolvedRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var derr error
			rec, derr = decodeValue(key, val)
			return derr
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ResolvedRecord{}, false, nil
	}
	if err != nil {
		return ResolvedRecord{}, false, err
	}
	return rec, true, nil
}

// Len counts stored records.
func (s *BadgerStore) Len(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, cmerrors.ErrStoreClosed
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// CollectGarbage runs value log GC until nothing is left to rewrite.
func (s *BadgerStore) CollectGarbage() error {
	if s.closed.Load() {
		return cmerrors.ErrStoreClosed
	}
	if s.inMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(s.gcRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close closes the database. Idempotent.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
