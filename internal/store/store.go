// Package store provides durable persistence for wardend on BadgerDB.
//
// It holds the append-only completion record and mutation attempt logs,
// the worker role table, applied delta fingerprints, escalation
// threshold offsets, and signal annotations. All of it survives process
// restarts; sealed records are never rewritten.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/wardend/internal/boundary"
	"github.com/fyrsmithlabs/wardend/internal/report"
	"github.com/fyrsmithlabs/wardend/internal/worker"
)

// Key prefixes. Records and attempts are append-only namespaces.
const (
	prefixRecord     = "record/"
	prefixAttempt    = "attempt/"
	prefixRole       = "role/"
	prefixDelta      = "delta/"
	prefixOffset     = "offset/"
	prefixAnnotation = "annotation/"
)

// Errors for store operations.
var (
	// ErrNotFound means the requested key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrImmutable means a write would overwrite a sealed record.
	ErrImmutable = errors.New("completion records are immutable")
)

// Config holds store configuration.
type Config struct {
	// Path is the directory for the database files. Ignored in-memory.
	Path string

	// InMemory disables disk persistence. For tests.
	InMemory bool

	// SyncWrites flushes every write to disk before acknowledging.
	SyncWrites bool

	// GCInterval is how often value-log garbage collection runs.
	// Zero disables the GC loop.
	GCInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is a badger-backed durable store.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
	stopGC chan struct{}
}

// Open opens or creates the store.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("store path is required for persistent mode")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		stopGC: make(chan struct{}),
	}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// Close stops background work and closes the database.
func (s *Store) Close() error {
	close(s.stopGC)
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// One value-log file per tick keeps GC pauses short.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log gc failed", zap.Error(err))
			}
		}
	}
}

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) getJSON(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// PutRecord persists a sealed completion record. Writing a record for a
// task that already has one fails: sealed records never change.
func (s *Store) PutRecord(rec *report.CompletionRecord) error {
	key := []byte(prefixRecord + rec.TaskID)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("%w: task %s", ErrImmutable, rec.TaskID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// GetRecord loads a sealed completion record.
func (s *Store) GetRecord(taskID string) (*report.CompletionRecord, error) {
	var rec report.CompletionRecord
	if err := s.getJSON(prefixRecord+taskID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AppendAttempt persists a mutation attempt. Attempts are keyed by
// task and attempt ID so the log only grows.
func (s *Store) AppendAttempt(a boundary.Attempt) error {
	return s.putJSON(prefixAttempt+a.TaskID+"/"+a.ID, a)
}

// ListAttempts returns all persisted attempts for a task.
func (s *Store) ListAttempts(taskID string) ([]boundary.Attempt, error) {
	var attempts []boundary.Attempt
	err := s.scan(prefixAttempt+taskID+"/", func(val []byte) error {
		var a boundary.Attempt
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		attempts = append(attempts, a)
		return nil
	})
	return attempts, err
}

// SaveRole persists a worker role. Implements worker.Persister.
func (s *Store) SaveRole(role *worker.Role) error {
	return s.putJSON(prefixRole+role.Name, role)
}

// ListRoles returns all persisted roles.
func (s *Store) ListRoles() ([]*worker.Role, error) {
	var roles []*worker.Role
	err := s.scan(prefixRole, func(val []byte) error {
		var r worker.Role
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		roles = append(roles, &r)
		return nil
	})
	return roles, err
}

// SaveAppliedFingerprint records a delta fingerprint as applied.
// Implements worker.Persister.
func (s *Store) SaveAppliedFingerprint(fp string) error {
	return s.putJSON(prefixDelta+fp, time.Now().UTC())
}

// ListAppliedFingerprints returns every applied delta fingerprint.
func (s *Store) ListAppliedFingerprints() ([]string, error) {
	var fps []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixDelta)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			fps = append(fps, strings.TrimPrefix(string(it.Item().Key()), prefixDelta))
		}
		return nil
	})
	return fps, err
}

// SaveOffset persists a domain's escalation threshold offset.
func (s *Store) SaveOffset(domain string, offset int) error {
	return s.putJSON(prefixOffset+domain, offset)
}

// ListOffsets returns all persisted threshold offsets.
func (s *Store) ListOffsets() (map[string]int, error) {
	offsets := make(map[string]int)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixOffset)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			domain := strings.TrimPrefix(string(item.Key()), prefixOffset)
			err := item.Value(func(val []byte) error {
				var offset int
				if err := json.Unmarshal(val, &offset); err != nil {
					return err
				}
				offsets[domain] = offset
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return offsets, err
}

// SaveAnnotation persists a low-severity signal annotation.
func (s *Store) SaveAnnotation(delta worker.Delta) error {
	return s.putJSON(prefixAnnotation+delta.ID, delta)
}

// ListAnnotations returns all persisted annotations.
func (s *Store) ListAnnotations() ([]worker.Delta, error) {
	var deltas []worker.Delta
	err := s.scan(prefixAnnotation, func(val []byte) error {
		var d worker.Delta
		if err := json.Unmarshal(val, &d); err != nil {
			return err
		}
		deltas = append(deltas, d)
		return nil
	})
	return deltas, err
}

func (s *Store) scan(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}
