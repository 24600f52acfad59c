package storage

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerConfig holds configuration for a BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is set.
	Path string `yaml:"path"`

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the minimum garbage ratio before a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

// DefaultBadgerConfig returns durable defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// zapBadgerLogger adapts zap to badger.Logger.
type zapBadgerLogger struct {
	s *zap.SugaredLogger
}

func (l zapBadgerLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }

func (l zapBadgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }

func (l zapBadgerLogger) Infof(format string, args ...interface{}) { l.s.Infof(format, args...) }

func (l zapBadgerLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }

// BadgerStore implements Store on BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// OpenBadger opens (creating if needed) a BadgerDB store. A nil logger
// silences badger's internal logging.
func OpenBadger(cfg BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, &Error{Op: "open", Err: errors.New("path is required for a persistent database")}
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, &Error{Op: "open", Key: cfg.Path, Err: err}
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(zapBadgerLogger{s: logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
		logger = zap.NewNop()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &Error{Op: "open", Key: cfg.Path, Err: err}
	}

	s := &BadgerStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing to collect.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC failed", zap.Error(err))
			}
		}
	}
}

// Get retrieves a value by key
func (s *BadgerStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	return out, nil
}

// Put stores value under key
func (s *BadgerStore) Put(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return &Error{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *BadgerStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return &Error{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// List returns the keys with the given prefix in ascending order
func (s *BadgerStore) List(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "list", Key: prefix, Err: err}
	}
	return keys, nil
}

// Stats counts keys and value bytes
func (s *BadgerStore) Stats() (StoreStats, error) {
	var stats StoreStats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			stats.Keys++
			stats.Bytes += int(it.Item().ValueSize())
		}
		return nil
	})
	if err != nil {
		return StoreStats{}, &Error{Op: "stats", Err: err}
	}
	return stats, nil
}

// Close stops GC and closes the database
func (s *BadgerStore) Close() error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
		s.stopCh = nil
	}
	if err := s.db.Close(); err != nil {
		return &Error{Op: "close", Err: fmt.Errorf("badger: %w", err)}
	}
	return nil
}
