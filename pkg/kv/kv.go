// Package kv provides a small embedded key-value store backed by BadgerDB
package kv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/pkg/logging"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("kv: key not found")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("kv: store is closed")
)

type KV struct {
	db       *badger.DB
	log      *zap.Logger
	closed   bool
	closedMu sync.RWMutex
}

// Options for KV store
type Options struct {
	Dir           string // Data directory
	SyncWrites    bool   // Sync writes to disk
	Compression   bool   // Enable compression
	MemoryMode    bool   // In-memory only (no persistence)
	ValueLogMaxMB int64  // Max value log size in MB
	Logger        *zap.Logger
}

// DefaultOptions returns default options
func DefaultOptions(dir string) Options {
	return Options{
		Dir:           dir,
		SyncWrites:    true,
		Compression:   true,
		ValueLogMaxMB: 64,
	}
}

// Open opens a KV store
func Open(opt Options) (*KV, error) {
	if !opt.MemoryMode && opt.Dir == "" {
		opt.Dir = filepath.Join(os.TempDir(), "aios-kv")
	}
	log := logging.OrNop(opt.Logger).Named("kv")

	var opts badger.Options
	if opt.MemoryMode {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(opt.Dir)
		if opt.Compression {
			opts.Compression = options.ZSTD
		}
		if opt.ValueLogMaxMB > 0 {
			opts.ValueLogFileSize = opt.ValueLogMaxMB * 1024 * 1024
		}
	}
	opts.SyncWrites = opt.SyncWrites
	opts.Logger = badgerLogger{log.Sugar()}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger failed: %w", err)
	}

	log.Info("opened", zap.String("dir", opt.Dir), zap.Bool("memory", opt.MemoryMode))
	return &KV{db: db, log: log}, nil
}

// Close closes the KV store
func (k *KV) Close() error {
	k.closedMu.Lock()
	defer k.closedMu.Unlock()

	if k.closed {
		return nil
	}

	k.closed = true
	return k.db.Close()
}

// IsClosed returns if the KV is closed
func (k *KV) IsClosed() bool {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	return k.closed
}

func (k *KV) update(fn func(txn *badger.Txn) error) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if k.closed {
		return ErrClosed
	}
	return k.db.Update(fn)
}

func (k *KV) view(fn func(txn *badger.Txn) error) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if k.closed {
		return ErrClosed
	}
	return k.db.View(fn)
}

// Put stores value under key
func (k *KV) Put(key string, value []byte) error {
	return k.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Get returns a copy of the value stored under key
func (k *KV) Get(key string) ([]byte, error) {
	var result []byte
	err := k.view(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		result, err = item.ValueCopy(nil)
		return err
	})
	return result, err
}

// Delete deletes a key. Deleting a missing key is not an error.
func (k *KV) Delete(key string) error {
	return k.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Scan calls fn for every key with prefix in key order until fn returns false
// or an error. The value slice is only valid during the call.
func (k *KV) Scan(prefix string, fn func(key string, value []byte) (bool, error)) error {
	return k.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			var cont bool
			err := item.Value(func(val []byte) error {
				var ferr error
				cont, ferr = fn(string(item.Key()), val)
				return ferr
			})
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
}

func (k *KV) keys(prefix string) ([]string, error) {
	var keys []string
	err := k.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

// Count returns count of keys matching prefix
func (k *KV) Count(prefix string) (int, error) {
	keys, err := k.keys(prefix)
	return len(keys), err
}

// DeletePrefix deletes all keys with given prefix
func (k *KV) DeletePrefix(prefix string) error {
	keys, err := k.keys(prefix)
	if err != nil {
		return err
	}
	return k.update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
		return nil
	})
}

// badgerLogger routes badger's internal logging through zap
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.s.Debugf(f, v...) }
