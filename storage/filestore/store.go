// Package filestore provides the durable record store used by the sync
// engine: one JSON document per logical record, written atomically so that
// concurrent readers never observe a torn write.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	syncErrors "github.com/medtranslate/edge-sync/errors"
	"github.com/medtranslate/edge-sync/logging"
)

// Operation constants for consistent error reporting
const (
	opPut    = "filestore.Put"
	opGet    = "filestore.Get"
	opDelete = "filestore.Delete"
	opList   = "filestore.List"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// Config holds configuration options for the Store.
type Config struct {
	// Dir is the directory holding record files. Created if missing.
	Dir string

	// Backups is the number of rotating backups kept for records written
	// with PutWithBackup. Defaults to 5.
	Backups int

	// Logger is optional; logging is disabled when nil.
	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.Backups == 0 {
		c.Backups = 5
	}
}

// Store persists JSON records as individual files under a directory.
type Store struct {
	dir     string
	backups int
	logger  *logging.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a Store rooted at config.Dir.
func New(config Config) (*Store, error) {
	config.setDefaults()
	if config.Dir == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpStore, fmt.Errorf("filestore: dir is required"))
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	return &Store{dir: config.Dir, backups: config.Backups, logger: config.Logger}, nil
}

// Dir returns the directory backing this store.
func (s *Store) Dir() string { return s.dir }

// Put writes a record atomically (temp file + rename). The previous content
// is fully replaced.
func (s *Store) Put(ctx context.Context, key string, v interface{}) error {
	return s.put(ctx, key, v, false)
}

// PutWithBackup writes a record and keeps a rotating set of timestamped
// backups of the previous content, pruned to the configured count.
func (s *Store) PutWithBackup(ctx context.Context, key string, v interface{}) error {
	return s.put(ctx, key, v, true)
}

func (s *Store) put(ctx context.Context, key string, v interface{}, backup bool) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpStore, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	if backup {
		if err := s.rotateBackup(key, path); err != nil && s.logger != nil {
			s.logger.Warn("backup rotation failed", "key", key, "error", err)
		}
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	return nil
}

// Get reads a record into v. Returns ErrNotFound (wrapped) when absent.
func (s *Store) Get(ctx context.Context, key string, v interface{}) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %q: %w", opGet, key, ErrNotFound)
		}
		return syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	return nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	return nil
}

// List returns the keys of all records whose key starts with prefix,
// sorted ascending.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		if strings.Contains(name, ".bak-") {
			continue
		}
		key := unescapeKey(strings.TrimSuffix(name, ".json"))
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed. Pending writers finish; new calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return syncErrors.NewStorageError(syncErrors.OpStore, ErrStoreClosed)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, escapeKey(key)+".json")
}

func (s *Store) rotateBackup(key, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil // nothing to back up
	}

	stamp := time.Now().UTC().Format("20060102T150405.000")
	bak := filepath.Join(s.dir, escapeKey(key)+".bak-"+strings.ReplaceAll(stamp, ".", "")+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(bak, data, 0o644); err != nil {
		return err
	}

	// Prune to the newest N backups.
	pattern := filepath.Join(s.dir, escapeKey(key)+".bak-*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for len(matches) > s.backups {
		if err := os.Remove(matches[0]); err != nil {
			return err
		}
		matches = matches[1:]
	}
	return nil
}

// escapeKey maps record keys onto safe file names. Keys are expected to be
// short identifiers; path separators are flattened rather than rejected.
func escapeKey(key string) string {
	key = strings.ReplaceAll(key, string(filepath.Separator), "__")
	return strings.ReplaceAll(key, "/", "__")
}

func unescapeKey(name string) string {
	return strings.ReplaceAll(name, "__", "/")
}
