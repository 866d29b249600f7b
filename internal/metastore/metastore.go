// Package metastore persists ShareBox's per-file sync bookkeeping — content
// hash, size, mtime, and upload/download timestamps — as a single JSON
// document alongside the cache directory.
package metastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const fileName = ".sharebox_metadata.json"

// Record tracks what the sync engine last knew about a virtual path.
type Record struct {
	ContentHash  string `json:"content_hash"`
	Size         int64  `json:"size"`
	Mtime        int64  `json:"mtime"`
	UploadedAt   int64  `json:"uploaded_at,omitempty"`
	DownloadedAt int64  `json:"downloaded_at,omitempty"`
}

// Store is the in-memory map of VirtualPath -> Record, backed by a single
// JSON file at <cache_root>/.sharebox_metadata.json. There is no incremental
// durability: Load happens once at sync-engine start, Save once at stop. The
// testable contract is only that after a clean stop the file reflects every
// successful upload and download.
type Store struct {
	mu      sync.RWMutex
	dir     string
	path    string
	records map[string]Record
	logger  zerolog.Logger
}

// New creates a Store rooted at cacheRoot. Load must be called before use.
func New(cacheRoot string, logger zerolog.Logger) *Store {
	return &Store{
		dir:     cacheRoot,
		path:    filepath.Join(cacheRoot, fileName),
		records: make(map[string]Record),
		logger:  logger.With().Str("component", "metastore").Logger(),
	}
}

// Load reads the metadata file if present. A missing file is not an error —
// it means a fresh cache directory with no prior sync history.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validatePath(s.path); err != nil {
		return err
	}

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records map[string]Record
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return fmt.Errorf("decode metadata file: %w", err)
	}
	s.records = records
	return nil
}

// Save writes the current records to disk atomically: write to a temp file
// in the same directory, then rename over the real path.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.save()
}

// save assumes the caller already holds a lock (read or write).
func (s *Store) save() error {
	if err := s.validatePath(s.path); err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("create cache root: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := s.validatePath(tmpPath); err != nil {
		return err
	}

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.records); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp metadata file: %w", err)
	}

	return os.Rename(tmpPath, s.path)
}

// Get returns the record for vpath, if any.
func (s *Store) Get(vpath string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[vpath]
	return rec, ok
}

// Set records vpath's metadata, overwriting any prior record.
func (s *Store) Set(vpath string, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[vpath] = rec
}

// Delete drops vpath's record, if present.
func (s *Store) Delete(vpath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, vpath)
}

// ContentHashMatches reports whether vpath has a recorded hash equal to hash
// — the dedup short-circuit the upload algorithm checks before re-uploading.
func (s *Store) ContentHashMatches(vpath, hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[vpath]
	return ok && rec.ContentHash == hash
}

// All returns a snapshot copy of every known record, keyed by virtual path.
func (s *Store) All() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Count returns the number of tracked records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) validatePath(p string) error {
	if !strings.HasPrefix(filepath.Clean(p), filepath.Clean(s.dir)) {
		return fmt.Errorf("invalid metadata file path: %s", p)
	}
	return nil
}

// Now is the wall-clock second timestamp the sync engine stamps uploaded_at
// and downloaded_at with.
func Now() int64 {
	return time.Now().Unix()
}
