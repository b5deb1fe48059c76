package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Storage document identity. Bumping the version invalidates nothing by
// itself; readers tolerate older documents with the same shape.
const (
	storageVersion = 1
	storageKey     = "alarmo_zha_lock_sync.storage"
)

// Store is the durable backing for the slot ledger. Load returns nil when
// no mapping has been saved yet.
type Store interface {
	Load() (map[string]int, error)
	Save(entries map[string]int) error
}

// document is the on-disk envelope, shaped like a Home Assistant storage file
type document struct {
	Version int            `json:"version"`
	Key     string         `json:"key"`
	Data    map[string]int `json:"data"`
}

// FileStore persists the ledger as a single versioned JSON document
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the mapping from disk. A missing file is not an error and
// returns a nil mapping.
func (s *FileStore) Load() (map[string]int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse ledger file: %w", err)
	}

	return doc.Data, nil
}

// Save rewrites the whole mapping. The write goes to a temp file in the
// same directory and is renamed into place so a crash never leaves a
// half-written document.
func (s *FileStore) Save(entries map[string]int) error {
	doc := document{
		Version: storageVersion,
		Key:     storageKey,
		Data:    entries,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".lock_slots-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close ledger file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}

	return nil
}

// MemoryStore is an in-memory Store for tests. Safe for concurrent use;
// the ledger's writer goroutine saves while tests inspect.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]int
	saves   int
	failErr error
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the last saved mapping, or nil if nothing was saved
func (s *MemoryStore) Load() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries == nil {
		return nil, nil
	}
	copied := make(map[string]int, len(s.entries))
	for name, slot := range s.entries {
		copied[name] = slot
	}
	return copied, nil
}

// Save records the mapping, returning any injected failure
func (s *MemoryStore) Save(entries map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saves++
	if s.failErr != nil {
		return s.failErr
	}
	copied := make(map[string]int, len(entries))
	for name, slot := range entries {
		copied[name] = slot
	}
	s.entries = copied
	return nil
}

// Seed preloads the store with a mapping as if it had been saved
func (s *MemoryStore) Seed(entries map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]int, len(entries))
	for name, slot := range entries {
		copied[name] = slot
	}
	s.entries = copied
}

// FailWith makes every subsequent Save return err
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Saves returns how many times Save was called
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
