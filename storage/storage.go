// Package storage provides read access to the raw artifacts of a recorded
// dataset (images, point clouds) addressed by slash-separated keys relative to
// the dataset root.
//
// Implementations must be safe for concurrent use: the datasets package calls
// ReadFile from any number of loader workers at once.
package storage

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a key does not exist.
//
// Implementations return an error that satisfies `errors.Is(err, ErrNotFound)`.
var ErrNotFound = os.ErrNotExist

// Store reads immutable artifacts by key.
type Store interface {
	// ReadFile returns the full contents stored under key.
	ReadFile(key string) ([]byte, error)
}

// LocalStore implements Store on the local file system.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: filepath.Clean(root)}
}

// Root returns the directory keys are resolved against.
func (s *LocalStore) Root() string {
	return s.root
}

// ReadFile implements Store.
func (s *LocalStore) ReadFile(key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %q", key)
	}
	return data, nil
}

// resolve maps key to a path under root, refusing keys that escape it.
func (s *LocalStore) resolve(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}
	rel := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("key %q escapes store root %q", key, s.root)
	}
	return filepath.Join(s.root, rel), nil
}

// MemoryStore is an in-memory Store, mostly useful for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (s *MemoryStore) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = append([]byte(nil), data...)
}

// ReadFile implements Store.
func (s *MemoryStore) ReadFile(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "read %q", key)
	}
	return append([]byte(nil), data...), nil
}
