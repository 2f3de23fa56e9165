// Package store persists the client's small set of local pointers: the auth
// token snapshot, the last-used session id per agent, and the whitelisted
// chat configuration fields. Everything else (messages, attachments) is
// transient and must never be written here.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Store is a file-backed JSON snapshot keyed by dotted paths.
// Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	doc  []byte
}

// Open loads the snapshot at path, creating an empty one if missing.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: []byte("{}")}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read snapshot %q: %w", path, err)
	}
	if gjson.ValidBytes(data) {
		s.doc = data
	}
	return s, nil
}

// Get returns the string value at key, and whether it exists.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := gjson.GetBytes(s.doc, key)
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}

// GetFloat returns the numeric value at key, and whether it exists.
func (s *Store) GetFloat(key string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := gjson.GetBytes(s.doc, key)
	if !res.Exists() {
		return 0, false
	}
	return res.Float(), true
}

// Set writes a value at key and flushes the snapshot to disk.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := sjson.SetBytes(s.doc, key, value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	s.doc = doc
	return s.flushLocked()
}

// Delete removes the value at key and flushes the snapshot to disk.
// Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := sjson.DeleteBytes(s.doc, key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	s.doc = doc
	return s.flushLocked()
}

// flushLocked writes the snapshot atomically (temp file + rename).
// Caller must hold s.mu.
func (s *Store) flushLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(s.doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// DefaultPath returns the default snapshot location under the user home.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".aviary", "state.json")
	}
	return filepath.Join(home, ".aviary", "state.json")
}
