// Package auth holds the bearer token shared by all transport operations.
//
// The token lives in memory for the life of the process. If no token is held
// when one is first needed, a one-time recovery attempt reads it from the
// local snapshot store. The only mutation paths are an explicit Set (login)
// and the transport's refresh path; both persist back to the same snapshot so
// a later process start can resume without re-authenticating.
package auth

import "sync"

// Token is a bearer credential pair.
type Token struct {
	Access  string
	Refresh string
}

// Snapshot is the persistence boundary the token is recovered from and
// written back to. Implemented by *store.Store.
type Snapshot interface {
	Get(key string) (string, bool)
	Set(key string, value any) error
}

const (
	accessKey  = "auth.access_token"
	refreshKey = "auth.refresh_token"
)

// Source owns the in-memory token and its snapshot recovery.
// Safe for concurrent use.
type Source struct {
	mu        sync.Mutex
	token     *Token
	snap      Snapshot
	recovered bool
}

// NewSource creates a token source backed by the given snapshot.
// A nil snapshot disables recovery and persistence.
func NewSource(snap Snapshot) *Source {
	return &Source{snap: snap}
}

// Token returns the current token, attempting snapshot recovery exactly once
// if none is held in memory. Returns nil when no token is available.
func (s *Source) Token() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil && !s.recovered {
		s.recovered = true
		s.recoverLocked()
	}
	return s.token
}

// recoverLocked reads the persisted snapshot. Caller must hold s.mu.
func (s *Source) recoverLocked() {
	if s.snap == nil {
		return
	}
	access, ok := s.snap.Get(accessKey)
	if !ok || access == "" {
		return
	}
	refresh, _ := s.snap.Get(refreshKey)
	s.token = &Token{Access: access, Refresh: refresh}
}

// Set replaces the token and persists it to the snapshot.
// Snapshot write failures are ignored: the in-memory token is authoritative
// during a live session and persistence is best effort.
func (s *Source) Set(t *Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = t
	s.recovered = true
	if s.snap == nil || t == nil {
		return
	}
	_ = s.snap.Set(accessKey, t.Access)
	_ = s.snap.Set(refreshKey, t.Refresh)
}

// Clear drops the in-memory token without touching the snapshot.
func (s *Source) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
}
