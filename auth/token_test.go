package auth_test

import (
	"testing"

	"github.com/aviaryhq/aviary-go/auth"
)

// fakeSnapshot is an in-memory Snapshot for tests.
type fakeSnapshot struct {
	values map[string]string
	sets   int
}

func newFakeSnapshot() *fakeSnapshot {
	return &fakeSnapshot{values: make(map[string]string)}
}

func (f *fakeSnapshot) Get(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

func (f *fakeSnapshot) Set(key string, value any) error {
	f.sets++
	f.values[key] = value.(string)
	return nil
}

func TestSourceRecoversFromSnapshot(t *testing.T) {
	snap := newFakeSnapshot()
	snap.values["auth.access_token"] = "persisted-access"
	snap.values["auth.refresh_token"] = "persisted-refresh"

	src := auth.NewSource(snap)

	tok := src.Token()
	if tok == nil {
		t.Fatal("expected recovered token")
	}
	if tok.Access != "persisted-access" || tok.Refresh != "persisted-refresh" {
		t.Errorf("recovered token = %+v", tok)
	}
}

func TestSourceRecoveryHappensOnce(t *testing.T) {
	snap := newFakeSnapshot()
	src := auth.NewSource(snap)

	if tok := src.Token(); tok != nil {
		t.Fatalf("expected nil token, got %+v", tok)
	}

	// A token appearing in the snapshot later must not be picked up: recovery
	// is a one-shot fallback, not a live watch.
	snap.values["auth.access_token"] = "late"
	if tok := src.Token(); tok != nil {
		t.Errorf("expected nil token after one-shot recovery, got %+v", tok)
	}
}

func TestSourceSetPersists(t *testing.T) {
	snap := newFakeSnapshot()
	src := auth.NewSource(snap)

	src.Set(&auth.Token{Access: "a1", Refresh: "r1"})

	if snap.values["auth.access_token"] != "a1" {
		t.Errorf("access not persisted: %v", snap.values)
	}
	if snap.values["auth.refresh_token"] != "r1" {
		t.Errorf("refresh not persisted: %v", snap.values)
	}

	tok := src.Token()
	if tok == nil || tok.Access != "a1" {
		t.Errorf("Token() = %+v; want in-memory a1", tok)
	}
}

func TestSourceNilSnapshot(t *testing.T) {
	src := auth.NewSource(nil)
	if tok := src.Token(); tok != nil {
		t.Errorf("expected nil token, got %+v", tok)
	}
	src.Set(&auth.Token{Access: "a"})
	if tok := src.Token(); tok == nil || tok.Access != "a" {
		t.Errorf("Token() = %+v; want a", tok)
	}
}
