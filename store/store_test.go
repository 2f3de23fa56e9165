package store_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aviaryhq/aviary-go/store"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	t.Run("missing key", func(t *testing.T) {
		if _, ok := s.Get("auth.access_token"); ok {
			t.Error("expected missing key")
		}
	})

	t.Run("set and get", func(t *testing.T) {
		if err := s.Set("auth.access_token", "tok-1"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, ok := s.Get("auth.access_token")
		if !ok || got != "tok-1" {
			t.Errorf("Get() = %q, %v; want tok-1, true", got, ok)
		}
	})

	t.Run("survives reopen", func(t *testing.T) {
		if err := s.Set("sessions.agent-1", "sess-9"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}

		reopened, err := store.Open(path)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		got, ok := reopened.Get("sessions.agent-1")
		if !ok || got != "sess-9" {
			t.Errorf("Get() after reopen = %q, %v; want sess-9, true", got, ok)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.Set("sessions.agent-2", "sess-2"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := s.Delete("sessions.agent-2"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, ok := s.Get("sessions.agent-2"); ok {
			t.Error("expected key to be deleted")
		}
	})

	t.Run("numeric value", func(t *testing.T) {
		if err := s.Set("config.temperature", 0.7); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		got, ok := s.GetFloat("config.temperature")
		if !ok || got != 0.7 {
			t.Errorf("GetFloat() = %v, %v; want 0.7, true", got, ok)
		}
	})
}

func TestStoreCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("not json{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// Corrupt snapshots degrade to empty rather than failing open.
	if _, ok := s.Get("anything"); ok {
		t.Error("expected empty store from corrupt snapshot")
	}
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set() after corrupt open error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"k":"v"`) {
		t.Errorf("snapshot on disk = %s; want it to contain k/v", data)
	}
}
