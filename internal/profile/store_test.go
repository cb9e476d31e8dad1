package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/farepilot/farepilot/internal/errors"
)

func TestStoreLoadMissingFileUsesDefaults(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "profile.yaml"))

	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Current().MinPerKmCents != 120 {
		t.Errorf("MinPerKmCents = %d, want default 120", s.Current().MinPerKmCents)
	}
}

func TestStoreLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("min_per_km_cents: 180\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Current().MinPerKmCents != 180 {
		t.Errorf("MinPerKmCents = %d, want 180", s.Current().MinPerKmCents)
	}
}

func TestStoreLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("min_per_km_cents: -5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	err := s.Load()
	if err == nil {
		t.Fatal("Load() = nil, want error for invalid profile")
	}
	if code := errors.CodeOf(err); code != errors.CodeProfileInvalid {
		t.Errorf("CodeOf = %s, want %s", code, errors.CodeProfileInvalid)
	}
}

func TestStorePutPersistsAndSwaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	s := NewStore(path)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	p := Default()
	p.AcceptScore = 75
	if err := s.Put(p); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if s.Current().AcceptScore != 75 {
		t.Errorf("AcceptScore = %g, want 75 after Put", s.Current().AcceptScore)
	}

	// A second store reading the same file sees the change.
	s2 := NewStore(path)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s2.Current().AcceptScore != 75 {
		t.Errorf("persisted AcceptScore = %g, want 75", s2.Current().AcceptScore)
	}
}

func TestStorePutRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	s := NewStore(path)

	p := Default()
	p.AcceptScore = 10 // below consider
	err := s.Put(p)
	if err == nil {
		t.Fatal("Put() = nil, want validation error")
	}
	if code := errors.CodeOf(err); code != errors.CodeProfileInvalid {
		t.Errorf("CodeOf = %s, want %s", code, errors.CodeProfileInvalid)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("invalid profile should not be written to disk")
	}
}

func TestStoreReloadKeepsLastGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("min_per_km_cents: 140\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	// Corrupt write: reload must keep the last good profile.
	if err := os.WriteFile(path, []byte("min_per_km_cents: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	s.reload()
	if s.Current().MinPerKmCents != 140 {
		t.Errorf("MinPerKmCents = %d, want last good 140", s.Current().MinPerKmCents)
	}

	// File deleted: same.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	s.reload()
	if s.Current().MinPerKmCents != 140 {
		t.Errorf("MinPerKmCents = %d, want last good 140 after delete", s.Current().MinPerKmCents)
	}

	// Fixed file: picked up.
	if err := os.WriteFile(path, []byte("min_per_km_cents: 160\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.reload()
	if s.Current().MinPerKmCents != 160 {
		t.Errorf("MinPerKmCents = %d, want 160 after fix", s.Current().MinPerKmCents)
	}
}

func TestStoreWatchPicksUpChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping fsnotify round trip in short mode")
	}

	path := filepath.Join(t.TempDir(), "profile.yaml")
	s := NewStore(path)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	swapped := make(chan *Profile, 4)
	s.OnSwap(func(p *Profile) { swapped <- p })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Watch(ctx); err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	}()

	// Give the watcher a moment to install before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("min_per_km_cents: 175\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-swapped:
		if p.MinPerKmCents != 175 {
			t.Errorf("MinPerKmCents = %d, want 175", p.MinPerKmCents)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not pick up the profile change")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}
