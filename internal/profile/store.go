package profile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/farepilot/farepilot/internal/errors"
	"github.com/farepilot/farepilot/internal/syncx"
)

// Reload debounce. Editors and the Android file sync both write profiles in
// several bursts; wait for them to settle.
const settleDelay = 300 * time.Millisecond

// Store owns the live profile. Readers get a stable pointer that is swapped
// whole on reload, never mutated in place.
type Store struct {
	path    string
	current *syncx.RWGuard[*Profile]
	onSwap  func(*Profile)
}

// NewStore creates a store for the profile at path. Call Load before
// reading.
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		current: syncx.NewGuard(Default()),
	}
}

// OnSwap registers a callback invoked after every successful swap,
// including the initial Load. Must be set before Watch starts.
func (s *Store) OnSwap(fn func(*Profile)) {
	s.onSwap = fn
}

// Current returns the live profile. The pointee is immutable; treat it as
// read-only.
func (s *Store) Current() *Profile {
	return s.current.Get()
}

// Load reads the profile file. A missing file is not an error: the driver
// has not customized anything yet and the defaults apply.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		slog.Info("no profile file, using defaults", "path", s.path)
		s.swap(Default())
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, errors.CodeProfileNotFound, "read profile %s", s.path)
	}
	p, err := Parse(data)
	if err != nil {
		return errors.Wrap(err, errors.CodeProfileInvalid, "load profile")
	}
	s.swap(p)
	return nil
}

// Put validates, persists, and swaps in a new profile. Used by the profile
// API; the write goes through a temp file so the watcher never reloads a
// half-written profile.
func (s *Store) Put(p *Profile) error {
	if err := p.Validate(); err != nil {
		return errors.Wrap(err, errors.CodeProfileInvalid, "put profile")
	}
	data, err := p.Marshal()
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "marshal profile")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "create profile dir")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "write profile %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "rename profile %s", s.path)
	}
	s.swap(p)
	return nil
}

// Watch reloads the profile whenever the file changes, until ctx is done.
// Reload failures keep the last good profile; the daemon never runs with a
// broken one.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "create profile watcher")
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files by
	// rename, which drops a direct file watch.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "create profile dir %s", dir)
	}
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "watch profile dir %s", dir)
	}
	slog.Info("watching profile", "path", s.path)

	base := filepath.Base(s.path)
	var settle <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			settle = time.After(settleDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("profile watcher error", "error", err)
		case <-settle:
			settle = nil
			s.reload()
		}
	}
}

// reload re-reads the file, keeping the last good profile on any failure.
func (s *Store) reload() {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		slog.Warn("profile file removed, keeping last good profile", "path", s.path)
		return
	}
	if err != nil {
		slog.Warn("profile reload failed, keeping last good profile", "path", s.path, "error", err)
		return
	}
	p, err := Parse(data)
	if err != nil {
		slog.Warn("profile invalid, keeping last good profile", "path", s.path, "error", err)
		return
	}
	s.swap(p)
	slog.Info("profile reloaded", "path", s.path)
}

func (s *Store) swap(p *Profile) {
	s.current.Set(p)
	if s.onSwap != nil {
		s.onSwap(p)
	}
}
