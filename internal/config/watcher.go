package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/trimitri/jokarus/internal/metrics"
)

const profileDebounce = 200 * time.Millisecond

// ProfileApplier is the interface the profile watcher uses to push a
// changed mission profile into the running experiment.
type ProfileApplier interface {
	ApplyProfile(p *Profile)
}

// ProfileWatcher reloads the mission profile when the file changes and
// applies it without restarting the process. A broken edit is logged
// and ignored; the experiment keeps running on the last good profile.
type ProfileWatcher struct {
	path     string
	applier  ProfileApplier
	logger   *slog.Logger
	debounce time.Duration

	last Profile
}

// NewProfileWatcher creates a watcher for the profile at path. initial
// is the profile the process booted with; an edit that parses back to
// the same values is not re-applied.
func NewProfileWatcher(path string, initial *Profile, applier ProfileApplier, logger *slog.Logger) *ProfileWatcher {
	w := &ProfileWatcher{
		path:     filepath.Clean(path),
		applier:  applier,
		logger:   logger.With("component", "profile_watcher"),
		debounce: profileDebounce,
	}
	if initial != nil {
		w.last = *initial
	}
	return w
}

// Run blocks until the context is cancelled. The profile's directory
// is watched rather than the file itself: most editors replace the
// file on save, which would silently detach a watch on the inode.
func (w *ProfileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create profile watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Info("profile watcher started", "path", w.path)

	// Bursts of events for one save collapse into a single reload.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("profile watcher stopping")
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				pending = time.After(w.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("profile watcher error", "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *ProfileWatcher) reload() {
	p, err := LoadProfile(w.path)
	if err != nil {
		w.logger.Warn("profile reload rejected", "error", err)
		metrics.ProfileReloadErrors.Inc()
		return
	}
	if *p == w.last {
		return
	}
	w.logger.Info("mission profile changed", "path", w.path)
	w.applier.ApplyProfile(p)
	w.last = *p
	metrics.ProfileReloadsTotal.Inc()
}
