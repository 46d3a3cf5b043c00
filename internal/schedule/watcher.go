package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	kberr "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/store"
)

const (
	// debounceWindow batches a burst of file events into one run.
	debounceWindow = 2 * time.Second

	// debounceTick is how often the pending flag is checked.
	debounceTick = 500 * time.Millisecond
)

// Watcher triggers a sync run when files change under the enabled
// folder roots. It is an accelerator on top of the interval scheduler,
// not a replacement: a run it cannot start (engine busy) is simply
// picked up by the next tick or interval.
type Watcher struct {
	runner  Runner
	folders []store.FolderConfig
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a change trigger over the given folder roots.
func NewWatcher(runner Runner, folders []store.FolderConfig, logger *slog.Logger) *Watcher {
	return &Watcher{
		runner:  runner,
		folders: folders,
		logger:  logger,
	}
}

// Watch blocks until the context is cancelled, debouncing filesystem
// events into sync runs.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	for _, fc := range w.folders {
		if !fc.Enabled {
			continue
		}

		if fc.IncludeSubfolders {
			if err := w.addRecursive(fc.LocalPath, fc.IgnoreHidden); err != nil {
				w.logger.Warn("watching folder tree",
					slog.String("folder", fc.ID),
					slog.String("error", err.Error()),
				)
			}
		} else if err := watcher.Add(fc.LocalPath); err != nil {
			w.logger.Warn("watching folder",
				slog.String("folder", fc.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	w.logger.Info("file watcher started", slog.Int("folders", len(w.folders)))

	var lastEvent time.Time

	ticker := time.NewTicker(debounceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if w.shouldIgnore(event.Name) {
				continue
			}

			lastEvent = time.Now()

			// New directories join the watch so changes under them
			// keep triggering.
			if event.Has(fsnotify.Create) {
				info, err := os.Stat(event.Name)
				if err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name, w.ignoreHiddenFor(event.Name)); err != nil {
						w.logger.Warn("watching new directory",
							slog.String("path", event.Name),
							slog.String("error", err.Error()),
						)
					}
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if lastEvent.IsZero() || time.Since(lastEvent) < debounceWindow {
				continue
			}

			lastEvent = time.Time{}

			if w.runner.IsRunning() {
				// The active run will pick the changes up on its scan,
				// or the next interval will.
				continue
			}

			if err := w.runner.StartSync(ctx, "watch"); err != nil && !errors.Is(err, kberr.ErrSyncInProgress) {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				w.logger.Warn("watch-triggered sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Watcher) addRecursive(dir string, ignoreHidden bool) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if ignoreHidden && path != dir && strings.HasPrefix(filepath.Base(path), ".") {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

// ignoreHiddenFor resolves the hidden-file policy for a path from its
// owning folder configuration, picking the longest matching root when
// folders nest. Paths outside every configured root default to
// ignoring hidden entries.
func (w *Watcher) ignoreHiddenFor(path string) bool {
	var best string

	ignore := true

	for _, fc := range w.folders {
		if !fc.Enabled {
			continue
		}

		root := fc.LocalPath
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}

		if len(root) > len(best) {
			best = root
			ignore = fc.IgnoreHidden
		}
	}

	return ignore
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}

	// Editor droppings churn constantly and never sync anyway.
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp") {
		return true
	}

	return false
}
