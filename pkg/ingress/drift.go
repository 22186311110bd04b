package ingress

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDriftDebounce is how long the watcher waits for a burst of
// filesystem events to settle before comparing the tree
const DefaultDriftDebounce = 500 * time.Millisecond

// DriftWatcher detects edits to the configuration directory made by anyone
// other than the projector and asks the projector to resync
type DriftWatcher struct {
	projector *Projector
	debounce  time.Duration
	logger    zerolog.Logger
}

// NewDriftWatcher creates a watcher for the projector's directory
func NewDriftWatcher(projector *Projector, debounce time.Duration) *DriftWatcher {
	if debounce <= 0 {
		debounce = DefaultDriftDebounce
	}
	return &DriftWatcher{
		projector: projector,
		debounce:  debounce,
		logger:    log.WithComponent("drift"),
	}
}

// Run watches the directory until ctx is cancelled
func (w *DriftWatcher) Run(ctx context.Context) error {
	dir := w.projector.Dir()
	if err := dir.Ensure(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// The root is watched so subdirectories removed and recreated by a
	// resync can be picked up again
	for _, path := range append([]string{dir.Root()}, dir.Dirs()...) {
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}
	w.logger.Info().Str("path", dir.Root()).Msg("Watching gateway configuration for drift")

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if isTempFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Create) && slices.Contains(dir.Dirs(), event.Name) {
				if err := watcher.Add(event.Name); err != nil {
					w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to re-add watch")
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Filesystem watcher error")

		case <-timer.C:
			w.check()
		}
	}
}

func (w *DriftWatcher) check() {
	drifted, err := w.projector.Drifted()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to compare gateway configuration")
		w.projector.RequestResync()
		return
	}
	if drifted {
		w.logger.Warn().Msg("Gateway configuration modified externally, scheduling resync")
		w.projector.RequestResync()
	}
}
