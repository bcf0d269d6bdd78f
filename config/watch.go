package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file when it changes and hands validated
// snapshots to a callback. A broken edit is reported through onError and the
// previous snapshot stays live.
type Watcher struct {
	path     string
	log      zerolog.Logger
	debounce time.Duration
}

// NewWatcher watches path. Editors often write via rename, so the parent
// directory is watched rather than the file itself.
func NewWatcher(path string, log zerolog.Logger) *Watcher {
	return &Watcher{path: path, log: log.With().Str("component", "config-watcher").Logger(), debounce: 250 * time.Millisecond}
}

// Run blocks until ctx is cancelled, invoking onReload with each freshly
// loaded snapshot and onError when a reload fails.
func (w *Watcher) Run(ctx context.Context, onReload func(*Snapshot), onError func(error)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts of events from a single save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watcher error")
		case <-fire:
			snap, err := Load(w.path)
			if err != nil {
				w.log.Error().Err(err).Msg("config reload failed, keeping previous snapshot")
				if onError != nil {
					onError(err)
				}
				continue
			}
			w.log.Info().Msg("config reloaded")
			onReload(snap)
		}
	}
}
