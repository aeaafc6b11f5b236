package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the configuration when its file changes and hands each new
// snapshot to a callback. Invalid edits are logged and the previous snapshot
// stays in effect.
type Watcher struct {
	current  *Config
	onReload func(*Config)
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher watches the directory holding cfg's file. Editors that write by
// rename replace the inode, so the directory is watched rather than the file.
func NewWatcher(cfg *Config, onReload func(*Config)) (*Watcher, error) {
	if cfg.Path() == "" {
		return nil, fmt.Errorf("config: watcher needs a file-backed snapshot")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(cfg.Path())); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(cfg.Path()), err)
	}
	return &Watcher{
		current:  cfg,
		onReload: onReload,
		debounce: 250 * time.Millisecond,
		watcher:  fw,
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.current.Path())
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config: watcher error")

		case <-pending:
			pending = nil
			next, err := w.current.Reload()
			if err != nil {
				log.Warn().Err(err).Str("path", target).Msg("config: reload rejected, keeping previous snapshot")
				continue
			}
			w.current = next
			log.Info().Str("path", target).Msg("config: reloaded")
			if w.onReload != nil {
				w.onReload(next)
			}
		}
	}
}
