package service

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reindexes the documents directory after changes settle for
// debounce. It blocks until ctx is done.
func (i *Indexer) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	if err := i.watchTree(w, i.loader.Root()); err != nil {
		return err
	}
	i.logger.Info().Str("dir", i.loader.Root()).Dur("debounce", debounce).Msg("Watching documents directory")

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				_ = i.watchTree(w, ev.Name)
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			i.logger.Warn().Err(err).Msg("Documents watcher error")
		case <-timer.C:
			report, err := i.Sync(ctx)
			ev := i.logger.Info()
			if err != nil {
				ev = i.logger.Warn().Err(err)
			}
			ev.Int("added", report.Added).
				Int("updated", report.Updated).
				Int("removed", report.Removed).
				Int("chunks", report.Chunks).
				Msg("Reindexed documents")
		}
	}
}

// watchTree adds root and every non-ignored directory below it.
func (i *Indexer) watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if rel, rerr := filepath.Rel(i.loader.Root(), path); rerr == nil && rel != "." {
			if i.loader.Ignored(filepath.ToSlash(rel) + "/") {
				return filepath.SkipDir
			}
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
