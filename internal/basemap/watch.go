package basemap

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog from path whenever the file changes, until ctx is
// done. The directory is watched so editors that replace the file are seen.
// onReload, if set, is called after every successful reload.
func (c *Catalog) Watch(ctx context.Context, path string, log *slog.Logger, onReload func()) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "basemap")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := c.LoadFile(path); err != nil {
					log.Error("reloading basemaps", "file", path, "error", err)
					continue
				}
				log.Info("basemaps reloaded", "file", path, "count", len(c.List()))
				if onReload != nil {
					onReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("watching basemaps", "error", err)
			}
		}
	}()
	return nil
}
