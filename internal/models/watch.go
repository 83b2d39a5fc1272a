package models

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads r whenever the registry file at path is written or
// replaced. It blocks until ctx is cancelled. The parent directory is
// watched so editors that save via rename are picked up.
func Watch(ctx context.Context, r *Registry, path, modelsDir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("models watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	logger := zerolog.Ctx(ctx).With().Str("component", "models").Str("file", abs).Logger()
	logger.Info().Msg("watching_models_file")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(abs, modelsDir); err != nil {
				logger.Warn().Err(err).Msg("models_reload_failed")
				continue
			}
			logger.Info().Int("models", len(r.List())).Msg("models_reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("models_watcher_error")
		}
	}
}
