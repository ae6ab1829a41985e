package budgetplan

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the plan at path whenever it is written and passes it to
// apply. It blocks until ctx is done. A plan that fails to load is logged
// and skipped. An error returned by apply stops the watch.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(*Plan) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("plan watcher: %w", err)
	}
	defer w.Close()

	// Editors often replace the file, so watch the directory.
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("plan watcher add %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}

			plan, err := Load(target)
			if err != nil {
				logger.Warn("Ignoring invalid budget plan", "path", target, "error", err)
				continue
			}
			logger.Debug("Budget plan changed", "path", target, "budgets", len(plan.Budgets))
			if err := apply(plan); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Budget plan watcher error", "error", err)
		}
	}
}
