// Package watch turns JSON files in a directory into sync updates. Each
// file named <category>.json holds one JSON object; every time it is
// written the object is handed to a QueueFunc under that category.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"
)

// QueueFunc receives the parsed contents of a changed file.
type QueueFunc func(category string, data map[string]any)

// Watcher watches a single directory, not its subdirectories.
type Watcher struct {
	dir    string
	queue  QueueFunc
	logger *slog.Logger
}

// New returns a Watcher for dir. Nothing is watched until Watch runs.
func New(dir string, queue QueueFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{dir: dir, queue: queue, logger: logger}
}

// LoadAll queues every category file currently in the directory.
func (w *Watcher) LoadAll() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading watch directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.load(filepath.Join(w.dir, e.Name()))
	}
	return nil
}

// Watch blocks until ctx is cancelled, queueing each category file as
// it is created or written.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("adding %s to watcher: %w", w.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.load(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			// Non-fatal; the next write to the file is picked up.
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) load(path string) {
	category, ok := categoryFor(path)
	if !ok {
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		w.logger.Debug("reading category file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	// Editors often write in several steps. A truncated or half-written
	// file is skipped and the write that completes it triggers again.
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		w.logger.Debug("skipping incomplete category file", slog.String("path", path))
		return
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		w.logger.Warn("decoding category file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if len(data) == 0 {
		return
	}

	w.logger.Debug("queueing category", slog.String("category", category), slog.Int("fields", len(data)))
	w.queue(category, data)
}

// categoryFor maps a file path to its sync category. Hidden files,
// editor temp files, and anything not ending in .json are ignored.
func categoryFor(path string) (string, bool) {
	name := filepath.Base(path)

	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") {
		return "", false
	}

	category, ok := strings.CutSuffix(name, ".json")
	if !ok || category == "" {
		return "", false
	}
	return category, true
}
