// Package visible feeds the daemon's folder broadcast from a file the host shell rewrites
// whenever its set of visible folders changes.
package visible

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses bursts of writes to the folder file.
const DefaultDebounce = 50 * time.Millisecond

// Publisher receives every folder set read from the file.
type Publisher interface {
	Publish(paths []string) (int, error)
}

// PublishFunc adapts a function to Publisher.
type PublishFunc func([]string) (int, error)

func (f PublishFunc) Publish(paths []string) (int, error) {
	return f(paths)
}

// Watcher republishes the folder file after it settles.
type Watcher struct {
	Path      string
	Debounce  time.Duration
	Publisher Publisher
	Logger    *slog.Logger
}

// Run publishes the current file contents, then republishes after every change until ctx
// ends. A missing file publishes the empty set.
func (w Watcher) Run(ctx context.Context) error {
	if strings.TrimSpace(w.Path) == "" {
		return errors.New("visible folder file path is empty")
	}
	if w.Publisher == nil {
		return errors.New("visible folder publisher is nil")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	delay := w.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}

	path := filepath.Clean(w.Path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure visible folder dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory so editors that replace the file by rename are still seen.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.publish(path, logger)

	settled := make(chan struct{}, 1)
	debounced := debounce.New(delay)
	notify := func() {
		select {
		case settled <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			debounced(notify)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("visible folder watcher error", "error", err.Error())
		case <-settled:
			w.publish(path, logger)
		}
	}
}

func (w Watcher) publish(path string, logger *slog.Logger) {
	paths, err := ReadPaths(path)
	if err != nil {
		logger.Warn("read visible folders failed", "path", path, "error", err.Error())
		return
	}
	delivered, err := w.Publisher.Publish(paths)
	if err != nil {
		logger.Warn("publish visible folders failed", "error", err.Error())
		return
	}
	logger.Debug("visible folders published", "count", len(paths), "subscribers", delivered)
}

// ReadPaths parses the folder file: one absolute folder per line, blank lines and lines
// starting with # ignored, duplicates collapsed. A missing file is the empty set.
func ReadPaths(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open visible folder file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, filepath.Clean(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read visible folder file: %w", err)
	}

	slices.Sort(paths)
	return slices.Compact(paths), nil
}
