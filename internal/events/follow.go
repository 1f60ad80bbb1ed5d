package events

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mpataki/studio/internal/logging"
	"github.com/mpataki/studio/internal/workspace"
)

type FollowOptions struct {
	Cursor       *int
	Limit        int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Follow tails runDir until ctx is done, calling fn with every page that
// has events. It re-reads on filesystem notifications and, as a fallback,
// every PollInterval. An error from fn stops following and is returned.
func Follow(ctx context.Context, runDir string, opts FollowOptions, fn func(Page) error) error {
	logger := logging.OrDiscard(opts.Logger)
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("failed to create event log watcher, polling only", "err", err)
		watcher = nil
	} else {
		defer watcher.Close()
	}

	dirs := []string{runDir}
	for _, p := range (&workspace.Run{Path: runDir}).EventLogCandidates() {
		dirs = append(dirs, filepath.Dir(p))
	}

	watched := map[string]bool{}
	watchDirs := func() {
		if watcher == nil {
			return
		}
		for _, dir := range dirs {
			if watched[dir] {
				continue
			}
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				logger.Debug("failed to watch directory", "dir", dir, "err", err)
				continue
			}
			watched[dir] = true
		}
	}

	cursor := opts.Cursor
	poll := func() error {
		watchDirs()
		page := Tail(runDir, cursor, opts.Limit)
		next := page.NextCursor
		cursor = &next
		if len(page.Events) == 0 {
			return nil
		}
		return fn(page)
	}

	if err := poll(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("event log watcher error", "err", err)
			continue
		}
		if err := poll(); err != nil {
			return err
		}
	}
}
