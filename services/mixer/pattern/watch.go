// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pattern

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tableDebounce batches the burst of events an editor save produces.
const tableDebounce = 150 * time.Millisecond

// WatchTable reloads the table at path whenever it changes and passes
// every valid table to onLoad. Invalid tables are logged and skipped.
//
// # Description
//
// The parent directory is watched rather than the file so that editors
// replacing the file by rename keep being observed. WatchTable blocks
// until ctx is done.
//
// # Outputs
//
//   - error: Non-nil if the watcher could not be set up; ctx.Err() on
//     cancellation.
func WatchTable(ctx context.Context, path string, logger *slog.Logger, onLoad func(Table)) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "pattern_watch"), slog.String("path", path))

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve pattern table path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(tableDebounce)
				timerC = timer.C
			} else {
				timer.Reset(tableDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			table, err := LoadTableFile(abs)
			if err != nil {
				logger.Warn("pattern table reload failed, keeping current table",
					slog.String("error", err.Error()))
				continue
			}
			logger.Info("pattern table reloaded", slog.Int("tracks", len(table.Tracks)))
			onLoad(table)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("pattern table watcher error", slog.String("error", err.Error()))
		}
	}
}
