package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"replydesk/internal/logging"
)

const watchDebounce = 200 * time.Millisecond

// Watch runs a pass on every write to the log and at least once per interval
// until ctx is cancelled. Without a usable file watcher it falls back to
// polling alone.
func (t *Tracker) Watch(ctx context.Context, interval time.Duration, onPass func(Stats)) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		// Watch the directory: the log may not exist yet or may be replaced.
		if err = watcher.Add(filepath.Dir(t.logPath)); err == nil {
			events, watchErrors = watcher.Events, watcher.Errors
		}
	}
	if err != nil {
		logging.WarnWithContext(t.logger, "file watcher unavailable; polling only", "ingest_watch_unavailable",
			logging.Error(err),
			logging.Duration("interval", interval),
		)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	debounce := time.NewTimer(watchDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	target := filepath.Base(t.logPath)

	t.runPass(ctx, onPass)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			t.logger.Warn("file watcher error", logging.Error(err))
		case <-debounce.C:
			t.runPass(ctx, onPass)
		case <-ticker.C:
			t.runPass(ctx, onPass)
		}
	}
}

// Poll runs a pass every interval until ctx is cancelled.
func (t *Tracker) Poll(ctx context.Context, interval time.Duration, onPass func(Stats)) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t.runPass(ctx, onPass)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *Tracker) runPass(ctx context.Context, onPass func(Stats)) {
	stats, err := t.Pass(ctx)
	switch {
	case errors.Is(err, ErrIngestBusy):
		t.logger.Debug("ingest pass skipped; another tailer holds the lock")
		return
	case err != nil:
		logging.ErrorWithContext(t.logger, "ingest pass failed", "ingest_pass_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the actionable log and queue database access"),
		)
		return
	}
	if onPass != nil {
		onPass(stats)
	}
}
