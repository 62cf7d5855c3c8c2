package datasync

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the directory must stay quiet before a sync runs
const DefaultDebounce = 2 * time.Second

// SyncFunc is called with the new fingerprint once the directory settled and
// its fingerprint changed
type SyncFunc func(ctx context.Context, fingerprint string) error

// Watcher watches a config directory and triggers a sync when its content
// fingerprint changes. Bursts of events are debounced.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange SyncFunc
	log      logrus.FieldLogger
	watcher  *fsnotify.Watcher

	mu   sync.Mutex
	last string
}

// NewWatcher creates a watcher for dir. last is the fingerprint already served.
func NewWatcher(dir, last string, onChange SyncFunc, log logrus.FieldLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, errors.Wrapf(err, "watching %s", dir)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watcher{
		dir:      dir,
		debounce: DefaultDebounce,
		onChange: onChange,
		log:      log.WithField("component", "datasync"),
		watcher:  fw,
		last:     last,
	}, nil
}

// SetDebounce changes the quiet period
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Run processes events until ctx is done, then closes the watcher
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ignored(ev.Name) {
				continue
			}
			w.log.WithFields(logrus.Fields{"file": ev.Name, "op": ev.Op.String()}).Debug("data change")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("file watcher error")
		case <-fire:
			fire = nil
			if err := w.Check(ctx); err != nil {
				w.log.WithError(err).Error("data sync failed")
			}
		}
	}
}

// Check recomputes the fingerprint and calls the sync function if it changed
func (w *Watcher) Check(ctx context.Context) error {
	fp, err := Fingerprint(w.dir)
	if err != nil {
		return err
	}
	w.mu.Lock()
	unchanged := fp == w.last
	w.mu.Unlock()
	if unchanged {
		w.log.Debug("fingerprint unchanged, skipping sync")
		return nil
	}
	if err := w.onChange(ctx, fp); err != nil {
		return err
	}
	w.mu.Lock()
	w.last = fp
	w.mu.Unlock()
	return nil
}

// Last returns the fingerprint of the last successful sync
func (w *Watcher) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// ignored skips editor swap files and the store's own temporary directories
func ignored(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, "~") ||
		strings.Contains(base, ".tmp-") ||
		strings.Contains(base, ".old-")
}
