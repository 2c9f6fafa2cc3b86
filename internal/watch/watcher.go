// Package watch keeps the page index in step with the branch head when the
// repository changes outside the write path (pushes, commits made with git,
// history rewrites).
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"smeagol/internal/index"
	"smeagol/internal/repo"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultDebounce       = 50 * time.Millisecond
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
)

type Config struct {
	PollInterval   time.Duration
	Debounce       time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(DefaultMaxBackoff, c.InitialBackoff)
	}
}

// Watcher is the single background reconciliation loop. Sync may also be
// called directly; cycles never overlap.
type Watcher struct {
	repo   *repo.Repository
	index  *index.Index
	cfg    Config
	logger *zap.Logger

	notify chan struct{}
	syncMu sync.Mutex
}

func New(r *repo.Repository, x *index.Index, cfg Config, logger *zap.Logger) *Watcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		repo:   r,
		index:  x,
		cfg:    cfg,
		logger: logger.Named("watch"),
		notify: make(chan struct{}, 1),
	}
}

// Notify asks the loop for a reconciliation cycle without waiting for it.
func (w *Watcher) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run reconciles once, then on every relevant filesystem event, poll tick
// or Notify until ctx is done. Failed cycles are retried with exponential
// backoff; other triggers are ignored while a retry is pending.
func (w *Watcher) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var fsErrors <-chan error

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("filesystem notifications unavailable, polling only", zap.Error(err))
	} else {
		defer fsw.Close()
		events, fsErrors = fsw.Events, fsw.Errors
	}
	refDirWatched := w.addWatches(fsw)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.InitialBackoff
	bo.MaxInterval = w.cfg.MaxBackoff

	var debounce, retry <-chan time.Time
	cycle := func() {
		if err := w.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.NextBackOff()
			w.logger.Warn("reconciliation failed, retrying",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			retry = time.After(delay)
			return
		}
		bo.Reset()
		retry = nil
	}

	w.logger.Info("watching repository",
		zap.String("git_dir", w.repo.GitDir()),
		zap.String("branch", w.repo.Branch()),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)
	cycle()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if w.relevant(ev) && debounce == nil {
				debounce = time.After(w.cfg.Debounce)
			}

		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))

		case <-debounce:
			debounce = nil
			if retry == nil {
				cycle()
			}

		case <-ticker.C:
			if !refDirWatched {
				refDirWatched = w.addWatches(fsw)
			}
			if retry == nil {
				cycle()
			}

		case <-w.notify:
			if retry == nil {
				cycle()
			}

		case <-retry:
			retry = nil
			cycle()
		}
	}
}

// addWatches watches the git dir (HEAD, packed-refs) and the directory of
// the branch's loose ref. It reports whether the ref directory is covered.
func (w *Watcher) addWatches(fsw *fsnotify.Watcher) bool {
	if fsw == nil {
		return true
	}
	refDir := filepath.Dir(w.repo.RefPath())
	for _, dir := range []string{w.repo.GitDir(), refDir} {
		if err := fsw.Add(dir); err != nil {
			w.logger.Debug("cannot watch directory", zap.String("dir", dir), zap.Error(err))
			if dir == refDir {
				return false
			}
		}
	}
	return true
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	switch ev.Name {
	case w.repo.RefPath(),
		filepath.Join(w.repo.GitDir(), "packed-refs"),
		filepath.Join(w.repo.GitDir(), "HEAD"):
		return true
	}
	return false
}
