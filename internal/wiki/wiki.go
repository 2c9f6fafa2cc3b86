// Package wiki assembles the page store: the repository handle, the page
// index kept current by the watcher, the write coordinator and the history
// service, behind one handle used by the HTTP API and the CLI.
package wiki

import (
	"context"
	"iter"

	"smeagol/internal/config"
	"smeagol/internal/coordinator"
	"smeagol/internal/diff"
	apperr "smeagol/internal/errors"
	"smeagol/internal/history"
	"smeagol/internal/index"
	"smeagol/internal/repo"
	"smeagol/internal/safe"
	"smeagol/internal/watch"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

type Wiki struct {
	cfg     *config.Config
	repo    *repo.Repository
	index   *index.Index
	blobs   *safe.Safe
	watcher *watch.Watcher
	coord   *coordinator.Coordinator
	history *history.Service
	cp      *checkpointer
	logger  *zap.Logger
}

// Open opens (or with repository.create, initializes) the repository named
// by cfg and loads the page index. The index is current when Open returns;
// Run keeps it current afterwards.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Wiki, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	author := repo.Author{Name: cfg.Repository.AuthorName, Email: cfg.Repository.AuthorEmail}

	var r *repo.Repository
	var err error
	if cfg.Repository.Create {
		r, err = repo.Init(cfg.Repository.Path, cfg.Repository.Branch, author, logger)
	} else {
		r, err = repo.Open(cfg.Repository.Path, cfg.Repository.Branch, author, logger)
	}
	if err != nil {
		return nil, err
	}

	blobs, err := safe.New(r.BlobByHash, safe.Options{CacheSize: cfg.Cache.BlobEntries})
	if err != nil {
		return nil, err
	}

	x := index.New(logger.Named("index"))
	w := &Wiki{
		cfg:     cfg,
		repo:    r,
		index:   x,
		blobs:   blobs,
		history: history.New(r, blobs, coordinator.DefaultContextLines),
		logger:  logger,
	}
	w.watcher = watch.New(r, x, watch.Config{PollInterval: cfg.PollInterval()}, logger)
	w.coord = coordinator.New(r, x, blobs, coordinator.Options{
		LockTimeout:    cfg.WriteLockTimeout(),
		Scope:          cfg.Repository.ConflictScope,
		MaxContentSize: cfg.Server.MaxUploadSize,
		Author:         author,
		Resync:         w.resync,
	}, logger)

	if cfg.Cache.CheckpointPath != "" {
		if err := w.startCheckpoints(); err != nil {
			return nil, err
		}
	}

	if err := w.watcher.Sync(ctx); err != nil {
		w.Close()
		return nil, err
	}
	logger.Info("wiki opened",
		zap.String("path", r.Path()),
		zap.String("branch", r.Branch()),
		zap.Stringer("head", x.Head()),
		zap.Int("pages", x.Snapshot().Len()),
	)
	return w, nil
}

func (w *Wiki) startCheckpoints() error {
	cp, err := openCheckpointer(w.cfg.Cache.CheckpointPath, w.repo.Branch(), w.logger)
	if err != nil {
		return err
	}
	snap, err := cp.load()
	if err != nil {
		w.logger.Warn("discarding unreadable index checkpoint", zap.Error(err))
		if err := cp.discard(); err != nil {
			w.logger.Warn("removing index checkpoint failed", zap.Error(err))
		}
	} else if snap != nil && w.index.Seed(snap) {
		w.logger.Info("seeded index from checkpoint",
			zap.Stringer("head", snap.Head()),
			zap.Int("pages", snap.Len()),
		)
	}

	w.cp = cp
	go cp.run()
	w.index.OnPublish(cp.publish)
	return nil
}

// resync catches the index up after a commit it could not apply. A failed
// pass leaves the rest to the watcher loop.
func (w *Wiki) resync(ctx context.Context) error {
	err := w.watcher.Sync(ctx)
	if err != nil {
		w.watcher.Notify()
	}
	return err
}

// Close stops checkpointing after writing the latest snapshot. It does not
// stop Run; cancel its context for that.
func (w *Wiki) Close() error {
	if w.cp == nil {
		return nil
	}
	w.index.OnPublish(nil)
	err := w.cp.close()
	w.cp = nil
	return err
}

// Run keeps the index in step with the repository until ctx is done.
func (w *Wiki) Run(ctx context.Context) error {
	return w.watcher.Run(ctx)
}

// Sync reconciles the index with the branch head once.
func (w *Wiki) Sync(ctx context.Context) error {
	return w.watcher.Sync(ctx)
}

func (w *Wiki) Config() *config.Config { return w.cfg }

func (w *Wiki) Branch() string { return w.repo.Branch() }

// IndexPage is the slug of the wiki's front page.
func (w *Wiki) IndexPage() string { return w.cfg.Wiki.Index }

// Head is the commit the page index currently reflects.
func (w *Wiki) Head() plumbing.Hash { return w.index.Head() }

func (w *Wiki) Snapshot() *index.Snapshot { return w.index.Snapshot() }

func (w *Wiki) Lookup(slug string) (index.Page, error) {
	return w.index.Lookup(slug)
}

// Document is a page with its content and the head of the snapshot it was
// read from.
type Document struct {
	Page    index.Page
	Content []byte
	Head    plumbing.Hash
}

// Load returns a page, its content and the head, all from one snapshot.
func (w *Wiki) Load(slug string) (*Document, error) {
	snap := w.index.Snapshot()
	p, err := snap.Lookup(slug)
	if err != nil {
		return nil, err
	}
	content, err := w.blobs.Get(p.Hash)
	if err != nil {
		return nil, err
	}
	return &Document{Page: p, Content: content, Head: snap.Head()}, nil
}

func (w *Wiki) Submit(ctx context.Context, e coordinator.Edit) (*coordinator.Result, error) {
	return w.coord.Submit(ctx, e)
}

func (w *Wiki) History(ctx context.Context, slug string) iter.Seq2[history.Revision, error] {
	return w.history.History(ctx, slug)
}

// Read returns a page's content as of a commit.
func (w *Wiki) Read(ref history.Ref) ([]byte, error) {
	return w.history.Read(ref)
}

func (w *Wiki) Diff(slug string, a, b plumbing.Hash) (*diff.DiffResult, error) {
	return w.history.Diff(slug, a, b)
}

// Commit returns the metadata of a commit.
func (w *Wiki) Commit(id plumbing.Hash) (repo.CommitInfo, error) {
	return w.repo.CommitInfo(id)
}

// Resolve turns a revision argument into a commit id. The empty string and
// "HEAD" name the indexed head.
func (w *Wiki) Resolve(rev string) (plumbing.Hash, error) {
	if rev == "" || rev == "HEAD" {
		return w.index.Head(), nil
	}
	if !plumbing.IsHash(rev) {
		return plumbing.ZeroHash, apperr.ValidationError("invalid commit id", map[string]string{"revision": rev})
	}
	h := plumbing.NewHash(rev)
	if _, err := w.repo.CommitInfo(h); err != nil {
		return plumbing.ZeroHash, err
	}
	return h, nil
}

// CacheStats reports blob cache usage.
func (w *Wiki) CacheStats() safe.Stats { return w.blobs.Stats() }
