// Package coordinator is the only writer of wiki pages. It validates edits,
// serializes commit construction behind one repository-wide lock and
// publishes each successful commit to the page index before returning.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smeagol/internal/config"
	"smeagol/internal/diff"
	apperr "smeagol/internal/errors"
	"smeagol/internal/index"
	"smeagol/internal/repo"
	"smeagol/internal/safe"
	"smeagol/internal/slug"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultLockTimeout    = 5 * time.Second
	DefaultMaxContentSize = 1 << 20
	DefaultContextLines   = 3
)

// Edit is a pending change to one page. Base is the revision the author
// started from.
type Edit struct {
	Slug    string
	Content []byte
	Delete  bool
	Base    plumbing.Hash
	Author  repo.Author // zero uses the configured author
	Message string      // empty uses the Create/Update/Delete template
}

// Result describes how an edit ended. Commit is the new head on success
// and the unchanged head when the edit was a no-op.
type Result struct {
	State     State
	Slug      string
	Commit    plumbing.Hash
	Page      index.Page // zero after a delete
	Created   bool
	Unchanged bool
	Conflict  *Conflict
}

type Options struct {
	LockTimeout    time.Duration
	Scope          config.ConflictScope
	MaxContentSize int64
	Author         repo.Author
	ContextLines   int

	// Resync brings the index to the branch head when the coordinator's
	// own update could not be applied because the index lagged behind.
	Resync func(context.Context) error
}

func (o *Options) applyDefaults() {
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.Scope == "" {
		o.Scope = config.ScopeRepository
	}
	if o.MaxContentSize <= 0 {
		o.MaxContentSize = DefaultMaxContentSize
	}
	if o.Author.Name == "" {
		o.Author = repo.Author{Name: config.DefaultAuthorName, Email: config.DefaultAuthorEmail}
	}
	if o.ContextLines <= 0 {
		o.ContextLines = DefaultContextLines
	}
}

type Coordinator struct {
	repo   *repo.Repository
	index  *index.Index
	blobs  *safe.Safe
	opts   Options
	diff   *diff.Engine
	sem    *semaphore.Weighted
	logger *zap.Logger
}

func New(r *repo.Repository, x *index.Index, blobs *safe.Safe, opts Options, logger *zap.Logger) *Coordinator {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		repo:   r,
		index:  x,
		blobs:  blobs,
		opts:   opts,
		diff:   diff.NewEngine(opts.ContextLines),
		sem:    semaphore.NewWeighted(1),
		logger: logger.Named("coordinator"),
	}
}

// Submit runs an edit through validation and commit. Cancelling ctx aborts
// the edit only while it waits for the write lock. Conflicts are returned
// as a CONFLICT error carrying *Conflict details, together with a Result in
// the Conflicted state.
func (c *Coordinator) Submit(ctx context.Context, e Edit) (*Result, error) {
	res := &Result{State: Received, Slug: e.Slug}

	c.transition(res, Validating)
	s, err := c.validate(e)
	if err != nil {
		c.transition(res, Failed)
		return res, err
	}
	res.Slug = s

	lockCtx, cancel := context.WithTimeout(ctx, c.opts.LockTimeout)
	defer cancel()
	if err := c.sem.Acquire(lockCtx, 1); err != nil {
		c.transition(res, Failed)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, apperr.Busy("write lock is held by another edit", c.opts.LockTimeout)
	}
	defer c.sem.Release(1)

	c.transition(res, Committing)
	if err := c.commit(context.WithoutCancel(ctx), s, e, res); err != nil {
		if ae, ok := apperr.As(err); ok && ae.Type == apperr.ErrorTypeConflict {
			res.Conflict, _ = ae.Details.(*Conflict)
			c.transition(res, Conflicted)
		} else {
			c.transition(res, Failed)
		}
		return res, err
	}
	c.transition(res, Succeeded)
	return res, nil
}

func (c *Coordinator) validate(e Edit) (string, error) {
	s, err := slug.Parse(e.Slug)
	if err != nil {
		return "", err
	}
	switch {
	case e.Base.IsZero():
		return "", apperr.ValidationError("base revision is required", map[string]string{"slug": s})
	case e.Delete && len(e.Content) > 0:
		return "", apperr.ValidationError("delete must not carry content", map[string]string{"slug": s})
	case !e.Delete && len(e.Content) == 0:
		return "", apperr.ValidationError("content is empty", map[string]string{"slug": s})
	case int64(len(e.Content)) > c.opts.MaxContentSize:
		return "", apperr.ValidationError(
			fmt.Sprintf("content exceeds %d bytes", c.opts.MaxContentSize),
			map[string]any{"slug": s, "size": len(e.Content)},
		)
	}
	return s, nil
}

func (c *Coordinator) commit(ctx context.Context, s string, e Edit, res *Result) error {
	head, err := c.repo.CurrentHead()
	if err != nil {
		return err
	}
	if err := c.checkBase(s, e, head); err != nil {
		return err
	}

	current, err := c.repo.BlobHash(s, head)
	exists := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	if e.Delete && !exists {
		return fmt.Errorf("%w: %s", index.ErrPageNotFound, s)
	}
	if !e.Delete && exists && current == plumbing.ComputeHash(plumbing.BlobObject, e.Content) {
		res.Commit = head
		res.Unchanged = true
		res.Page, _ = c.index.Lookup(s)
		c.logger.Debug("edit leaves page unchanged", zap.String("slug", s))
		return nil
	}

	change := repo.FileChange{Path: s, Content: e.Content, Delete: e.Delete}
	next, err := c.repo.Commit([]repo.FileChange{change}, head, c.author(e), c.message(s, e, exists))
	if errors.Is(err, repo.ErrConflict) {
		// The branch moved between reading head and the reference update.
		latest, herr := c.repo.CurrentHead()
		if herr != nil {
			return err
		}
		return c.conflict(s, e, latest)
	}
	if err != nil {
		return err
	}

	info, err := c.repo.CommitInfo(next)
	if err != nil {
		return err
	}
	update := index.Update{Commit: next, When: info.When}
	switch {
	case e.Delete:
		update.Change = repo.Change{Path: s, Kind: repo.Removed}
	case exists:
		update.Change = repo.Change{Path: s, Kind: repo.Modified, Hash: c.blobs.Add(e.Content)}
	default:
		update.Change = repo.Change{Path: s, Kind: repo.Added, Hash: c.blobs.Add(e.Content)}
	}

	if !c.index.ApplyChanges(head, next, []index.Update{update}) {
		c.logger.Debug("index behind branch, resyncing",
			zap.Stringer("index_head", c.index.Head()),
			zap.Stringer("parent", head),
		)
		if c.opts.Resync != nil {
			if err := c.opts.Resync(ctx); err != nil {
				c.logger.Warn("resync after commit failed", zap.Error(err))
			}
		}
	}

	res.Commit = next
	res.Created = !e.Delete && !exists
	if !e.Delete {
		res.Page, err = c.index.Lookup(s)
		if err != nil {
			res.Page = index.Page{Slug: s, Path: s, Hash: update.Change.Hash, Commit: next, Modified: info.When}
		}
	}

	c.logger.Info("committed edit",
		zap.String("slug", s),
		zap.Stringer("commit", next),
		zap.Bool("delete", e.Delete),
	)
	return nil
}

// checkBase enforces the conflict rule for head against the edit's base.
func (c *Coordinator) checkBase(s string, e Edit, head plumbing.Hash) error {
	if head == e.Base {
		return nil
	}
	if c.opts.Scope == config.ScopePage {
		ok, err := c.repo.IsAncestor(e.Base, head)
		if err != nil {
			return err
		}
		if ok {
			before, err := c.pageHash(s, e.Base)
			if err != nil {
				return err
			}
			after, err := c.pageHash(s, head)
			if err != nil {
				return err
			}
			if before == after {
				return nil
			}
		}
	}
	return c.conflict(s, e, head)
}

func (c *Coordinator) pageHash(s string, commit plumbing.Hash) (plumbing.Hash, error) {
	h, err := c.repo.BlobHash(s, commit)
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrIsDir) {
		return plumbing.ZeroHash, nil
	}
	return h, err
}

func (c *Coordinator) author(e Edit) repo.Author {
	if e.Author.Name != "" {
		if e.Author.Email == "" {
			e.Author.Email = c.opts.Author.Email
		}
		return e.Author
	}
	return c.opts.Author
}

func (c *Coordinator) message(s string, e Edit, exists bool) string {
	if e.Message != "" {
		return e.Message
	}
	switch {
	case e.Delete:
		return "Delete " + s
	case exists:
		return "Update " + s
	}
	return "Create " + s
}

func (c *Coordinator) transition(res *Result, to State) {
	c.logger.Debug("edit state",
		zap.String("slug", res.Slug),
		zap.Stringer("from", res.State),
		zap.Stringer("to", to),
	)
	res.State = to
}
