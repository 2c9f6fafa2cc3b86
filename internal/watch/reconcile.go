package watch

import (
	"context"
	"errors"
	"maps"
	"slices"

	apperr "smeagol/internal/errors"
	"smeagol/internal/index"
	"smeagol/internal/repo"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// maxApplyAttempts bounds how often Sync recomputes updates after losing
// the race against a concurrent index writer.
const maxApplyAttempts = 5

// Sync runs one reconciliation cycle: it brings the index to the current
// branch head, incrementally when the head moved forward along first
// parents and by a full rebuild otherwise.
func (w *Watcher) Sync(ctx context.Context) error {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		head, err := w.repo.CurrentHead()
		if err != nil {
			return err
		}
		base := w.index.Head()
		if head == base {
			return nil
		}

		applied, err := w.reconcile(ctx, base, head)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		w.logger.Debug("index moved during reconciliation, retrying",
			zap.Stringer("base", base),
			zap.Stringer("head", head),
		)
	}
	return apperr.Internal("index kept moving during reconciliation", nil)
}

func (w *Watcher) reconcile(ctx context.Context, base, head plumbing.Hash) (bool, error) {
	if base.IsZero() {
		return w.rebuild(ctx, base, head, "initial load")
	}

	ok, err := w.repo.IsAncestor(base, head)
	switch {
	case errors.Is(err, repo.ErrRevisionNotFound):
		w.logger.Warn("indexed commit no longer exists, rebuilding index",
			zap.Stringer("indexed", base),
			zap.Stringer("head", head),
		)
		return w.rebuild(ctx, base, head, "indexed commit missing")
	case err != nil:
		return false, err
	case !ok:
		w.logger.Warn("branch history was rewritten, rebuilding index",
			zap.Stringer("indexed", base),
			zap.Stringer("head", head),
		)
		return w.rebuild(ctx, base, head, "history rewritten")
	}

	updates, linear, err := Updates(ctx, w.repo, base, head)
	if err != nil {
		return false, err
	}
	if !linear {
		// base arrived through a merge's second parent.
		return w.rebuild(ctx, base, head, "merged history")
	}

	if !w.index.ApplyChanges(base, head, updates) {
		return false, nil
	}
	w.logger.Info("applied repository changes",
		zap.Stringer("from", base),
		zap.Stringer("to", head),
		zap.Int("updates", len(updates)),
	)
	return true, nil
}

func (w *Watcher) rebuild(ctx context.Context, base, head plumbing.Hash, reason string) (bool, error) {
	snap, err := Rebuild(ctx, w.repo, head)
	if err != nil {
		return false, err
	}
	if !w.index.Replace(base, snap) {
		return false, nil
	}
	w.logger.Info("rebuilt index",
		zap.String("reason", reason),
		zap.Stringer("head", head),
		zap.Int("pages", snap.Len()),
	)
	return true, nil
}

// Rebuild indexes the whole tree of head from scratch.
func Rebuild(ctx context.Context, r *repo.Repository, head plumbing.Hash) (*index.Snapshot, error) {
	entries, err := r.Walk(head)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}

	touches, err := r.LastModified(ctx, head, paths)
	if err != nil {
		return nil, err
	}
	fallback, err := r.CommitInfo(head)
	if err != nil {
		return nil, err
	}

	pages := make([]index.Page, 0, len(entries))
	for _, e := range entries {
		t, ok := touches[e.Path]
		if !ok {
			t = repo.Touch{Commit: fallback}
		}
		pages = append(pages, index.Page{
			Slug:        e.Path,
			Path:        e.Path,
			Hash:        e.Hash,
			Commit:      t.Commit.ID,
			Modified:    t.Commit.When,
			RenamedFrom: t.RenamedFrom,
		})
	}
	return index.NewSnapshot(head, pages), nil
}

// Updates computes the index updates that move an index at base to head.
// Besides the net tree changes it re-attributes paths that were changed and
// changed back in between, so the result matches Rebuild(head). linear is
// false when head does not reach base along first parents.
func Updates(ctx context.Context, r *repo.Repository, base, head plumbing.Hash) ([]index.Update, bool, error) {
	touched, linear, err := r.TouchedSince(ctx, base, head)
	if err != nil || !linear {
		return nil, linear, err
	}
	changes, err := r.DiffTrees(ctx, base, head)
	if err != nil {
		return nil, false, err
	}

	var fallback *repo.CommitInfo
	attribute := func(path string) (repo.Touch, error) {
		if t, ok := touched[path]; ok && !t.Removed {
			return t, nil
		}
		if fallback == nil {
			info, err := r.CommitInfo(head)
			if err != nil {
				return repo.Touch{}, err
			}
			fallback = &info
		}
		return repo.Touch{Commit: *fallback}, nil
	}

	updates := make([]index.Update, 0, len(changes))
	seen := make(map[string]struct{}, len(changes))
	for _, ch := range changes {
		seen[ch.Path] = struct{}{}
		if ch.Kind == repo.Renamed {
			seen[ch.OldPath] = struct{}{}
		}
		if ch.Kind == repo.Removed {
			updates = append(updates, index.Update{Change: ch, Commit: head})
			continue
		}
		t, err := attribute(ch.Path)
		if err != nil {
			return nil, false, err
		}
		updates = append(updates, index.Update{
			Change:      ch,
			Commit:      t.Commit.ID,
			When:        t.Commit.When,
			RenamedFrom: t.RenamedFrom,
		})
	}

	for _, path := range slices.Sorted(maps.Keys(touched)) {
		t := touched[path]
		if _, ok := seen[path]; ok || t.Removed {
			continue
		}
		h, err := r.BlobHash(path, head)
		if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrIsDir) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		updates = append(updates, index.Update{
			Change:      repo.Change{Path: path, Kind: repo.Modified, Hash: h},
			Commit:      t.Commit.ID,
			When:        t.Commit.When,
			RenamedFrom: t.RenamedFrom,
		})
	}
	return updates, true, nil
}
