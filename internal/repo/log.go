package repo

import (
	"context"
	"iter"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// renameScore is the minimum similarity percentage for a remove/add pair to
// be reported as a rename.
const renameScore = 60

// DiffTrees lists the file-level changes from the tree of oldID to the tree
// of newID, sorted by path. A zero oldID diffs against the empty tree.
func (r *Repository) DiffTrees(ctx context.Context, oldID, newID plumbing.Hash) ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, err := r.treeOrEmpty(oldID)
	if err != nil {
		return nil, err
	}
	to, err := r.treeOrEmpty(newID)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTreeWithOptions(ctx, from, to, &object.DiffTreeOptions{
		DetectRenames: true,
		RenameScore:   renameScore,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, objectErr("diffing trees", err)
	}

	out := make([]Change, 0, len(changes))
	for _, ch := range changes {
		c, ok, err := convertChange(ch)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (r *Repository) treeOrEmpty(id plumbing.Hash) (*object.Tree, error) {
	if id.IsZero() {
		return &object.Tree{}, nil
	}
	c, err := r.commitObject(id)
	if err != nil {
		return nil, err
	}
	return r.treeOf(c)
}

func convertChange(ch *object.Change) (Change, bool, error) {
	action, err := ch.Action()
	if err != nil {
		return Change{}, false, objectErr("classifying change", err)
	}

	switch action {
	case merkletrie.Insert:
		if !ch.To.TreeEntry.Mode.IsFile() {
			return Change{}, false, nil
		}
		return Change{Path: ch.To.Name, Kind: Added, Hash: ch.To.TreeEntry.Hash}, true, nil
	case merkletrie.Delete:
		if !ch.From.TreeEntry.Mode.IsFile() {
			return Change{}, false, nil
		}
		return Change{Path: ch.From.Name, Kind: Removed}, true, nil
	}

	if !ch.To.TreeEntry.Mode.IsFile() {
		return Change{}, false, nil
	}
	if ch.From.Name != ch.To.Name {
		return Change{Path: ch.To.Name, OldPath: ch.From.Name, Kind: Renamed, Hash: ch.To.TreeEntry.Hash}, true, nil
	}
	return Change{Path: ch.To.Name, Kind: Modified, Hash: ch.To.TreeEntry.Hash}, true, nil
}

// Walk lists every file in the tree of commit.
func (r *Repository) Walk(commit plumbing.Hash) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.commitObject(commit)
	if err != nil {
		return nil, err
	}
	tree, err := r.treeOf(c)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	err = tree.Files().ForEach(func(f *object.File) error {
		if f.Mode.IsFile() {
			entries = append(entries, Entry{Path: f.Name, Hash: f.Hash})
		}
		return nil
	})
	if err != nil {
		return nil, objectErr("walking tree", err)
	}
	return entries, nil
}

// LogForPath yields the commits reachable from from along first parents in
// which the content of path differs from the first parent, newest first.
// Iteration stops at the first error, which is yielded.
func (r *Repository) LogForPath(path string, from plumbing.Hash) iter.Seq2[CommitInfo, error] {
	return func(yield func(CommitInfo, error) bool) {
		next := from
		for !next.IsZero() {
			info, parent, changed, err := r.logStep(path, next)
			if err != nil {
				yield(CommitInfo{}, err)
				return
			}
			if changed && !yield(info, nil) {
				return
			}
			next = parent
		}
	}
}

func (r *Repository) logStep(path string, id plumbing.Hash) (CommitInfo, plumbing.Hash, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.commitObject(id)
	if err != nil {
		return CommitInfo{}, plumbing.ZeroHash, false, err
	}
	cur, err := r.pathHash(c, path)
	if err != nil {
		return CommitInfo{}, plumbing.ZeroHash, false, err
	}

	parent, prev := plumbing.ZeroHash, plumbing.ZeroHash
	if len(c.ParentHashes) > 0 {
		parent = c.ParentHashes[0]
		pc, err := r.commitObject(parent)
		if err != nil {
			return CommitInfo{}, plumbing.ZeroHash, false, err
		}
		if prev, err = r.pathHash(pc, path); err != nil {
			return CommitInfo{}, plumbing.ZeroHash, false, err
		}
	}
	return infoFrom(c), parent, cur != prev, nil
}

// LastModified finds, for each path, the newest first-parent ancestor of head
// (head included) that changed it. Paths never touched along the first-parent
// chain are absent from the result.
func (r *Repository) LastModified(ctx context.Context, head plumbing.Hash, paths []string) (map[string]Touch, error) {
	pending := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		pending[p] = struct{}{}
	}
	out := make(map[string]Touch, len(paths))

	err := r.walkFirstParent(ctx, head, func(info CommitInfo, changed map[string]pathChange) bool {
		for p, ch := range changed {
			if _, ok := pending[p]; ok && !ch.removed {
				out[p] = Touch{Commit: info, RenamedFrom: ch.from}
				delete(pending, p)
			}
		}
		return len(pending) > 0
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TouchedSince attributes every path changed by the first-parent commits
// after base up to head to the newest of them that touched it. Paths whose
// newest touch removed them are reported with Removed set. linear is false
// when base is not on the first-parent chain of head; the result is then
// incomplete and must not be used.
func (r *Repository) TouchedSince(ctx context.Context, base, head plumbing.Hash) (touched map[string]Touch, linear bool, err error) {
	touched = make(map[string]Touch)
	err = r.walkFirstParent(ctx, head, func(info CommitInfo, changed map[string]pathChange) bool {
		if info.ID == base {
			linear = true
			return false
		}
		for p, ch := range changed {
			if _, seen := touched[p]; !seen {
				touched[p] = Touch{Commit: info, RenamedFrom: ch.from, Removed: ch.removed}
			}
		}
		return true
	})
	if err != nil {
		return nil, false, err
	}
	return touched, linear, nil
}

// walkFirstParent calls fn with each first-parent ancestor of head, newest
// first, until fn returns false or the root has been visited.
func (r *Repository) walkFirstParent(ctx context.Context, head plumbing.Hash, fn func(CommitInfo, map[string]pathChange) bool) error {
	next := head
	for !next.IsZero() {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, changed, err := r.changedPaths(ctx, next)
		if err != nil {
			return err
		}
		if !fn(info, changed) {
			return nil
		}
		next = plumbing.ZeroHash
		if len(info.Parents) > 0 {
			next = info.Parents[0]
		}
	}
	return nil
}

type pathChange struct {
	from    string // previous name when renamed
	removed bool
}

// changedPaths lists the paths commit id changes relative to its first parent.
func (r *Repository) changedPaths(ctx context.Context, id plumbing.Hash) (CommitInfo, map[string]pathChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.commitObject(id)
	if err != nil {
		return CommitInfo{}, nil, err
	}
	to, err := r.treeOf(c)
	if err != nil {
		return CommitInfo{}, nil, err
	}
	from := &object.Tree{}
	if len(c.ParentHashes) > 0 {
		if from, err = r.treeOrEmpty(c.ParentHashes[0]); err != nil {
			return CommitInfo{}, nil, err
		}
	}

	changes, err := object.DiffTreeWithOptions(ctx, from, to, &object.DiffTreeOptions{
		DetectRenames: true,
		RenameScore:   renameScore,
	})
	if err != nil {
		if ctx.Err() != nil {
			return CommitInfo{}, nil, ctx.Err()
		}
		return CommitInfo{}, nil, objectErr("diffing trees", err)
	}
	paths := make(map[string]pathChange, len(changes))
	for _, ch := range changes {
		chg, ok, err := convertChange(ch)
		if err != nil {
			return CommitInfo{}, nil, err
		}
		if !ok {
			continue
		}
		switch chg.Kind {
		case Removed:
			paths[chg.Path] = pathChange{removed: true}
		case Renamed:
			paths[chg.OldPath] = pathChange{removed: true}
			paths[chg.Path] = pathChange{from: chg.OldPath}
		default:
			paths[chg.Path] = pathChange{}
		}
	}
	return infoFrom(c), paths, nil
}
