package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperr "smeagol/internal/errors"
	"smeagol/internal/slug"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// Commit writes changes on top of parent and advances the branch to the new
// commit if and only if the branch still points at parent. Blobs, trees and
// the commit object are written first; the branch moves last, so a failed or
// conflicted commit leaves only unreachable objects behind.
func (r *Repository) Commit(changes []FileChange, parent plumbing.Hash, author Author, message string) (plumbing.Hash, error) {
	if len(changes) == 0 {
		return plumbing.ZeroHash, ErrNoChanges
	}

	edits := make(map[string]*plumbing.Hash, len(changes))
	for _, ch := range changes {
		if _, dup := edits[ch.Path]; dup {
			return plumbing.ZeroHash, apperr.ValidationError("path changed twice in one commit", map[string]string{"path": ch.Path})
		}
		if ch.Delete {
			edits[ch.Path] = nil
			continue
		}
		h, err := r.WriteBlob(ch.Content)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		edits[ch.Path] = &h
	}

	r.mu.Lock()
	next, err := r.writeCommit(parent, edits, author, message)
	r.mu.Unlock()
	if err != nil {
		return plumbing.ZeroHash, err
	}

	if err := r.advance(parent, next, author, "commit: "+subject(message)); err != nil {
		return plumbing.ZeroHash, err
	}

	r.logger.Debug("advanced branch",
		zap.String("branch", r.branch.Short()),
		zap.Stringer("parent", parent),
		zap.Stringer("commit", next),
		zap.Int("changes", len(changes)),
	)
	return next, nil
}

// WriteBlob stores content as a blob object and returns its id.
func (r *Repository) WriteBlob(content []byte) (plumbing.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj := r.git.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, apperr.IOError("opening blob writer", err)
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, apperr.IOError("writing blob", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, apperr.IOError("writing blob", err)
	}

	h, err := r.git.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, apperr.IOError("storing blob", err)
	}
	return h, nil
}

func (r *Repository) writeCommit(parent plumbing.Hash, edits map[string]*plumbing.Hash, author Author, message string) (plumbing.Hash, error) {
	pc, err := r.commitObject(parent)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	base, err := r.treeOf(pc)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	tree, _, err := r.writeTree(base, "", edits)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return r.storeCommit(tree, []plumbing.Hash{parent}, author, message, r.now())
}

// writeTree applies edits (a nil hash removes the path) to base, which may be
// nil for a new directory, and stores the resulting trees bottom-up. It
// returns the number of entries so that emptied directories can be pruned.
func (r *Repository) writeTree(base *object.Tree, prefix string, edits map[string]*plumbing.Hash) (plumbing.Hash, int, error) {
	entries := make(map[string]object.TreeEntry)
	if base != nil {
		for _, e := range base.Entries {
			entries[e.Name] = e
		}
	}

	nested := make(map[string]map[string]*plumbing.Hash)
	for p, h := range edits {
		first, rest := slug.Split(p)
		if rest != "" {
			if nested[first] == nil {
				nested[first] = make(map[string]*plumbing.Hash)
			}
			nested[first][rest] = h
			continue
		}

		full := prefix + first
		existing, ok := entries[first]
		if ok && existing.Mode == filemode.Dir {
			return plumbing.ZeroHash, 0, fmt.Errorf("%w: %s", ErrIsDir, full)
		}
		if h == nil {
			if !ok {
				return plumbing.ZeroHash, 0, fmt.Errorf("%w: %s", ErrNotFound, full)
			}
			delete(entries, first)
			continue
		}
		mode := filemode.Regular
		if ok && existing.Mode == filemode.Executable {
			mode = filemode.Executable
		}
		entries[first] = object.TreeEntry{Name: first, Mode: mode, Hash: *h}
	}

	for name, sub := range nested {
		full := prefix + name
		var subBase *object.Tree
		if existing, ok := entries[name]; ok {
			if existing.Mode != filemode.Dir {
				if hasWrite(sub) {
					return plumbing.ZeroHash, 0, fmt.Errorf("%w: %s is a file", ErrCannotCreate, full)
				}
				return plumbing.ZeroHash, 0, fmt.Errorf("%w: %s", ErrNotFound, full)
			}
			t, err := object.GetTree(r.git.Storer, existing.Hash)
			if err != nil {
				return plumbing.ZeroHash, 0, objectErr("reading tree "+full, err)
			}
			subBase = t
		}

		h, n, err := r.writeTree(subBase, full+"/", sub)
		if err != nil {
			return plumbing.ZeroHash, 0, err
		}
		if n == 0 {
			delete(entries, name)
			continue
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h}
	}

	list := make([]object.TreeEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	h, err := r.storeTree(list)
	if err != nil {
		return plumbing.ZeroHash, 0, err
	}
	return h, len(list), nil
}

func hasWrite(edits map[string]*plumbing.Hash) bool {
	for _, h := range edits {
		if h != nil {
			return true
		}
	}
	return false
}

// Git orders tree entries bytewise with directory names suffixed by "/".
func treeSortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func (r *Repository) storeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	sort.Slice(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})

	t := &object.Tree{Entries: entries}
	obj := r.git.Storer.NewEncodedObject()
	if err := t.Encode(obj); err != nil {
		return plumbing.ZeroHash, apperr.Internal("encoding tree", err)
	}
	h, err := r.git.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, apperr.IOError("storing tree", err)
	}
	return h, nil
}

func (r *Repository) storeCommit(tree plumbing.Hash, parents []plumbing.Hash, author Author, message string, when time.Time) (plumbing.Hash, error) {
	sig := author.signature(when)
	c := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := r.git.Storer.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		return plumbing.ZeroHash, apperr.Internal("encoding commit", err)
	}
	h, err := r.git.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, apperr.IOError("storing commit", err)
	}
	return h, nil
}

// advance moves the branch from parent to next using Git's lock protocol:
// the new value is written to "<ref>.lock", created exclusively, and renamed
// over the reference once the current value is confirmed to be parent. A
// zero parent requires the branch to be unborn. The update is recorded in
// the branch's reflog as "git update-ref" would.
func (r *Repository) advance(parent, next plumbing.Hash, who Author, reason string) error {
	refPath := r.RefPath()
	lockPath := refPath + ".lock"

	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return apperr.IOError("creating ref directory", err)
	}
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		return apperr.IOError("creating ref lock", err)
	}

	release := func() {
		f.Close()
		os.Remove(lockPath)
	}

	r.mu.Lock()
	cur, err := r.currentHead()
	r.mu.Unlock()
	switch {
	case errors.Is(err, ErrUnbornBranch):
		cur = plumbing.ZeroHash
	case err != nil:
		release()
		return err
	}
	if cur != parent {
		release()
		return fmt.Errorf("%w: %s is at %s, expected %s", ErrConflict, r.branch.Short(), short(cur), short(parent))
	}

	if _, err := f.WriteString(next.String() + "\n"); err != nil {
		release()
		return apperr.IOError("writing ref lock", err)
	}
	if err := f.Sync(); err != nil {
		release()
		return apperr.IOError("syncing ref lock", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(lockPath)
		return apperr.IOError("closing ref lock", err)
	}
	if err := os.Rename(lockPath, refPath); err != nil {
		os.Remove(lockPath)
		return apperr.IOError("renaming ref lock", err)
	}

	if err := r.appendReflog(parent, next, who, reason); err != nil {
		r.logger.Warn("writing reflog failed", zap.String("branch", r.branch.Short()), zap.Error(err))
	}
	return nil
}

// ReflogPath is the reflog file of the tracked branch.
func (r *Repository) ReflogPath() string {
	return filepath.Join(r.gitDir, "logs", filepath.FromSlash(r.branch.String()))
}

// appendReflog adds "<old> <new> <name> <<email>> <unix> <tz>\t<reason>".
func (r *Repository) appendReflog(old, next plumbing.Hash, who Author, reason string) error {
	path := r.ReflogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	now := r.now()
	_, err = fmt.Fprintf(f, "%s %s %s <%s> %d %s\t%s\n",
		old, next, who.Name, who.Email, now.Unix(), now.Format("-0700"), reason)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func subject(message string) string {
	message = strings.TrimSpace(message)
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		return message[:i]
	}
	return message
}

func short(h plumbing.Hash) string {
	if h.IsZero() {
		return "(none)"
	}
	return h.String()[:12]
}
