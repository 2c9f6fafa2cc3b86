// Package repo is the handle on the on-disk Git repository backing the wiki.
// It exposes the primitive reads and the single commit primitive the rest
// of the store is built on. Object access goes through go-git; the branch
// reference is updated with Git's own lock-file protocol so that commits
// made here and by external git processes exclude each other.
package repo

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperr "smeagol/internal/errors"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// RootMessage is the message of the commit created on an unborn branch.
const RootMessage = "Root commit"

type Repository struct {
	path   string
	gitDir string
	branch plumbing.ReferenceName

	// go-git storage is not safe for concurrent use. mu is held for each
	// primitive object access, never across a whole commit.
	mu  sync.Mutex
	git *git.Repository

	logger *zap.Logger
	now    func() time.Time
}

// Open opens the repository at path and tracks branch. An unborn branch
// receives an empty root commit so that the head always names a commit.
// A non-bare repository is refused when branch is checked out in its work
// tree, since commits made here never reach the work tree or the git index.
func Open(path, branch string, author Author, logger *zap.Logger) (*Repository, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path for %s: %w", path, err)
	}

	g, err := git.PlainOpen(abs)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNoRepository, abs)
		}
		return nil, apperr.IOError("opening repository", err)
	}

	r := newRepository(abs, g, branch, logger)
	if err := r.checkWorkTree(); err != nil {
		return nil, err
	}
	if err := r.ensureBranch(author); err != nil {
		return nil, err
	}
	return r, nil
}

// Init creates a bare repository at path whose HEAD points at branch and
// opens it. An existing repository is opened instead.
func Init(path, branch string, author Author, logger *zap.Logger) (*Repository, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path for %s: %w", path, err)
	}

	g, err := git.PlainInit(abs, true)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryAlreadyExists) {
			return Open(abs, branch, author, logger)
		}
		return nil, apperr.IOError("initializing repository", err)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	if err := g.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, ref)); err != nil {
		return nil, apperr.IOError("pointing HEAD at branch", err)
	}

	r := newRepository(abs, g, branch, logger)
	if err := r.ensureBranch(author); err != nil {
		return nil, err
	}
	return r, nil
}

func newRepository(abs string, g *git.Repository, branch string, logger *zap.Logger) *Repository {
	gitDir := abs
	if info, err := os.Stat(filepath.Join(abs, git.GitDirName)); err == nil && info.IsDir() {
		gitDir = filepath.Join(abs, git.GitDirName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		path:   abs,
		gitDir: gitDir,
		branch: plumbing.NewBranchReferenceName(branch),
		git:    g,
		logger: logger,
		now:    time.Now,
	}
}

func (r *Repository) checkWorkTree() error {
	if r.gitDir == r.path {
		return nil
	}
	head, err := r.git.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return apperr.IOError("reading HEAD", err)
	}
	if head.Type() == plumbing.SymbolicReference && head.Target() == r.branch {
		return fmt.Errorf("%w: %s in %s; use a bare repository or track another branch",
			ErrCheckedOut, r.branch.Short(), r.path)
	}
	return nil
}

func (r *Repository) ensureBranch(author Author) error {
	_, err := r.CurrentHead()
	if err == nil || !errors.Is(err, ErrUnbornBranch) {
		return err
	}

	r.mu.Lock()
	tree, err := r.storeTree(nil)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	root, err := r.storeCommit(tree, nil, author, RootMessage, r.now())
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if err := r.advance(plumbing.ZeroHash, root, author, "commit (initial): "+RootMessage); err != nil {
		return fmt.Errorf("creating root commit: %w", err)
	}
	r.logger.Info("created root commit on unborn branch",
		zap.String("branch", r.branch.Short()),
		zap.Stringer("commit", root),
	)
	return nil
}

// Path is the repository location (the work tree for non-bare repositories).
func (r *Repository) Path() string { return r.path }

// GitDir is the directory holding HEAD, refs and objects.
func (r *Repository) GitDir() string { return r.gitDir }

// Branch is the short name of the tracked branch.
func (r *Repository) Branch() string { return r.branch.Short() }

// RefPath is the loose reference file of the tracked branch.
func (r *Repository) RefPath() string {
	return filepath.Join(r.gitDir, filepath.FromSlash(r.branch.String()))
}

// CurrentHead returns the commit the tracked branch points at.
func (r *Repository) CurrentHead() (plumbing.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentHead()
}

func (r *Repository) currentHead() (plumbing.Hash, error) {
	ref, err := r.git.Storer.Reference(r.branch)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrUnbornBranch, r.branch.Short())
		}
		return plumbing.ZeroHash, apperr.IOError("reading branch reference", err)
	}
	if ref.Type() != plumbing.HashReference {
		return plumbing.ZeroHash, apperr.Corrupt("branch reference is symbolic: "+ref.String(), nil)
	}
	if ref.Hash().IsZero() {
		return plumbing.ZeroHash, apperr.Corrupt("branch reference does not hold a commit id", nil)
	}
	return ref.Hash(), nil
}

// ReadBlob returns the content of path as of commit.
func (r *Repository) ReadBlob(path string, commit plumbing.Hash) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.commitObject(commit)
	if err != nil {
		return nil, err
	}
	h, err := r.blobHashAt(c, path)
	if err != nil {
		return nil, err
	}
	return r.readBlob(h)
}

// BlobHash returns the blob id of path as of commit.
func (r *Repository) BlobHash(path string, commit plumbing.Hash) (plumbing.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.commitObject(commit)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return r.blobHashAt(c, path)
}

// BlobByHash reads a blob by id.
func (r *Repository) BlobByHash(h plumbing.Hash) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readBlob(h)
}

// CommitInfo returns the metadata of commit id.
func (r *Repository) CommitInfo(id plumbing.Hash) (CommitInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.commitObject(id)
	if err != nil {
		return CommitInfo{}, err
	}
	return infoFrom(c), nil
}

// IsAncestor reports whether a is reachable from b. A commit is its own ancestor.
func (r *Repository) IsAncestor(a, b plumbing.Hash) (bool, error) {
	if a == b {
		return true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ac, err := r.commitObject(a)
	if err != nil {
		return false, err
	}
	bc, err := r.commitObject(b)
	if err != nil {
		return false, err
	}
	ok, err := ac.IsAncestor(bc)
	if err != nil {
		return false, objectErr("walking ancestry", err)
	}
	return ok, nil
}

func (r *Repository) commitObject(id plumbing.Hash) (*object.Commit, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: zero id", ErrRevisionNotFound)
	}
	c, err := r.git.CommitObject(id)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRevisionNotFound, id)
		}
		return nil, objectErr("reading commit", err)
	}
	return c, nil
}

func (r *Repository) treeOf(c *object.Commit) (*object.Tree, error) {
	t, err := c.Tree()
	if err != nil {
		return nil, objectErr("reading tree of "+c.Hash.String(), err)
	}
	return t, nil
}

func (r *Repository) blobHashAt(c *object.Commit, path string) (plumbing.Hash, error) {
	tree, err := r.treeOf(c)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	entry, err := tree.FindEntry(path)
	if err != nil {
		if isMissingEntry(err) {
			return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return plumbing.ZeroHash, objectErr("finding "+path, err)
	}
	if !entry.Mode.IsFile() {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrIsDir, path)
	}
	return entry.Hash, nil
}

// pathHash is blobHashAt with absence (or a directory) reported as the zero hash.
func (r *Repository) pathHash(c *object.Commit, path string) (plumbing.Hash, error) {
	h, err := r.blobHashAt(c, path)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIsDir) {
		return plumbing.ZeroHash, nil
	}
	return h, err
}

func (r *Repository) readBlob(h plumbing.Hash) ([]byte, error) {
	blob, err := r.git.BlobObject(h)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, h)
		}
		return nil, objectErr("reading blob", err)
	}
	rd, err := blob.Reader()
	if err != nil {
		return nil, objectErr("opening blob", err)
	}
	defer rd.Close()

	content, err := io.ReadAll(rd)
	if err != nil {
		return nil, objectErr("reading blob content", err)
	}
	return content, nil
}

// FindEntry reports a file in place of a directory as a missing object.
func isMissingEntry(err error) bool {
	return errors.Is(err, object.ErrEntryNotFound) ||
		errors.Is(err, object.ErrDirectoryNotFound) ||
		errors.Is(err, object.ErrFileNotFound) ||
		errors.Is(err, plumbing.ErrObjectNotFound)
}

func objectErr(op string, err error) error {
	var pathErr *fs.PathError
	switch {
	case errors.As(err, &pathErr):
		return apperr.IOError(op, err)
	case errors.Is(err, plumbing.ErrObjectNotFound), errors.Is(err, plumbing.ErrInvalidType):
		return apperr.Corrupt(op, err)
	}
	return apperr.IOError(op, err)
}
