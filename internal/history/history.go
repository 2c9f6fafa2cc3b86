// Package history answers read-only questions about past revisions of a
// page: its log, its content at a commit and line diffs between commits.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"iter"

	"smeagol/internal/diff"
	"smeagol/internal/repo"
	"smeagol/internal/safe"
	"smeagol/internal/slug"

	"github.com/go-git/go-git/v5/plumbing"
)

// Ref names a page as of a commit.
type Ref struct {
	Slug   string
	Commit plumbing.Hash
}

// Revision is one commit in the log of a page. Slug is the page's path at
// that commit, which differs from the requested slug before a rename.
type Revision struct {
	Slug        string
	Commit      repo.CommitInfo
	Hash        plumbing.Hash // zero when Deleted
	Deleted     bool
	RenamedFrom string
}

type revisionJSON struct {
	Slug        string          `json:"slug"`
	Commit      repo.CommitInfo `json:"commit"`
	Hash        string          `json:"hash,omitempty"`
	Deleted     bool            `json:"deleted,omitempty"`
	RenamedFrom string          `json:"renamed_from,omitempty"`
}

func (r Revision) MarshalJSON() ([]byte, error) {
	v := revisionJSON{Slug: r.Slug, Commit: r.Commit, Deleted: r.Deleted, RenamedFrom: r.RenamedFrom}
	if !r.Hash.IsZero() {
		v.Hash = r.Hash.String()
	}
	return json.Marshal(v)
}

func (r *Revision) UnmarshalJSON(b []byte) error {
	var v revisionJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = Revision{Slug: v.Slug, Commit: v.Commit, Deleted: v.Deleted, RenamedFrom: v.RenamedFrom}
	if v.Hash != "" {
		r.Hash = plumbing.NewHash(v.Hash)
	}
	return nil
}

type Service struct {
	repo  *repo.Repository
	blobs *safe.Safe
	diff  *diff.Engine
}

func New(r *repo.Repository, blobs *safe.Safe, contextLines int) *Service {
	return &Service{repo: r, blobs: blobs, diff: diff.NewEngine(contextLines)}
}

// History yields the revisions of page s reachable from the branch head,
// newest first. Deletions are revisions too. When the oldest revision of a
// path moved it there by a rename, the log continues under the old path.
func (s *Service) History(ctx context.Context, page string) iter.Seq2[Revision, error] {
	return func(yield func(Revision, error) bool) {
		path, err := slug.Parse(page)
		if err != nil {
			yield(Revision{}, err)
			return
		}
		from, err := s.repo.CurrentHead()
		if err != nil {
			yield(Revision{}, err)
			return
		}

		for path != "" {
			var oldest Revision
			for info, err := range s.repo.LogForPath(path, from) {
				if err == nil {
					err = ctx.Err()
				}
				if err != nil {
					yield(Revision{}, err)
					return
				}
				rev, err := s.revision(ctx, path, info)
				if err != nil {
					yield(Revision{}, err)
					return
				}
				if !yield(rev, nil) {
					return
				}
				oldest = rev
			}

			path = oldest.RenamedFrom
			if path != "" {
				from = oldest.Commit.Parents[0]
			}
		}
	}
}

func (s *Service) revision(ctx context.Context, path string, info repo.CommitInfo) (Revision, error) {
	rev := Revision{Slug: path, Commit: info}

	h, err := s.repo.BlobHash(path, info.ID)
	switch {
	case isAbsent(err):
		rev.Deleted = true
		return rev, nil
	case err != nil:
		return Revision{}, err
	}
	rev.Hash = h

	if len(info.Parents) == 0 {
		return rev, nil
	}
	parent := info.Parents[0]
	if _, err := s.repo.BlobHash(path, parent); !isAbsent(err) {
		return rev, err
	}

	// Introduced here; look for a rename.
	changes, err := s.repo.DiffTrees(ctx, parent, info.ID)
	if err != nil {
		return Revision{}, err
	}
	for _, ch := range changes {
		if ch.Kind == repo.Renamed && ch.Path == path {
			rev.RenamedFrom = ch.OldPath
			break
		}
	}
	return rev, nil
}

// Read returns the content of the page at ref.
func (s *Service) Read(ref Ref) ([]byte, error) {
	path, err := slug.Parse(ref.Slug)
	if err != nil {
		return nil, err
	}
	h, err := s.repo.BlobHash(path, ref.Commit)
	if err != nil {
		return nil, err
	}
	return s.blobs.Get(h)
}

// Diff compares page s between commits a and b. A side on which the page
// does not exist is empty; an unknown commit is an error.
func (s *Service) Diff(page string, a, b plumbing.Hash) (*diff.DiffResult, error) {
	path, err := slug.Parse(page)
	if err != nil {
		return nil, err
	}
	before, err := s.contentOrEmpty(path, a)
	if err != nil {
		return nil, err
	}
	after, err := s.contentOrEmpty(path, b)
	if err != nil {
		return nil, err
	}
	return s.diff.Diff(before, after), nil
}

func (s *Service) contentOrEmpty(path string, commit plumbing.Hash) ([]byte, error) {
	b, err := s.Read(Ref{Slug: path, Commit: commit})
	if isAbsent(err) {
		return nil, nil
	}
	return b, err
}

func isAbsent(err error) bool {
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrIsDir)
}
