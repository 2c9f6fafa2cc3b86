package repo

import (
	"encoding/json"
	"fmt"
	"time"

	apperr "smeagol/internal/errors"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	ErrNotFound         = apperr.NotFound("path not found")
	ErrRevisionNotFound = apperr.NotFound("revision not found")
	ErrUnbornBranch     = apperr.NotFound("branch has no commits")
	ErrNoRepository     = apperr.NotFound("repository does not exist")
	ErrConflict         = apperr.Conflict("branch moved since parent was read", nil)
	ErrLocked           = apperr.Busy("branch reference is locked by another git process", time.Second)
	ErrIsDir            = apperr.ValidationError("path is a directory", nil)
	ErrCannotCreate     = apperr.ValidationError("cannot create file at that location", nil)
	ErrNoChanges        = apperr.ValidationError("commit has no changes", nil)
	ErrCheckedOut       = apperr.ValidationError("branch is checked out in a work tree", nil)
)

// ChangeKind classifies one path in a tree diff.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
	Renamed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Change is a file-level difference between two trees. Hash is the blob on
// the new side and is zero for Removed. OldPath is only set for Renamed.
type Change struct {
	Path    string
	OldPath string
	Kind    ChangeKind
	Hash    plumbing.Hash
}

// FileChange is one path edit applied by Commit.
type FileChange struct {
	Path    string
	Content []byte
	Delete  bool
}

// Entry is a file of a tree.
type Entry struct {
	Path string
	Hash plumbing.Hash
}

type Author struct {
	Name  string
	Email string
}

func (a Author) signature(when time.Time) object.Signature {
	return object.Signature{Name: a.Name, Email: a.Email, When: when}
}

// Touch attributes a path to the commit that last changed it. RenamedFrom is
// set when that commit moved the path from another name; Removed when it
// deleted the path.
type Touch struct {
	Commit      CommitInfo
	RenamedFrom string
	Removed     bool
}

// CommitInfo is the immutable metadata of a commit.
type CommitInfo struct {
	ID      plumbing.Hash
	Parents []plumbing.Hash
	Tree    plumbing.Hash
	Author  string
	Email   string
	Message string
	When    time.Time
}

type commitJSON struct {
	ID      string    `json:"id"`
	Parents []string  `json:"parents"`
	Tree    string    `json:"tree"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
}

func (c CommitInfo) MarshalJSON() ([]byte, error) {
	parents := make([]string, len(c.Parents))
	for i, p := range c.Parents {
		parents[i] = p.String()
	}
	return json.Marshal(commitJSON{
		ID:      c.ID.String(),
		Parents: parents,
		Tree:    c.Tree.String(),
		Author:  c.Author,
		Email:   c.Email,
		Message: c.Message,
		When:    c.When,
	})
}

func (c *CommitInfo) UnmarshalJSON(b []byte) error {
	var v commitJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parents := make([]plumbing.Hash, len(v.Parents))
	for i, p := range v.Parents {
		parents[i] = plumbing.NewHash(p)
	}
	*c = CommitInfo{
		ID:      plumbing.NewHash(v.ID),
		Parents: parents,
		Tree:    plumbing.NewHash(v.Tree),
		Author:  v.Author,
		Email:   v.Email,
		Message: v.Message,
		When:    v.When,
	}
	return nil
}

func infoFrom(c *object.Commit) CommitInfo {
	parents := make([]plumbing.Hash, len(c.ParentHashes))
	copy(parents, c.ParentHashes)
	return CommitInfo{
		ID:      c.Hash,
		Parents: parents,
		Tree:    c.TreeHash,
		Author:  c.Author.Name,
		Email:   c.Author.Email,
		Message: c.Message,
		When:    c.Author.When,
	}
}
