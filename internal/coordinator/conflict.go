package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"

	"smeagol/internal/diff"
	apperr "smeagol/internal/errors"
	"smeagol/internal/repo"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// State is the stage an edit is in.
type State int

const (
	Received State = iota
	Validating
	Committing
	Succeeded
	Conflicted
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Validating:
		return "validating"
	case Committing:
		return "committing"
	case Succeeded:
		return "succeeded"
	case Conflicted:
		return "conflicted"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := Received; st <= Failed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown edit state %q", b)
}

// Conflict is what an author needs to merge by hand: the page at the base
// they edited, at the current head, their proposal, and the two diffs from
// base. Missing pages have empty content.
type Conflict struct {
	Slug     string
	Base     plumbing.Hash
	Head     plumbing.Hash
	BaseText []byte
	HeadText []byte
	Proposed []byte
	Theirs   *diff.DiffResult // base -> head
	Ours     *diff.DiffResult // base -> proposed
}

type conflictJSON struct {
	Slug     string           `json:"slug"`
	Base     string           `json:"base"`
	Head     string           `json:"head"`
	BaseText string           `json:"base_content"`
	HeadText string           `json:"head_content"`
	Proposed string           `json:"proposed_content"`
	Theirs   *diff.DiffResult `json:"head_diff"`
	Ours     *diff.DiffResult `json:"proposed_diff"`
}

func (c *Conflict) MarshalJSON() ([]byte, error) {
	return json.Marshal(conflictJSON{
		Slug:     c.Slug,
		Base:     c.Base.String(),
		Head:     c.Head.String(),
		BaseText: string(c.BaseText),
		HeadText: string(c.HeadText),
		Proposed: string(c.Proposed),
		Theirs:   c.Theirs,
		Ours:     c.Ours,
	})
}

func (c *Conflict) UnmarshalJSON(b []byte) error {
	var v conflictJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*c = Conflict{
		Slug:     v.Slug,
		Base:     plumbing.NewHash(v.Base),
		Head:     plumbing.NewHash(v.Head),
		BaseText: []byte(v.BaseText),
		HeadText: []byte(v.HeadText),
		Proposed: []byte(v.Proposed),
		Theirs:   v.Theirs,
		Ours:     v.Ours,
	}
	return nil
}

// conflict builds the CONFLICT error for an edit whose base is stale
// against head.
func (c *Coordinator) conflict(s string, e Edit, head plumbing.Hash) error {
	baseText, err := c.readOrEmpty(s, e.Base)
	if err != nil {
		return err
	}
	headText, err := c.readOrEmpty(s, head)
	if err != nil {
		return err
	}

	details := &Conflict{
		Slug:     s,
		Base:     e.Base,
		Head:     head,
		BaseText: baseText,
		HeadText: headText,
		Proposed: e.Content,
		Theirs:   c.diff.Diff(baseText, headText),
		Ours:     c.diff.Diff(baseText, e.Content),
	}
	c.logger.Info("edit conflicts with newer revision",
		zap.String("slug", s),
		zap.Stringer("base", e.Base),
		zap.Stringer("head", head),
	)
	return apperr.Conflict(fmt.Sprintf("%s changed since revision %s", s, e.Base), details)
}

func (c *Coordinator) readOrEmpty(s string, commit plumbing.Hash) ([]byte, error) {
	b, err := c.repo.ReadBlob(s, commit)
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrIsDir) {
		return nil, nil
	}
	return b, err
}
