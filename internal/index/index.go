// Package index holds the in-memory page index. Readers load an immutable
// snapshot through an atomic pointer; writers build a modified copy and
// publish it with a single swap, so a reader sees either the whole old
// head or the whole new head.
package index

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	apperr "smeagol/internal/errors"
	"smeagol/internal/repo"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

var ErrPageNotFound = apperr.NotFound("page not found")

// Update is one tree change attributed to the commit that last touched its
// path. RenamedFrom is set when that commit moved the page.
type Update struct {
	Change      repo.Change
	Commit      plumbing.Hash
	When        time.Time
	RenamedFrom string
}

// Snapshot is the page set of one head commit. It is never modified after
// publication.
type Snapshot struct {
	head  plumbing.Hash
	pages map[string]Page
}

// NewSnapshot builds a snapshot of pages at head.
func NewSnapshot(head plumbing.Hash, pages []Page) *Snapshot {
	m := make(map[string]Page, len(pages))
	for _, p := range pages {
		m[p.Slug] = p
	}
	return &Snapshot{head: head, pages: m}
}

func (s *Snapshot) Head() plumbing.Hash { return s.head }

func (s *Snapshot) Len() int { return len(s.pages) }

func (s *Snapshot) Lookup(slug string) (Page, error) {
	p, ok := s.pages[slug]
	if !ok {
		return Page{}, fmt.Errorf("%w: %s", ErrPageNotFound, slug)
	}
	return p, nil
}

// Pages returns the pages sorted by slug.
func (s *Snapshot) Pages() []Page {
	out := make([]Page, 0, len(s.pages))
	for _, slug := range slices.Sorted(maps.Keys(s.pages)) {
		out = append(out, s.pages[slug])
	}
	return out
}

// Equal reports whether both snapshots describe the same head and pages.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.head != o.head || len(s.pages) != len(o.pages) {
		return false
	}
	for slug, p := range s.pages {
		q, ok := o.pages[slug]
		if !ok || !p.Modified.Equal(q.Modified) {
			return false
		}
		p.Modified, q.Modified = time.Time{}, time.Time{}
		if p != q {
			return false
		}
	}
	return true
}

func (s *Snapshot) apply(head plumbing.Hash, updates []Update) *Snapshot {
	next := &Snapshot{head: head, pages: maps.Clone(s.pages)}
	if next.pages == nil {
		next.pages = make(map[string]Page)
	}

	// Removals first so that a path vacated and re-added in the same batch
	// ends up present.
	for _, u := range updates {
		switch u.Change.Kind {
		case repo.Removed:
			delete(next.pages, u.Change.Path)
		case repo.Renamed:
			delete(next.pages, u.Change.OldPath)
		}
	}

	for _, u := range updates {
		ch := u.Change
		if ch.Kind == repo.Removed {
			continue
		}
		next.pages[ch.Path] = Page{
			Slug:        ch.Path,
			Path:        ch.Path,
			Hash:        ch.Hash,
			Commit:      u.Commit,
			Modified:    u.When,
			RenamedFrom: u.RenamedFrom,
		}
	}
	return next
}

// Index publishes snapshots. Writers are serialized; readers never block.
type Index struct {
	cur atomic.Pointer[Snapshot]

	mu        sync.Mutex
	onPublish func(*Snapshot)
	logger    *zap.Logger
}

// New returns an empty index with no head.
func New(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	x := &Index{logger: logger}
	x.cur.Store(NewSnapshot(plumbing.ZeroHash, nil))
	return x
}

// Snapshot returns the current snapshot.
func (x *Index) Snapshot() *Snapshot { return x.cur.Load() }

// Head is the commit the current snapshot was built from.
func (x *Index) Head() plumbing.Hash { return x.cur.Load().head }

func (x *Index) Lookup(slug string) (Page, error) {
	return x.cur.Load().Lookup(slug)
}

// OnPublish registers fn to run after each published snapshot, in
// publication order. fn must not block.
func (x *Index) OnPublish(fn func(*Snapshot)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.onPublish = fn
}

// ApplyChanges moves the index from base to newHead by applying updates.
// It returns false without changes when the index is no longer at base; the
// caller must recompute its updates against the current head. Applying a
// newHead the index already holds is a no-op that returns true.
func (x *Index) ApplyChanges(base, newHead plumbing.Hash, updates []Update) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.cur.Load()
	if cur.head == newHead {
		return true
	}
	if cur.head != base {
		x.logger.Debug("stale index update",
			zap.Stringer("index_head", cur.head),
			zap.Stringer("base", base),
			zap.Stringer("new_head", newHead),
		)
		return false
	}

	x.publish(cur.apply(newHead, updates))
	return true
}

// Replace swaps in a fully rebuilt snapshot if the index is still at base.
func (x *Index) Replace(base plumbing.Hash, s *Snapshot) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.cur.Load()
	if cur.head == s.head {
		return true
	}
	if cur.head != base {
		return false
	}
	x.publish(s)
	return true
}

// Seed installs s if the index has never been loaded.
func (x *Index) Seed(s *Snapshot) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.cur.Load().head.IsZero() {
		return false
	}
	x.publish(s)
	return true
}

func (x *Index) publish(s *Snapshot) {
	x.cur.Store(s)
	if x.onPublish != nil {
		x.onPublish(s)
	}
}
