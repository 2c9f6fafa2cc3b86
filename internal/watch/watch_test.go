package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"smeagol/internal/index"
	"smeagol/internal/repo"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testAuthor = repo.Author{Name: "tester", Email: "tester@example.com"}

type fixture struct {
	repo     *repo.Repository
	external *repo.Repository
	index    *index.Index
	watcher  *Watcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	path := filepath.Join(t.TempDir(), "wiki.git")

	r, err := repo.Init(path, "main", testAuthor, logger)
	require.NoError(t, err)
	// A second handle stands in for git tooling outside the process.
	ext, err := repo.Open(path, "main", testAuthor, logger)
	require.NoError(t, err)

	x := index.New(logger)
	return &fixture{repo: r, external: ext, index: x, watcher: New(r, x, cfg, logger)}
}

func (f *fixture) commit(t *testing.T, changes ...repo.FileChange) plumbing.Hash {
	t.Helper()
	head, err := f.external.CurrentHead()
	require.NoError(t, err)
	id, err := f.external.Commit(changes, head, testAuthor, "external")
	require.NoError(t, err)
	return id
}

func write(path, content string) repo.FileChange {
	return repo.FileChange{Path: path, Content: []byte(content)}
}

func remove(path string) repo.FileChange {
	return repo.FileChange{Path: path, Delete: true}
}

func (f *fixture) assertConverged(t *testing.T) {
	t.Helper()
	head, err := f.repo.CurrentHead()
	require.NoError(t, err)
	want, err := Rebuild(context.Background(), f.repo, head)
	require.NoError(t, err)

	got := f.index.Snapshot()
	assert.Equal(t, head, got.Head())
	assert.True(t, want.Equal(got), "index differs from rebuild:\nwant %v\ngot  %v", want.Pages(), got.Pages())
}

func TestSyncInitialLoad(t *testing.T) {
	f := newFixture(t, Config{})
	f.commit(t, write("index.md", "home"), write("notes/a.md", "a"))

	require.NoError(t, f.watcher.Sync(context.Background()))
	f.assertConverged(t)

	page, err := f.index.Lookup("notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, plumbing.ComputeHash(plumbing.BlobObject, []byte("a")), page.Hash)
}

func TestSyncIncremental(t *testing.T) {
	f := newFixture(t, Config{})
	f.commit(t, write("a.md", "a"), write("b.md", "b"), write("c.md", "some longer content that survives a move\n"))
	require.NoError(t, f.watcher.Sync(context.Background()))
	before := f.index.Snapshot()

	added := f.commit(t, write("d.md", "d"), write("a.md", "a2"))
	f.commit(t, remove("b.md"))
	moved := f.commit(t, remove("c.md"), write("archive/c.md", "some longer content that survives a move\n"))

	require.NoError(t, f.watcher.Sync(context.Background()))
	f.assertConverged(t)

	_, err := f.index.Lookup("b.md")
	assert.Error(t, err)
	page, err := f.index.Lookup("d.md")
	require.NoError(t, err)
	assert.Equal(t, added, page.Commit)
	page, err = f.index.Lookup("archive/c.md")
	require.NoError(t, err)
	assert.Equal(t, moved, page.Commit)
	assert.Equal(t, "c.md", page.RenamedFrom)

	// The old snapshot is untouched.
	_, err = before.Lookup("b.md")
	assert.NoError(t, err)
}

func TestSyncReattributesRevertedEdits(t *testing.T) {
	f := newFixture(t, Config{})
	f.commit(t, write("a.md", "x"), write("b.md", "b"))
	require.NoError(t, f.watcher.Sync(context.Background()))

	f.commit(t, write("a.md", "y"))
	reverted := f.commit(t, write("a.md", "x"))

	require.NoError(t, f.watcher.Sync(context.Background()))
	f.assertConverged(t)

	page, err := f.index.Lookup("a.md")
	require.NoError(t, err)
	assert.Equal(t, reverted, page.Commit)
}

func TestSyncNoopWhenCurrent(t *testing.T) {
	f := newFixture(t, Config{})
	f.commit(t, write("a.md", "a"))
	require.NoError(t, f.watcher.Sync(context.Background()))
	snap := f.index.Snapshot()

	require.NoError(t, f.watcher.Sync(context.Background()))
	assert.Same(t, snap, f.index.Snapshot())
}

func TestSyncRebuildsAfterHistoryRewrite(t *testing.T) {
	f := newFixture(t, Config{})
	root, err := f.repo.CurrentHead()
	require.NoError(t, err)

	f.commit(t, write("old.md", "old"))
	require.NoError(t, f.watcher.Sync(context.Background()))

	// Force-push: point the branch back at root and commit a divergent line.
	require.NoError(t, os.WriteFile(f.repo.RefPath(), []byte(root.String()+"\n"), 0o644))
	f.commit(t, write("new.md", "new"))

	require.NoError(t, f.watcher.Sync(context.Background()))
	f.assertConverged(t)

	_, err = f.index.Lookup("old.md")
	assert.Error(t, err)
	_, err = f.index.Lookup("new.md")
	assert.NoError(t, err)
}

func TestSyncRebuildsWhenIndexedCommitIsGone(t *testing.T) {
	f := newFixture(t, Config{})
	f.commit(t, write("a.md", "a"))

	missing := plumbing.NewHash("0123456789012345678901234567890123456789")
	require.True(t, f.index.Seed(index.NewSnapshot(missing, []index.Page{{Slug: "ghost.md", Path: "ghost.md"}})))

	require.NoError(t, f.watcher.Sync(context.Background()))
	f.assertConverged(t)
	_, err := f.index.Lookup("ghost.md")
	assert.Error(t, err)
}

func TestSyncCatchesUpFromSeed(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.commit(t, write("a.md", "a"))
	seed, err := Rebuild(context.Background(), f.repo, first)
	require.NoError(t, err)
	require.True(t, f.index.Seed(seed))

	f.commit(t, write("b.md", "b"))
	require.NoError(t, f.watcher.Sync(context.Background()))
	f.assertConverged(t)
}

func TestRunPicksUpExternalCommits(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 50 * time.Millisecond, Debounce: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.watcher.Run(ctx) }()

	id := f.commit(t, write("external.md", "hello"))
	require.Eventually(t, func() bool {
		page, err := f.index.Lookup("external.md")
		return err == nil && page.Commit == id
	}, 5*time.Second, 10*time.Millisecond)

	f.watcher.Notify()
	f.watcher.Notify()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	f.assertConverged(t)
}

func TestRunRetriesAfterReadErrors(t *testing.T) {
	f := newFixture(t, Config{
		PollInterval:   time.Hour,
		Debounce:       10 * time.Millisecond,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})
	good := f.commit(t, write("a.md", "a"))

	// A ref the repository cannot resolve, as seen mid-way through a
	// botched external update.
	require.NoError(t, os.WriteFile(f.repo.RefPath(), []byte("garbage\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.watcher.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, f.index.Head().IsZero())

	require.NoError(t, os.WriteFile(f.repo.RefPath(), []byte(good.String()+"\n"), 0o644))
	require.Eventually(t, func() bool {
		return f.index.Head() == good
	}, 5*time.Second, 10*time.Millisecond)
}
