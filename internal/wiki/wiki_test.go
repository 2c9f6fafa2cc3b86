package wiki

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"smeagol/internal/config"
	"smeagol/internal/coordinator"
	apperr "smeagol/internal/errors"
	"smeagol/internal/history"
	"smeagol/internal/repo"
	"smeagol/internal/watch"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

var testAuthor = repo.Author{Name: "tester", Email: "tester@example.com"}

func testConfig(dir string) *config.Config {
	cfg := config.Default(filepath.Join(dir, "wiki.git"))
	cfg.Repository.Create = true
	cfg.Repository.PollIntervalMs = 50
	return cfg
}

func openTestWiki(t *testing.T, cfg *config.Config) *Wiki {
	t.Helper()
	w, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func put(t *testing.T, w *Wiki, slug, content string) *coordinator.Result {
	t.Helper()
	res, err := w.Submit(context.Background(), coordinator.Edit{Slug: slug, Content: []byte(content), Base: w.Head()})
	require.NoError(t, err)
	return res
}

func externalCommit(t *testing.T, path string, changes ...repo.FileChange) plumbing.Hash {
	t.Helper()
	r, err := repo.Open(path, "main", testAuthor, zaptest.NewLogger(t))
	require.NoError(t, err)
	head, err := r.CurrentHead()
	require.NoError(t, err)
	id, err := r.Commit(changes, head, testAuthor, "external")
	require.NoError(t, err)
	return id
}

func assertConverged(t require.TestingT, w *Wiki) {
	head, err := w.repo.CurrentHead()
	require.NoError(t, err)
	want, err := watch.Rebuild(context.Background(), w.repo, head)
	require.NoError(t, err)
	assert.True(t, want.Equal(w.Snapshot()), "index differs from a rebuild of %s", head)
}

func TestWriteReadRoundTrip(t *testing.T) {
	w := openTestWiki(t, testConfig(t.TempDir()))

	body := "# Welcome\n\nFirst page.\n"
	res := put(t, w, "index.md", body)

	doc, err := w.Load("index.md")
	require.NoError(t, err)
	assert.Equal(t, body, string(doc.Content))
	assert.Equal(t, res.Commit, doc.Page.Commit)
	assert.Equal(t, res.Commit, doc.Head)
	assert.Equal(t, "index.md", w.IndexPage())

	old, err := w.Read(history.Ref{Slug: "index.md", Commit: res.Commit})
	require.NoError(t, err)
	assert.Equal(t, body, string(old))

	second := put(t, w, "index.md", body+"More.\n")
	d, err := w.Diff("index.md", res.Commit, second.Commit)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Stats.Additions)

	var messages []string
	for rev, err := range w.History(context.Background(), "index.md") {
		require.NoError(t, err)
		messages = append(messages, rev.Commit.Message)
	}
	assert.Equal(t, []string{"Update index.md", "Create index.md"}, messages)
}

func TestLoadReadsOneSnapshot(t *testing.T) {
	w := openTestWiki(t, testConfig(t.TempDir()))
	put(t, w, "a.md", "v0")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 20; i++ {
			_, err := w.Submit(context.Background(), coordinator.Edit{
				Slug:    "a.md",
				Content: []byte(fmt.Sprintf("v%d", i)),
				Base:    w.Head(),
			})
			if err != nil {
				t.Errorf("edit %d: %v", i, err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		doc, err := w.Load("a.md")
		require.NoError(t, err)
		// The page must be the one the returned head holds.
		h, err := w.repo.BlobHash("a.md", doc.Head)
		require.NoError(t, err)
		require.Equal(t, h, doc.Page.Hash, "page and head come from different snapshots")
	}
}

func TestOpenMissingRepository(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Repository.Create = false

	_, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Equal(t, apperr.ErrorTypeNotFound, apperr.TypeOf(err))
}

func TestExternalCommitVisibleWithinOneCycle(t *testing.T) {
	cfg := testConfig(t.TempDir())
	w := openTestWiki(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	id := externalCommit(t, cfg.Repository.Path, repo.FileChange{Path: "pushed.md", Content: []byte("from elsewhere")})
	require.Eventually(t, func() bool {
		return w.Head() == id
	}, 5*time.Second, 10*time.Millisecond)

	doc, err := w.Load("pushed.md")
	require.NoError(t, err)
	assert.Equal(t, "from elsewhere", string(doc.Content))
}

func TestResolve(t *testing.T) {
	w := openTestWiki(t, testConfig(t.TempDir()))
	res := put(t, w, "a.md", "a")

	h, err := w.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, res.Commit, h)

	h, err = w.Resolve(res.Commit.String())
	require.NoError(t, err)
	assert.Equal(t, res.Commit, h)

	_, err = w.Resolve("not-a-hash")
	assert.Equal(t, apperr.ErrorTypeValidation, apperr.TypeOf(err))

	_, err = w.Resolve("1234567890123456789012345678901234567890")
	assert.ErrorIs(t, err, repo.ErrRevisionNotFound)
}

func TestCheckpointWarmStart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Cache.CheckpointPath = filepath.Join(dir, "checkpoint")

	w, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	put(t, w, "a.md", "a")
	last := put(t, w, "b.md", "b")
	require.NoError(t, w.Close())

	cp, err := openCheckpointer(cfg.Cache.CheckpointPath, "main", zap.NewNop())
	require.NoError(t, err)
	snap, err := cp.load()
	require.NoError(t, err)
	require.NoError(t, cp.db.Close())
	require.NotNil(t, snap)
	assert.Equal(t, last.Commit, snap.Head())
	assert.Equal(t, 2, snap.Len())

	// Changes made while the wiki was down are caught up on open.
	externalCommit(t, cfg.Repository.Path, repo.FileChange{Path: "c.md", Content: []byte("c")})

	w = openTestWiki(t, cfg)
	assertConverged(t, w)
	_, err = w.Lookup("c.md")
	assert.NoError(t, err)
}

func TestCheckpointFromOtherHistoryIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "checkpoint")

	other := testConfig(filepath.Join(dir, "other"))
	other.Cache.CheckpointPath = shared
	w, err := Open(context.Background(), other, zaptest.NewLogger(t))
	require.NoError(t, err)
	put(t, w, "ghost.md", "only in the other repository")
	require.NoError(t, w.Close())

	cfg := testConfig(filepath.Join(dir, "mine"))
	cfg.Cache.CheckpointPath = shared
	w = openTestWiki(t, cfg)

	assertConverged(t, w)
	_, err = w.Lookup("ghost.md")
	assert.Error(t, err)
}

func TestUnreadableCheckpointIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Cache.CheckpointPath = filepath.Join(dir, "checkpoint")

	cp, err := openCheckpointer(cfg.Cache.CheckpointPath, "main", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, cp.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(checkpointPrefix+":main"), []byte("{not json"))
	}))
	_, err = cp.load()
	require.Error(t, err)
	require.NoError(t, cp.discard())
	snap, err := cp.load()
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, cp.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(checkpointPrefix+":main"), []byte("{not json"))
	}))
	require.NoError(t, cp.db.Close())

	w, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	put(t, w, "a.md", "a")
	assertConverged(t, w)
	require.NoError(t, w.Close())

	cp, err = openCheckpointer(cfg.Cache.CheckpointPath, "main", zap.NewNop())
	require.NoError(t, err)
	defer cp.db.Close()
	snap, err = cp.load()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Len())
}

// The index converges to a rebuild of the branch head whatever mix of
// coordinated edits, external commits and history rewrites led there.
func TestIndexConvergence(t *testing.T) {
	slugs := []string{"a.md", "b.md", "dir/c.md", "dir/sub/d.md", "e.md"}
	bodies := []string{"alpha\n", "beta\n", "a longer body that is kept when the page moves\n", "gamma\n"}

	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp("", "smeagol-rapid-")
		require.NoError(rt, err)
		defer os.RemoveAll(dir)

		cfg := testConfig(dir)
		w, err := Open(context.Background(), cfg, zap.NewNop())
		require.NoError(rt, err)
		defer w.Close()

		ext, err := repo.Open(cfg.Repository.Path, "main", testAuthor, zap.NewNop())
		require.NoError(rt, err)
		var heads []plumbing.Hash

		current := func() plumbing.Hash {
			h, err := ext.CurrentHead()
			require.NoError(rt, err)
			heads = append(heads, h)
			return h
		}
		exists := func(slug string) bool {
			_, err := ext.BlobHash(slug, current())
			return err == nil
		}

		rt.Repeat(map[string]func(*rapid.T){
			"edit": func(rt *rapid.T) {
				slug := rapid.SampledFrom(slugs).Draw(rt, "slug")
				body := rapid.SampledFrom(bodies).Draw(rt, "body")
				_, err := w.Submit(context.Background(), coordinator.Edit{Slug: slug, Content: []byte(body), Base: current()})
				if err != nil && !apperr.Is(err, apperr.ErrorTypeValidation) {
					rt.Fatalf("edit %s: %v", slug, err)
				}
			},
			"delete": func(rt *rapid.T) {
				slug := rapid.SampledFrom(slugs).Draw(rt, "slug")
				if !exists(slug) {
					rt.Skip("page absent")
				}
				_, err := w.Submit(context.Background(), coordinator.Edit{Slug: slug, Delete: true, Base: current()})
				require.NoError(rt, err)
			},
			"external": func(rt *rapid.T) {
				slug := rapid.SampledFrom(slugs).Draw(rt, "slug")
				body := rapid.SampledFrom(bodies).Draw(rt, "body")
				_, err := ext.Commit([]repo.FileChange{{Path: slug, Content: []byte(body)}}, current(), testAuthor, "external")
				if err != nil && !apperr.Is(err, apperr.ErrorTypeValidation) {
					rt.Fatalf("external commit %s: %v", slug, err)
				}
			},
			"rename": func(rt *rapid.T) {
				from := rapid.SampledFrom(slugs).Draw(rt, "from")
				to := rapid.SampledFrom(slugs).Draw(rt, "to")
				if from == to || !exists(from) || exists(to) {
					rt.Skip("no rename possible")
				}
				head := current()
				content, err := ext.ReadBlob(from, head)
				require.NoError(rt, err)
				_, err = ext.Commit([]repo.FileChange{
					{Path: from, Delete: true},
					{Path: to, Content: content},
				}, head, testAuthor, fmt.Sprintf("move %s to %s", from, to))
				if err != nil && !apperr.Is(err, apperr.ErrorTypeValidation) {
					rt.Fatalf("rename: %v", err)
				}
			},
			"rewrite": func(rt *rapid.T) {
				current()
				target := rapid.SampledFrom(heads).Draw(rt, "target")
				require.NoError(rt, os.WriteFile(ext.RefPath(), []byte(target.String()+"\n"), 0o644))
			},
			"sync": func(rt *rapid.T) {
				require.NoError(rt, w.Sync(context.Background()))
				assertConverged(rt, w)
			},
			"": func(rt *rapid.T) {
				// Whatever head the index holds, it holds all of it.
				snap := w.Snapshot()
				want, err := watch.Rebuild(context.Background(), w.repo, snap.Head())
				require.NoError(rt, err)
				if !want.Equal(snap) {
					rt.Fatalf("index at %s is not a rebuild of that head", snap.Head())
				}
			},
		})

		require.NoError(rt, w.Sync(context.Background()))
		assertConverged(rt, w)
	})
}
