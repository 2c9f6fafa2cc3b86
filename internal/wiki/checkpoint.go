package wiki

import (
	"errors"
	"sync"
	"time"

	"smeagol/internal/index"
	"smeagol/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

const checkpointPrefix = "checkpoint"

type checkpoint struct {
	Head  string       `json:"head"`
	Pages []index.Page `json:"pages"`
	Saved time.Time    `json:"saved"`
}

// checkpointer persists the latest published snapshot so that a restart can
// seed the index and catch up by diff instead of walking all history.
// Publications are coalesced: only the newest pending snapshot is written.
type checkpointer struct {
	db     *badger.DB
	store  *storage.BadgerStore
	branch string
	logger *zap.Logger

	mu      sync.Mutex
	pending *index.Snapshot
	wake    chan struct{}
	done    chan struct{}
}

func openCheckpointer(path, branch string, logger *zap.Logger) (*checkpointer, error) {
	db, err := storage.OpenDB(path)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewBadgerStore(db, checkpointPrefix, storage.DefaultCompressionOptions())
	if err != nil {
		db.Close()
		return nil, err
	}
	return &checkpointer{
		db:     db,
		store:  store,
		branch: branch,
		logger: logger.Named("checkpoint"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// load returns the stored snapshot, or nil when there is none.
func (c *checkpointer) load() (*index.Snapshot, error) {
	var cp checkpoint
	err := c.store.Get(c.branch, &cp)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	head := plumbing.NewHash(cp.Head)
	if head.IsZero() {
		return nil, nil
	}
	return index.NewSnapshot(head, cp.Pages), nil
}

// discard removes the stored checkpoint.
func (c *checkpointer) discard() error {
	return c.store.Delete(c.branch)
}

// publish queues s for writing. It never blocks.
func (c *checkpointer) publish(s *index.Snapshot) {
	c.mu.Lock()
	c.pending = s
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *checkpointer) run() {
	defer close(c.done)
	for range c.wake {
		c.flush()
	}
	c.flush()
}

func (c *checkpointer) flush() {
	c.mu.Lock()
	s := c.pending
	c.pending = nil
	c.mu.Unlock()
	if s == nil {
		return
	}

	cp := checkpoint{Head: s.Head().String(), Pages: s.Pages(), Saved: time.Now().UTC()}
	if err := c.store.Put(c.branch, cp); err != nil {
		c.logger.Warn("saving index checkpoint failed", zap.Error(err))
		return
	}
	c.logger.Debug("saved index checkpoint",
		zap.Stringer("head", s.Head()),
		zap.Int("pages", s.Len()),
	)
}

// close writes any pending snapshot and closes the database.
func (c *checkpointer) close() error {
	close(c.wake)
	<-c.done
	return c.db.Close()
}
