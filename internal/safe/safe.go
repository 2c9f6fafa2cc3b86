// internal/safe/safe.go
package safe

import (
	"fmt"
	"sync/atomic"

	apperr "smeagol/internal/errors"

	"github.com/go-git/go-git/v5/plumbing"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const defaultCacheSize = 1024

// Loader reads a blob from the object store.
type Loader func(plumbing.Hash) ([]byte, error)

// Safe caches page content by Git blob id. Blob ids are content addresses,
// so cached entries never go stale. Returned slices are shared and must not
// be modified.
type Safe struct {
	cache  *lru.Cache[plumbing.Hash, []byte]
	load   Loader
	flight singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Options configures Safe behavior
type Options struct {
	CacheSize int // Number of blobs to keep
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// New creates a new Safe reading misses through load.
func New(load Loader, opts Options) (*Safe, error) {
	if load == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}

	cache, err := lru.New[plumbing.Hash, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	return &Safe{cache: cache, load: load}, nil
}

// Get returns the content of blob h, loading and verifying it on a miss.
func (s *Safe) Get(h plumbing.Hash) ([]byte, error) {
	if content, ok := s.cache.Get(h); ok {
		s.hits.Add(1)
		return content, nil
	}
	s.misses.Add(1)

	v, err, _ := s.flight.Do(h.String(), func() (any, error) {
		content, err := s.load(h)
		if err != nil {
			return nil, err
		}
		if got := plumbing.ComputeHash(plumbing.BlobObject, content); got != h {
			return nil, apperr.Corrupt(fmt.Sprintf("blob %s hashes to %s", h, got), nil)
		}
		s.cache.Add(h, content)
		return content, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Add stores content under its blob id and returns the id.
func (s *Safe) Add(content []byte) plumbing.Hash {
	h := plumbing.ComputeHash(plumbing.BlobObject, content)
	s.cache.Add(h, content)
	return h
}

func (s *Safe) Stats() Stats {
	return Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Entries: s.cache.Len(),
	}
}
