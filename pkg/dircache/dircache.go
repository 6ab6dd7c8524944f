// Package dircache fetches and holds ZIP central directories.
//
// A directory is fetched with one range request the first time any tile of
// its archive needs it, then kept for the life of the Cache. Concurrent first
// requests share that fetch. A failed fetch leaves nothing behind: the next
// request tries again.
package dircache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/ourdigitalworld/zipit/pkg/cache"
	zerr "github.com/ourdigitalworld/zipit/pkg/errors"
	"github.com/ourdigitalworld/zipit/pkg/manifest"
	"github.com/ourdigitalworld/zipit/pkg/observability"
)

// ErrEmptyDirectory is wrapped by Ensure errors for a spec whose directory
// size is zero. No request is made for such specs.
var ErrEmptyDirectory = errors.New("dircache: empty central directory")

// Fetcher issues inclusive byte-range requests. *httputil.Client satisfies it.
type Fetcher interface {
	FetchRange(ctx context.Context, url string, start, end int64) ([]byte, error)
}

// Options configures a Cache.
type Options struct {
	// Store persists directories across processes; nil disables it.
	Store cache.Cache

	// Keyer names Store entries; cache.DefaultKeyer if nil.
	Keyer cache.Keyer

	// TTL applies to Store entries; zero keeps them until deleted.
	TTL time.Duration

	Logger *log.Logger
}

// Stats counts cache activity.
type Stats struct {
	Entries  int    `json:"entries"`
	Bytes    int64  `json:"bytes"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Fetches  uint64 `json:"fetches"`
	Failures uint64 `json:"failures"`
}

// Cache maps archive specs to their central directory bytes. Buffers
// returned by Ensure are shared and must not be modified.
type Cache struct {
	fetcher Fetcher
	store   cache.Cache
	persist bool
	keyer   cache.Keyer
	ttl     time.Duration
	logger  *log.Logger

	group singleflight.Group

	mu   sync.RWMutex
	dirs map[string][]byte // by manifest.Spec.Key
	gen  uint64            // bumped by Invalidate and Reset

	hits, misses, fetches, failures atomic.Uint64
}

// New creates a Cache fetching through f.
func New(f Fetcher, opts Options) *Cache {
	persist := opts.Store != nil
	if !persist {
		opts.Store = cache.NewNullCache()
	}
	if opts.Keyer == nil {
		opts.Keyer = cache.NewDefaultKeyer()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Cache{
		fetcher: f,
		store:   opts.Store,
		persist: persist,
		keyer:   opts.Keyer,
		ttl:     opts.TTL,
		logger:  opts.Logger,
		dirs:    make(map[string][]byte),
	}
}

// Ensure returns the central directory described by spec, fetching it if
// it is not cached yet.
//
// Fetch failures carry DIRECTORY_FETCH_FAILED. If ctx ends while the shared
// fetch is running, Ensure returns a CANCELLED error and the fetch goes on
// for the other callers.
func (c *Cache) Ensure(ctx context.Context, spec manifest.Spec) ([]byte, error) {
	if spec.DirectorySize <= 0 {
		return nil, zerr.Wrap(zerr.ErrCodeDirectoryFetch, ErrEmptyDirectory, "%s", spec.Key())
	}

	key := spec.Key()
	if buf, ok := c.lookup(key); ok {
		c.hits.Add(1)
		observability.Cache().OnCacheHit(ctx, "directory")
		return buf, nil
	}
	c.misses.Add(1)
	observability.Cache().OnCacheMiss(ctx, "directory")

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if buf, ok := c.lookup(key); ok {
			return buf, nil
		}
		gen := c.generation()
		buf, fetched, err := c.load(shared, spec)
		if err != nil {
			c.failures.Add(1)
			c.logger.Warn("directory fetch failed", "archive", key, "err", err)
			return nil, err
		}
		c.mu.Lock()
		current := c.gen == gen
		if current {
			c.dirs[key] = buf
		}
		c.mu.Unlock()
		if !current {
			c.logger.Debug("directory invalidated during fetch", "archive", key)
			return buf, nil
		}
		if fetched {
			c.save(shared, spec, buf)
		}
		c.logger.Debug("directory cached", "archive", key, "bytes", len(buf))
		return buf, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, zerr.Wrap(zerr.ErrCodeCancelled, ctx.Err(), "waiting for directory %s", key)
	}
}

// Invalidate drops the directory of spec from memory and the store. A fetch
// already in flight still answers its waiters but is not kept.
func (c *Cache) Invalidate(ctx context.Context, spec manifest.Spec) {
	key := spec.Key()
	c.mu.Lock()
	c.gen++
	delete(c.dirs, key)
	c.mu.Unlock()
	c.group.Forget(key)
	if err := c.store.Delete(ctx, c.keyer.DirectoryKey(key)); err != nil {
		c.logger.Warn("drop persisted directory", "archive", key, "err", err)
	}
}

// Reset drops every in-memory directory. Persisted entries are kept.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.dirs = make(map[string][]byte)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Fetches:  c.fetches.Load(),
		Failures: c.failures.Load(),
	}
	c.mu.RLock()
	s.Entries = len(c.dirs)
	for _, buf := range c.dirs {
		s.Bytes += int64(len(buf))
	}
	c.mu.RUnlock()
	return s
}

func (c *Cache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

func (c *Cache) lookup(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf, ok := c.dirs[key]
	return buf, ok
}

// load reads the directory from the store or issues the range request.
// fetched reports whether it came from the network.
func (c *Cache) load(ctx context.Context, spec manifest.Spec) (buf []byte, fetched bool, err error) {
	key := c.keyer.DirectoryKey(spec.Key())
	if b, hit, err := c.store.Get(ctx, key); err != nil {
		c.logger.Warn("read persisted directory", "archive", spec.Key(), "err", err)
	} else if hit && int64(len(b)) == spec.DirectorySize {
		return b, false, nil
	}

	c.fetches.Add(1)
	start, end := spec.DirectoryRange()
	buf, err = c.fetcher.FetchRange(ctx, spec.ZipURL, start, end)
	if err != nil {
		return nil, false, zerr.Wrap(zerr.ErrCodeDirectoryFetch, err, "fetch directory of %s", spec.ZipURL)
	}
	return buf, true, nil
}

func (c *Cache) save(ctx context.Context, spec manifest.Spec, buf []byte) {
	if !c.persist {
		return
	}
	if err := c.store.Set(ctx, c.keyer.DirectoryKey(spec.Key()), buf, c.ttl); err != nil {
		c.logger.Warn("persist directory", "archive", spec.Key(), "err", err)
		return
	}
	observability.Cache().OnCacheSet(ctx, "directory", len(buf))
}
