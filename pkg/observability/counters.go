package observability

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Counters implements TileHooks, CacheHooks and HTTPHooks by counting
// events. It is safe for concurrent use.
type Counters struct {
	tilesStarted atomic.Uint64
	requests     atomic.Uint64
	httpErrors   atomic.Uint64

	mu        sync.Mutex
	outcomes  map[string]uint64
	cacheHits map[string]uint64
	cacheMiss map[string]uint64
}

// CountersSnapshot is a point-in-time copy of Counters.
type CountersSnapshot struct {
	TilesStarted uint64            `json:"tiles_started"`
	Outcomes     map[string]uint64 `json:"outcomes"`
	CacheHits    map[string]uint64 `json:"cache_hits"`
	CacheMisses  map[string]uint64 `json:"cache_misses"`
	HTTPRequests uint64            `json:"http_requests"`
	HTTPErrors   uint64            `json:"http_errors"`
}

// NewCounters creates an empty Counters.
func NewCounters() *Counters {
	return &Counters{
		outcomes:  make(map[string]uint64),
		cacheHits: make(map[string]uint64),
		cacheMiss: make(map[string]uint64),
	}
}

func (c *Counters) OnTileStart(context.Context, string, string) { c.tilesStarted.Add(1) }

func (c *Counters) OnTileComplete(_ context.Context, _, _, outcome string, _ time.Duration, _ error) {
	c.mu.Lock()
	c.outcomes[outcome]++
	c.mu.Unlock()
}

func (c *Counters) OnCacheHit(_ context.Context, keyType string) {
	c.mu.Lock()
	c.cacheHits[keyType]++
	c.mu.Unlock()
}

func (c *Counters) OnCacheMiss(_ context.Context, keyType string) {
	c.mu.Lock()
	c.cacheMiss[keyType]++
	c.mu.Unlock()
}

func (c *Counters) OnCacheSet(context.Context, string, int) {}

func (c *Counters) OnRequest(context.Context, string, string, string) { c.requests.Add(1) }

func (c *Counters) OnResponse(context.Context, string, string, string, int, time.Duration) {}

func (c *Counters) OnError(context.Context, string, string, string, error) { c.httpErrors.Add(1) }

// Snapshot returns a copy of the current totals.
func (c *Counters) Snapshot() CountersSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CountersSnapshot{
		TilesStarted: c.tilesStarted.Load(),
		Outcomes:     copyCounts(c.outcomes),
		CacheHits:    copyCounts(c.cacheHits),
		CacheMisses:  copyCounts(c.cacheMiss),
		HTTPRequests: c.requests.Load(),
		HTTPErrors:   c.httpErrors.Load(),
	}
}

func copyCounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var (
	_ TileHooks  = (*Counters)(nil)
	_ CacheHooks = (*Counters)(nil)
	_ HTTPHooks  = (*Counters)(nil)
)
