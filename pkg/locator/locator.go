// Package locator resolves tile request paths to archive specs by fetching
// and memoizing odw.json manifests.
//
// Manifests are memoized per archive identity and specs per identity and
// page, for the lifetime of the Locator or until invalidated. Concurrent
// first requests for one identity share a single manifest fetch. That fetch
// is not tied to any one caller: a caller that gives up stops waiting, but
// the fetch completes for the others. Failures are not memoized, so the next
// request fetches again.
package locator

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/ourdigitalworld/zipit/pkg/cache"
	zerr "github.com/ourdigitalworld/zipit/pkg/errors"
	"github.com/ourdigitalworld/zipit/pkg/httputil"
	"github.com/ourdigitalworld/zipit/pkg/manifest"
	"github.com/ourdigitalworld/zipit/pkg/observability"
)

// ErrArchiveNotFound is wrapped by Resolve errors when the manifest has no
// tiles descriptor for the requested page.
var ErrArchiveNotFound = errors.New("locator: archive not found")

// Options configures a Locator.
type Options struct {
	// BaseURL is the root under which archive identities live.
	BaseURL string

	// ManifestName is the manifest file name; manifest.DefaultName if empty.
	ManifestName string

	// Store persists fetched manifests across processes; nil disables it.
	Store cache.Cache

	// Keyer names Store entries; cache.DefaultKeyer if nil.
	Keyer cache.Keyer

	// TTL applies to Store entries; zero keeps them until deleted.
	TTL time.Duration

	Logger *log.Logger
}

// Stats counts locator activity.
type Stats struct {
	Hits            uint64 `json:"hits"`
	Misses          uint64 `json:"misses"`
	ManifestFetches uint64 `json:"manifest_fetches"`
	Failures        uint64 `json:"failures"`
}

// Locator resolves tile paths to manifest.Spec values. It is safe for
// concurrent use.
type Locator struct {
	client  *httputil.Client
	baseURL string
	name    string
	store   cache.Cache
	persist bool
	keyer   cache.Keyer
	ttl     time.Duration
	logger  *log.Logger

	group singleflight.Group

	mu        sync.RWMutex
	manifests map[string]*manifest.Manifest // by identity
	specs     map[string]manifest.Spec      // by identity/page
	gen       uint64                        // bumped by Invalidate and Reset

	hits, misses, fetches, failures atomic.Uint64
}

// New creates a Locator fetching manifests through client.
func New(client *httputil.Client, opts Options) *Locator {
	if opts.ManifestName == "" {
		opts.ManifestName = manifest.DefaultName
	}
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
	return &Locator{
		client:    client,
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		name:      opts.ManifestName,
		store:     opts.Store,
		persist:   persist,
		keyer:     opts.Keyer,
		ttl:       opts.TTL,
		logger:    opts.Logger,
		manifests: make(map[string]*manifest.Manifest),
		specs:     make(map[string]manifest.Spec),
	}
}

// ManifestURL returns the manifest URL for an archive identity.
func (l *Locator) ManifestURL(identity string) (string, error) {
	return url.JoinPath(l.baseURL, identity, l.name)
}

// Resolve returns the archive spec for the page named by p.
//
// Errors carry ARCHIVE_NOT_FOUND when the manifest has no matching tiles
// descriptor, MANIFEST_UNAVAILABLE when it cannot be fetched or decoded,
// INVALID_MANIFEST when the matching descriptor is incomplete, and
// CANCELLED when ctx ends while waiting.
func (l *Locator) Resolve(ctx context.Context, p manifest.TilePath) (manifest.Spec, error) {
	if s, ok := l.cachedSpec(p.Key()); ok {
		l.hits.Add(1)
		observability.Cache().OnCacheHit(ctx, "spec")
		return s, nil
	}
	l.misses.Add(1)
	observability.Cache().OnCacheMiss(ctx, "spec")

	gen := l.generation()
	m, manifestURL, err := l.manifest(ctx, p.Identity)
	if err != nil {
		return manifest.Spec{}, err
	}

	d, ok := m.Select(p.Page)
	if !ok {
		return manifest.Spec{}, zerr.Wrap(zerr.ErrCodeArchiveNotFound, ErrArchiveNotFound, "no tiles descriptor for page %q in %s", p.Page, manifestURL)
	}
	s, err := manifest.NewSpec(p.Key(), manifestURL, d)
	if err != nil {
		return manifest.Spec{}, err
	}

	l.mu.Lock()
	if l.gen == gen {
		l.specs[p.Key()] = s
	}
	l.mu.Unlock()
	l.logger.Debug("archive resolved", "page", p.Key(), "zip", s.ZipURL, "dir_offset", s.DirectoryOffset, "dir_size", s.DirectorySize)
	return s, nil
}

// Invalidate drops the memoized manifest and specs of identity, including
// the persisted manifest. A manifest fetch already in flight still answers
// its waiters but is not memoized.
func (l *Locator) Invalidate(ctx context.Context, identity string) {
	l.mu.Lock()
	l.gen++
	delete(l.manifests, identity)
	for k := range l.specs {
		if strings.HasPrefix(k, identity+"/") && !strings.Contains(k[len(identity)+1:], "/") {
			delete(l.specs, k)
		}
	}
	l.mu.Unlock()
	l.group.Forget(identity)

	if u, err := l.ManifestURL(identity); err == nil {
		if err := l.store.Delete(ctx, l.keyer.ManifestKey(u)); err != nil {
			l.logger.Warn("drop persisted manifest", "identity", identity, "err", err)
		}
	}
}

// Reset drops every memoized manifest and spec. Persisted entries are kept.
func (l *Locator) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.manifests = make(map[string]*manifest.Manifest)
	l.specs = make(map[string]manifest.Spec)
}

// Stats returns a snapshot of the counters.
func (l *Locator) Stats() Stats {
	return Stats{
		Hits:            l.hits.Load(),
		Misses:          l.misses.Load(),
		ManifestFetches: l.fetches.Load(),
		Failures:        l.failures.Load(),
	}
}

func (l *Locator) generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gen
}

func (l *Locator) cachedSpec(key string) (manifest.Spec, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.specs[key]
	return s, ok
}

func (l *Locator) cachedManifest(identity string) (*manifest.Manifest, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.manifests[identity]
	return m, ok
}

// manifest returns the memoized manifest of identity, fetching it once for
// all concurrent callers.
func (l *Locator) manifest(ctx context.Context, identity string) (*manifest.Manifest, string, error) {
	manifestURL, err := l.ManifestURL(identity)
	if err != nil {
		return nil, "", zerr.Wrap(zerr.ErrCodeInvalidPath, err, "build manifest URL for %q", identity)
	}
	if m, ok := l.cachedManifest(identity); ok {
		return m, manifestURL, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := l.group.DoChan(identity, func() (any, error) {
		// A fetch that finished between the check above and this call has
		// already filled the memo.
		if m, ok := l.cachedManifest(identity); ok {
			return m, nil
		}
		gen := l.generation()
		m, raw, err := l.load(shared, manifestURL)
		if err != nil {
			l.failures.Add(1)
			return nil, err
		}
		l.mu.Lock()
		current := l.gen == gen
		if current {
			l.manifests[identity] = m
		}
		l.mu.Unlock()
		if current && raw != nil {
			l.save(shared, manifestURL, raw)
		}
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, manifestURL, res.Err
		}
		return res.Val.(*manifest.Manifest), manifestURL, nil
	case <-ctx.Done():
		return nil, manifestURL, zerr.Wrap(zerr.ErrCodeCancelled, ctx.Err(), "waiting for manifest %s", manifestURL)
	}
}

// load reads the manifest from the persistent store or the network. raw is
// the fetched document, or nil when it came from the store.
func (l *Locator) load(ctx context.Context, manifestURL string) (*manifest.Manifest, []byte, error) {
	key := l.keyer.ManifestKey(manifestURL)
	if data, hit, err := l.store.Get(ctx, key); err != nil {
		l.logger.Warn("read persisted manifest", "url", manifestURL, "err", err)
	} else if hit {
		var m manifest.Manifest
		if err := json.Unmarshal(data, &m); err == nil {
			observability.Cache().OnCacheHit(ctx, "manifest")
			return &m, nil, nil
		}
	}
	observability.Cache().OnCacheMiss(ctx, "manifest")

	l.fetches.Add(1)
	data, err := l.client.Get(ctx, manifestURL)
	if err != nil {
		l.logger.Debug("manifest fetch failed", "url", manifestURL, "err", err)
		return nil, nil, zerr.Wrap(zerr.ErrCodeManifestUnavailable, err, "fetch manifest %s", manifestURL)
	}
	m := new(manifest.Manifest)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, nil, zerr.Wrap(zerr.ErrCodeManifestUnavailable, err, "decode manifest %s", manifestURL)
	}
	return m, data, nil
}

func (l *Locator) save(ctx context.Context, manifestURL string, data []byte) {
	if !l.persist {
		return
	}
	if err := l.store.Set(ctx, l.keyer.ManifestKey(manifestURL), data, l.ttl); err != nil {
		l.logger.Warn("persist manifest", "url", manifestURL, "err", err)
		return
	}
	observability.Cache().OnCacheSet(ctx, "manifest", len(data))
}
