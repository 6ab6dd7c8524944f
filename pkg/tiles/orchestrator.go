package tiles

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ourdigitalworld/zipit/pkg/buildinfo"
	"github.com/ourdigitalworld/zipit/pkg/cache"
	"github.com/ourdigitalworld/zipit/pkg/dircache"
	zerr "github.com/ourdigitalworld/zipit/pkg/errors"
	"github.com/ourdigitalworld/zipit/pkg/httputil"
	"github.com/ourdigitalworld/zipit/pkg/locator"
	"github.com/ourdigitalworld/zipit/pkg/manifest"
	"github.com/ourdigitalworld/zipit/pkg/observability"
	"github.com/ourdigitalworld/zipit/pkg/zipdir"
)

// DefaultFallback is the fallback asset path used when none is configured.
const DefaultFallback = "fallback.jpg"

// Options configures an Orchestrator.
type Options struct {
	// BaseURL is the root under which archive identities live. Relative
	// fallback paths are resolved against it.
	BaseURL string

	// ManifestName is the per-archive manifest file name.
	ManifestName string

	// Fallback is the asset served when a tile cannot be; a path relative
	// to BaseURL or an absolute URL. DefaultFallback if empty.
	Fallback string

	// Timeout bounds each manifest, directory, tile and fallback request.
	Timeout time.Duration

	// Client overrides the HTTP client built from Timeout.
	Client *httputil.Client

	// Store persists manifests and directories; nil keeps them in memory only.
	Store cache.Cache
	Keyer cache.Keyer
	TTL   time.Duration

	Logger *log.Logger
}

// Orchestrator runs tile requests. It owns the manifest and directory
// caches shared by its jobs and is safe for concurrent use.
type Orchestrator struct {
	client      *httputil.Client
	locator     *locator.Locator
	dirs        *dircache.Cache
	fallbackURL string
	logger      *log.Logger

	fallbackGroup singleflight.Group
	mu            sync.RWMutex
	fallback      []byte
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if err := zerr.ValidateURL(opts.BaseURL); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Client == nil {
		opts.Client = httputil.NewClient(opts.Timeout, map[string]string{"User-Agent": buildinfo.UserAgent()})
	}
	if opts.Fallback == "" {
		opts.Fallback = DefaultFallback
	}
	fallbackURL, err := resolveFallback(opts.BaseURL, opts.Fallback)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		client: opts.Client,
		locator: locator.New(opts.Client, locator.Options{
			BaseURL:      opts.BaseURL,
			ManifestName: opts.ManifestName,
			Store:        opts.Store,
			Keyer:        opts.Keyer,
			TTL:          opts.TTL,
			Logger:       opts.Logger,
		}),
		dirs: dircache.New(opts.Client, dircache.Options{
			Store:  opts.Store,
			Keyer:  opts.Keyer,
			TTL:    opts.TTL,
			Logger: opts.Logger,
		}),
		fallbackURL: fallbackURL,
		logger:      opts.Logger,
	}, nil
}

// resolveFallback returns fallback as an absolute URL.
func resolveFallback(baseURL, fallback string) (string, error) {
	if strings.Contains(fallback, "://") {
		if err := zerr.ValidateURL(fallback); err != nil {
			return "", err
		}
		return fallback, nil
	}
	u, err := url.JoinPath(baseURL, fallback)
	if err != nil {
		return "", zerr.Wrap(zerr.ErrCodeInvalidInput, err, "fallback %q", fallback)
	}
	return u, nil
}

// Locator returns the manifest resolver shared by all jobs.
func (o *Orchestrator) Locator() *locator.Locator { return o.locator }

// Directories returns the central directory cache shared by all jobs.
func (o *Orchestrator) Directories() *dircache.Cache { return o.dirs }

// FallbackURL returns the absolute URL of the fallback asset.
func (o *Orchestrator) FallbackURL() string { return o.fallbackURL }

// RequestTile starts a job for rawPath and returns immediately. The job
// ends when it delivers, when Job.Cancel is called, or when ctx ends.
func (o *Orchestrator) RequestTile(ctx context.Context, rawPath string) *Job {
	jctx, cancel := context.WithCancel(ctx)
	j := &Job{
		ID:      uuid.NewString(),
		Path:    rawPath,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	observability.Tile().OnTileStart(ctx, j.ID, rawPath)

	go func() {
		defer cancel()
		j.result = o.run(jctx, rawPath)
		observability.Tile().OnTileComplete(ctx, j.ID, rawPath, string(j.result.Outcome), time.Since(j.Started), j.result.Err)
		close(j.done)
	}()
	return j
}

// Fetch runs a job for rawPath and waits for its result.
func (o *Orchestrator) Fetch(ctx context.Context, rawPath string) Result {
	return o.RequestTile(ctx, rawPath).Wait()
}

// Locate resolves rawPath to its archive and the absolute byte range of
// the tile inside it, without fetching the tile.
func (o *Orchestrator) Locate(ctx context.Context, rawPath string) (manifest.Spec, zipdir.Location, error) {
	p, err := manifest.ParseTilePath(rawPath)
	if err != nil {
		return manifest.Spec{}, zipdir.Location{}, err
	}
	spec, dir, err := o.Directory(ctx, p)
	if err != nil {
		return spec, zipdir.Location{}, err
	}
	loc, err := zipdir.FindEntry(dir, p.Tile, spec.CollectionOffset)
	if err != nil {
		return spec, zipdir.Location{}, zerr.Wrap(zerr.ErrCodeEntryNotFound, err, "%s in %s", p.Tile, spec.ZipURL)
	}
	if loc.Length == 0 {
		return spec, loc, zerr.New(zerr.ErrCodeEntryNotFound, "%s in %s: empty entry", p.Tile, spec.ZipURL)
	}
	return spec, loc, nil
}

// Directory returns the archive spec and central directory for the page
// named by p. p.Tile is ignored.
func (o *Orchestrator) Directory(ctx context.Context, p manifest.TilePath) (manifest.Spec, []byte, error) {
	spec, err := o.locator.Resolve(ctx, p)
	if err != nil {
		return manifest.Spec{}, nil, err
	}
	dir, err := o.dirs.Ensure(ctx, spec)
	if err != nil {
		return spec, nil, err
	}
	return spec, dir, nil
}

// Reset drops the in-memory manifests, directories and fallback asset.
func (o *Orchestrator) Reset() {
	o.locator.Reset()
	o.dirs.Reset()
	o.mu.Lock()
	o.fallback = nil
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, rawPath string) Result {
	spec, loc, err := o.Locate(ctx, rawPath)
	if err == nil {
		var data []byte
		data, err = o.client.FetchRange(ctx, spec.ZipURL, loc.Offset, loc.End())
		if err == nil {
			return Result{Outcome: OutcomeTile, Bytes: data, Spec: spec, Location: loc}
		}
		err = zerr.Wrap(zerr.ErrCodeRangeFetch, err, "fetch %s [%d-%d]", rawPath, loc.Offset, loc.End())
	}

	if ctx.Err() != nil {
		return Result{Outcome: OutcomeCancelled, Spec: spec, Location: loc, Err: cancelled(ctx, err)}
	}
	if !zerr.IsFallback(err) {
		return Result{Outcome: OutcomeFailed, Spec: spec, Location: loc, Err: err}
	}
	o.logger.Debug("serving fallback", "path", rawPath, "code", zerr.GetCode(err), "err", err)

	data, ferr := o.fallbackAsset(ctx)
	if ferr != nil {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeCancelled, Spec: spec, Location: loc, Err: cancelled(ctx, ferr)}
		}
		o.logger.Error("fallback unavailable", "url", o.fallbackURL, "err", ferr)
		return Result{Outcome: OutcomeFailed, Spec: spec, Location: loc, Err: ferr}
	}
	return Result{Outcome: OutcomeFallback, Bytes: data, Spec: spec, Location: loc, Err: err}
}

// cancelled returns err as a CANCELLED error.
func cancelled(ctx context.Context, err error) error {
	if zerr.Is(err, zerr.ErrCodeCancelled) {
		return err
	}
	if err == nil {
		err = ctx.Err()
	}
	return zerr.Wrap(zerr.ErrCodeCancelled, err, "tile request cancelled")
}

// fallbackAsset returns the fallback bytes, fetching them once.
func (o *Orchestrator) fallbackAsset(ctx context.Context) ([]byte, error) {
	o.mu.RLock()
	data := o.fallback
	o.mu.RUnlock()
	if data != nil {
		return data, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := o.fallbackGroup.DoChan("fallback", func() (any, error) {
		data, err := o.client.Get(shared, o.fallbackURL)
		if err != nil {
			return nil, zerr.Wrap(zerr.ErrCodeFallback, err, "fetch fallback %s", o.fallbackURL)
		}
		o.mu.Lock()
		o.fallback = data
		o.mu.Unlock()
		return data, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, zerr.Wrap(zerr.ErrCodeCancelled, ctx.Err(), "waiting for fallback")
	}
}
