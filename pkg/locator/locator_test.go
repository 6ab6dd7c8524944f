package locator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ourdigitalworld/zipit/internal/ziptest"
	"github.com/ourdigitalworld/zipit/pkg/cache"
	zerr "github.com/ourdigitalworld/zipit/pkg/errors"
	"github.com/ourdigitalworld/zipit/pkg/httputil"
	"github.com/ourdigitalworld/zipit/pkg/manifest"
)

func quietLogger() *log.Logger { return log.New(io.Discard) }

func setup(t *testing.T) (*ziptest.Server, *ziptest.Archive) {
	t.Helper()
	srv := ziptest.NewServer(t)
	a := ziptest.Build(t, 128, ziptest.File{Name: "page1/tile_0_0.jpg", Data: []byte("jpeg")})
	srv.Put("/issue/odw.json", ziptest.ManifestJSON(t,
		ziptest.Descriptor{Ident: "page1", ZType: "text"},
		a.TilesDescriptor("page1"),
		a.TilesDescriptor("page2"),
	))
	return srv, a
}

func newLocator(srv *ziptest.Server, store cache.Cache) *Locator {
	return New(httputil.NewClient(time.Second, nil), Options{
		BaseURL: srv.URL("/"),
		Store:   store,
		Logger:  quietLogger(),
	})
}

func path(identity, page string) manifest.TilePath {
	return manifest.TilePath{Identity: identity, Page: page, Tile: "tile_0_0.jpg"}
}

func TestResolve(t *testing.T) {
	srv, a := setup(t)
	l := newLocator(srv, nil)

	s, err := l.Resolve(context.Background(), path("issue", "page1"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := manifest.Spec{
		Identity:         "issue/page1",
		ZipURL:           srv.URL("/issue/odw.zip"),
		CollectionOffset: a.CollectionOffset,
		DirectoryOffset:  a.DirOffset,
		DirectorySize:    a.DirSize,
	}
	if s != want {
		t.Errorf("Resolve = %+v, want %+v", s, want)
	}
}

func TestResolveMemoizes(t *testing.T) {
	srv, _ := setup(t)
	l := newLocator(srv, nil)
	ctx := context.Background()

	for _, page := range []string{"page1", "page2", "page1"} {
		if _, err := l.Resolve(ctx, path("issue", page)); err != nil {
			t.Fatalf("Resolve(%s): %v", page, err)
		}
	}
	if got := srv.Hits("/issue/odw.json"); got != 1 {
		t.Errorf("manifest fetched %d times, want 1", got)
	}
	st := l.Stats()
	if st.Hits != 1 || st.Misses != 2 || st.ManifestFetches != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestResolveConcurrentSingleFetch(t *testing.T) {
	srv, _ := setup(t)
	srv.SetDelay(50 * time.Millisecond)
	l := newLocator(srv, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Resolve(context.Background(), path("issue", "page1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}
	if got := srv.Hits("/issue/odw.json"); got != 1 {
		t.Errorf("manifest fetched %d times, want 1", got)
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest []byte
		page     string
		code     zerr.Code
	}{
		{"missing manifest", nil, "page1", zerr.ErrCodeManifestUnavailable},
		{"malformed JSON", []byte(`{"zip_offsets": [`), "page1", zerr.ErrCodeManifestUnavailable},
		{"no tiles descriptor", []byte(`{"zip_offsets":[{"ident":"page1","ztype":"text","coll_offset":0,"dir_offset":0,"dir_size":1}]}`), "page1", zerr.ErrCodeArchiveNotFound},
		{"no matching ident", []byte(`{"zip_offsets":[{"ident":"page1","ztype":"tiles","coll_offset":0,"dir_offset":0,"dir_size":1}]}`), "page9", zerr.ErrCodeArchiveNotFound},
		{"empty list", []byte(`{"zip_offsets":[]}`), "page1", zerr.ErrCodeArchiveNotFound},
		{"missing offsets", []byte(`{"zip_offsets":[{"ident":"page1","ztype":"tiles"}]}`), "page1", zerr.ErrCodeInvalidManifest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := ziptest.NewServer(t)
			if tt.manifest != nil {
				srv.Put("/issue/odw.json", tt.manifest)
			}
			l := newLocator(srv, nil)

			_, err := l.Resolve(context.Background(), path("issue", tt.page))
			if !zerr.Is(err, tt.code) {
				t.Fatalf("Resolve error = %v, want code %s", err, tt.code)
			}
			if tt.code == zerr.ErrCodeArchiveNotFound && !errors.Is(err, ErrArchiveNotFound) {
				t.Errorf("error %v does not wrap ErrArchiveNotFound", err)
			}
			if !zerr.IsFallback(err) {
				t.Errorf("IsFallback(%v) = false", err)
			}
		})
	}
}

func TestResolveFailureNotMemoized(t *testing.T) {
	srv := ziptest.NewServer(t)
	l := newLocator(srv, nil)
	ctx := context.Background()

	if _, err := l.Resolve(ctx, path("issue", "page1")); err == nil {
		t.Fatal("expected error for missing manifest")
	}
	a := ziptest.Build(t, 0, ziptest.File{Name: "x.jpg", Data: []byte("x")})
	srv.Put("/issue/odw.json", ziptest.ManifestJSON(t, a.TilesDescriptor("page1")))

	if _, err := l.Resolve(ctx, path("issue", "page1")); err != nil {
		t.Fatalf("Resolve after manifest appeared: %v", err)
	}
	if got := srv.Hits("/issue/odw.json"); got != 2 {
		t.Errorf("manifest fetched %d times, want 2", got)
	}
	if got := l.Stats().Failures; got != 1 {
		t.Errorf("Failures = %d, want 1", got)
	}
}

func TestResolveCancelledWaiter(t *testing.T) {
	srv, _ := setup(t)
	srv.SetDelay(200 * time.Millisecond)
	l := newLocator(srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := l.Resolve(ctx, path("issue", "page1"))
	if !zerr.Is(err, zerr.ErrCodeCancelled) {
		t.Fatalf("Resolve error = %v, want CANCELLED", err)
	}

	// The shared fetch keeps running for later callers.
	if _, err := l.Resolve(context.Background(), path("issue", "page1")); err != nil {
		t.Fatalf("Resolve after cancel: %v", err)
	}
	if got := srv.Hits("/issue/odw.json"); got != 1 {
		t.Errorf("manifest fetched %d times, want 1", got)
	}
}

func TestInvalidate(t *testing.T) {
	srv, _ := setup(t)
	store, err := cache.NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	l := newLocator(srv, store)
	ctx := context.Background()

	if _, err := l.Resolve(ctx, path("issue", "page1")); err != nil {
		t.Fatal(err)
	}
	l.Invalidate(ctx, "issue")
	if _, err := l.Resolve(ctx, path("issue", "page1")); err != nil {
		t.Fatal(err)
	}
	if got := srv.Hits("/issue/odw.json"); got != 2 {
		t.Errorf("manifest fetched %d times after Invalidate, want 2", got)
	}

	l.Reset()
	if _, err := l.Resolve(ctx, path("issue", "page1")); err != nil {
		t.Fatal(err)
	}
	if got := srv.Hits("/issue/odw.json"); got != 2 {
		t.Errorf("manifest fetched %d times after Reset, want 2 (persisted copy)", got)
	}
}

func TestInvalidateDuringFetch(t *testing.T) {
	srv, _ := setup(t)
	srv.SetDelay(150 * time.Millisecond)
	store, err := cache.NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	l := newLocator(srv, store)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := l.Resolve(ctx, path("issue", "page1"))
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	l.Invalidate(ctx, "issue")
	if err := <-errc; err != nil {
		t.Fatalf("Resolve in flight: %v", err)
	}

	u, _ := l.ManifestURL("issue")
	if _, hit, _ := store.Get(ctx, cache.NewDefaultKeyer().ManifestKey(u)); hit {
		t.Error("manifest fetched before Invalidate was persisted")
	}
	srv.SetDelay(0)
	if _, err := l.Resolve(ctx, path("issue", "page1")); err != nil {
		t.Fatal(err)
	}
	if got := srv.Hits("/issue/odw.json"); got != 2 {
		t.Errorf("manifest fetched %d times, want 2", got)
	}
}

func TestResetDuringFetch(t *testing.T) {
	srv, _ := setup(t)
	srv.SetDelay(150 * time.Millisecond)
	l := newLocator(srv, nil)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := l.Resolve(ctx, path("issue", "page1"))
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	l.Reset()
	if err := <-errc; err != nil {
		t.Fatalf("Resolve in flight: %v", err)
	}

	srv.SetDelay(0)
	if _, err := l.Resolve(ctx, path("issue", "page1")); err != nil {
		t.Fatal(err)
	}
	if got := srv.Hits("/issue/odw.json"); got != 2 {
		t.Errorf("manifest fetched %d times, want 2", got)
	}
}

func TestPersistentStore(t *testing.T) {
	srv, _ := setup(t)
	store, err := cache.NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := newLocator(srv, store).Resolve(ctx, path("issue", "page1")); err != nil {
		t.Fatal(err)
	}
	fresh := newLocator(srv, store)
	if _, err := fresh.Resolve(ctx, path("issue", "page2")); err != nil {
		t.Fatal(err)
	}
	if got := srv.Hits("/issue/odw.json"); got != 1 {
		t.Errorf("manifest fetched %d times, want 1", got)
	}
	if got := fresh.Stats().ManifestFetches; got != 0 {
		t.Errorf("ManifestFetches = %d, want 0", got)
	}
}

func TestManifestURL(t *testing.T) {
	l := New(httputil.NewClient(0, nil), Options{BaseURL: "https://cdn.example.org/odw/"})
	got, err := l.ManifestURL("papers/1901")
	if err != nil {
		t.Fatal(err)
	}
	if want := "https://cdn.example.org/odw/papers/1901/odw.json"; got != want {
		t.Errorf("ManifestURL = %q, want %q", got, want)
	}
}
