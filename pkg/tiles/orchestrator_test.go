package tiles

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ourdigitalworld/zipit/internal/ziptest"
	zerr "github.com/ourdigitalworld/zipit/pkg/errors"
	"github.com/ourdigitalworld/zipit/pkg/observability"
)

var fallbackJPEG = []byte("\xff\xd8fallback\xff\xd9")

type fixture struct {
	srv     *ziptest.Server
	archive *ziptest.Archive
	orch    *Orchestrator
}

func tileFiles(page string, n int) []ziptest.File {
	files := make([]ziptest.File, n)
	for i := range files {
		files[i] = ziptest.File{
			Name: fmt.Sprintf("%s/tile_0_%d.jpg", page, i),
			Data: []byte(fmt.Sprintf("\xff\xd8%s tile %d\xff\xd9", page, i)),
		}
	}
	return files
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	srv := ziptest.NewServer(t)
	a := ziptest.Build(t, 256, tileFiles("p0001", 12)...)
	srv.Put("/issue/odw.json", ziptest.ManifestJSON(t, a.TilesDescriptor("p0001")))
	srv.Put("/issue/odw.zip", a.Bytes)
	srv.Put("/fallback.jpg", fallbackJPEG)

	opts.BaseURL = srv.URL("/")
	opts.Logger = log.New(io.Discard)
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	o, err := NewOrchestrator(opts)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &fixture{srv: srv, archive: a, orch: o}
}

func (f *fixture) directoryRange() string {
	return fmt.Sprintf("bytes=%d-%d", f.archive.DirOffset, f.archive.DirOffset+f.archive.DirSize-1)
}

func (f *fixture) directoryFetches() int {
	n := 0
	for _, r := range f.srv.Ranges("/issue/odw.zip") {
		if r == f.directoryRange() {
			n++
		}
	}
	return n
}

func TestFetchDeliversEveryTile(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for i, file := range f.archive.Files {
		res := f.orch.Fetch(ctx, fmt.Sprintf("issue/p0001/tiles/tile_0_%d.jpg", i))
		if res.Outcome != OutcomeTile {
			t.Fatalf("%s: outcome %s (%v)", file.Name, res.Outcome, res.Err)
		}
		if !bytes.Equal(res.Bytes, file.Data) {
			t.Errorf("%s: got %q, want %q", file.Name, res.Bytes, file.Data)
		}
		if res.Err != nil {
			t.Errorf("%s: Err = %v on success", file.Name, res.Err)
		}
	}
	if got := f.srv.Hits("/issue/odw.json"); got != 1 {
		t.Errorf("manifest fetched %d times, want 1", got)
	}
	if got := f.directoryFetches(); got != 1 {
		t.Errorf("directory fetched %d times, want 1", got)
	}
}

func TestConcurrentTilesShareFetches(t *testing.T) {
	f := newFixture(t, Options{})
	f.srv.SetDelay(30 * time.Millisecond)

	jobs := make([]*Job, 10)
	for i := range jobs {
		jobs[i] = f.orch.RequestTile(context.Background(), fmt.Sprintf("issue/p0001/tiles/tile_0_%d.jpg", i))
	}
	for i, j := range jobs {
		res := j.Wait()
		if res.Outcome != OutcomeTile {
			t.Fatalf("job %d: outcome %s (%v)", i, res.Outcome, res.Err)
		}
		if !bytes.Equal(res.Bytes, f.archive.Files[i].Data) {
			t.Errorf("job %d: wrong bytes %q", i, res.Bytes)
		}
	}
	if got := f.srv.Hits("/issue/odw.json"); got != 1 {
		t.Errorf("manifest fetched %d times, want 1", got)
	}
	if got := f.directoryFetches(); got != 1 {
		t.Errorf("directory fetched %d times, want 1", got)
	}
}

func TestCancelBeforeRangeFetch(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// Warm the shared caches so only the tile request is slow.
	if res := f.orch.Fetch(ctx, "issue/p0001/tiles/tile_0_0.jpg"); res.Outcome != OutcomeTile {
		t.Fatalf("warm-up outcome %s (%v)", res.Outcome, res.Err)
	}
	f.srv.SetDelay(500 * time.Millisecond)

	cancelled := f.orch.RequestTile(ctx, "issue/p0001/tiles/tile_0_1.jpg")
	other := f.orch.RequestTile(ctx, "issue/p0001/tiles/tile_0_2.jpg")
	time.Sleep(20 * time.Millisecond)
	cancelled.Cancel()

	select {
	case <-cancelled.Done():
	case <-time.After(300 * time.Millisecond):
		t.Fatal("cancelled job did not finish before the server answered")
	}
	res := cancelled.Wait()
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", res.Outcome)
	}
	if res.Bytes != nil {
		t.Errorf("cancelled job delivered %d bytes", len(res.Bytes))
	}
	if !zerr.Is(res.Err, zerr.ErrCodeCancelled) {
		t.Errorf("Err = %v, want CANCELLED", res.Err)
	}
	if got := f.srv.Hits("/fallback.jpg"); got != 0 {
		t.Errorf("fallback fetched %d times after cancel", got)
	}

	// The origin sees the tile request go away well before its delay ends.
	deadline := time.Now().Add(300 * time.Millisecond)
	for f.srv.Aborted() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.srv.Aborted(); got != 1 {
		t.Errorf("aborted origin requests = %d, want 1", got)
	}

	if res := other.Wait(); res.Outcome != OutcomeTile || !bytes.Equal(res.Bytes, f.archive.Files[2].Data) {
		t.Errorf("sibling job: outcome %s (%v)", res.Outcome, res.Err)
	}
}

func TestCancelDuringSharedFetch(t *testing.T) {
	f := newFixture(t, Options{})
	f.srv.SetDelay(200 * time.Millisecond)

	j := f.orch.RequestTile(context.Background(), "issue/p0001/tiles/tile_0_3.jpg")
	time.Sleep(20 * time.Millisecond)
	j.Cancel()
	if res := j.Wait(); res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", res.Outcome)
	}

	res := f.orch.Fetch(context.Background(), "issue/p0001/tiles/tile_0_3.jpg")
	if res.Outcome != OutcomeTile {
		t.Fatalf("outcome after cancel = %s (%v)", res.Outcome, res.Err)
	}
	if got := f.srv.Hits("/issue/odw.json"); got != 1 {
		t.Errorf("manifest fetched %d times, want 1", got)
	}
}

func TestCallerContextCancels(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.orch.Fetch(ctx, "issue/p0001/tiles/tile_0_0.jpg")
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", res.Outcome)
	}
	if res.Outcome.Delivered() {
		t.Error("cancelled outcome reports delivery")
	}
}

func TestFallbacks(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		setup func(f *fixture)
		code  zerr.Code
	}{
		{
			name:  "manifest 404",
			path:  "unknown/p0001/tiles/tile_0_0.jpg",
			setup: func(*fixture) {},
			code:  zerr.ErrCodeManifestUnavailable,
		},
		{
			name:  "no descriptor for page",
			path:  "issue/p0404/tiles/tile_0_0.jpg",
			setup: func(*fixture) {},
			code:  zerr.ErrCodeArchiveNotFound,
		},
		{
			name:  "entry not found",
			path:  "issue/p0001/tiles/tile_9_9.jpg",
			setup: func(*fixture) {},
			code:  zerr.ErrCodeEntryNotFound,
		},
		{
			name:  "malformed path",
			path:  "issue/p0001/tile_0_0.jpg",
			setup: func(*fixture) {},
			code:  zerr.ErrCodeInvalidPath,
		},
		{
			name: "directory fetch failed",
			path: "issue/p0001/tiles/tile_0_0.jpg",
			setup: func(f *fixture) {
				d := f.archive.TilesDescriptor("p0001")
				d.DirOffset = int64(len(f.archive.Bytes)) + 10
				f.srv.Put("/issue/odw.json", ziptest.ManifestJSON(t, d))
			},
			code: zerr.ErrCodeDirectoryFetch,
		},
		{
			name: "range fetch failed",
			path: "issue/p0001/tiles/tile_0_0.jpg",
			setup: func(f *fixture) {
				d := f.archive.TilesDescriptor("p0001")
				d.CollOffset = int64(len(f.archive.Bytes))
				f.srv.Put("/issue/odw.json", ziptest.ManifestJSON(t, d))
			},
			code: zerr.ErrCodeRangeFetch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			tt.setup(f)

			res := f.orch.Fetch(context.Background(), tt.path)
			if res.Outcome != OutcomeFallback {
				t.Fatalf("outcome = %s (%v), want fallback", res.Outcome, res.Err)
			}
			if !bytes.Equal(res.Bytes, fallbackJPEG) {
				t.Errorf("bytes = %q, want fallback asset", res.Bytes)
			}
			if !zerr.Is(res.Err, tt.code) {
				t.Errorf("Err = %v, want code %s", res.Err, tt.code)
			}
		})
	}
}

func TestFallbackFetchedOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if res := f.orch.Fetch(ctx, "issue/p0001/tiles/missing.jpg"); res.Outcome != OutcomeFallback {
			t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
		}
	}
	if got := f.srv.Hits("/fallback.jpg"); got != 1 {
		t.Errorf("fallback fetched %d times, want 1", got)
	}
}

func TestFallbackFailure(t *testing.T) {
	f := newFixture(t, Options{Fallback: "missing-fallback.jpg"})

	res := f.orch.Fetch(context.Background(), "issue/p0001/tiles/missing.jpg")
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if res.Bytes != nil {
		t.Errorf("failed job delivered %d bytes", len(res.Bytes))
	}
	if !zerr.Is(res.Err, zerr.ErrCodeFallback) {
		t.Errorf("Err = %v, want FALLBACK_FAILED", res.Err)
	}
}

func TestAbsoluteFallbackURL(t *testing.T) {
	other := ziptest.NewServer(t)
	other.Put("/static/blank.jpg", []byte("blank"))
	f := newFixture(t, Options{Fallback: other.URL("/static/blank.jpg")})

	if got := f.orch.FallbackURL(); got != other.URL("/static/blank.jpg") {
		t.Errorf("FallbackURL = %q", got)
	}
	res := f.orch.Fetch(context.Background(), "issue/p0001/tiles/missing.jpg")
	if res.Outcome != OutcomeFallback || string(res.Bytes) != "blank" {
		t.Errorf("outcome %s, bytes %q", res.Outcome, res.Bytes)
	}
}

func TestSwitchingArchives(t *testing.T) {
	f := newFixture(t, Options{})
	b := ziptest.Build(t, 40,
		ziptest.File{Name: "p0001/tile_0_0.jpg", Data: []byte("other archive tile")},
	)
	f.srv.Put("/other/odw.json", ziptest.ManifestJSON(t, b.TilesDescriptor("p0001")))
	f.srv.Put("/other/odw.zip", b.Bytes)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := f.orch.Fetch(ctx, "issue/p0001/tiles/tile_0_0.jpg")
		if !bytes.Equal(res.Bytes, f.archive.Files[0].Data) {
			t.Errorf("round %d issue: got %q (%s, %v)", i, res.Bytes, res.Outcome, res.Err)
		}
		res = f.orch.Fetch(ctx, "other/p0001/tiles/tile_0_0.jpg")
		if string(res.Bytes) != "other archive tile" {
			t.Errorf("round %d other: got %q (%s, %v)", i, res.Bytes, res.Outcome, res.Err)
		}
	}
	if got := f.orch.Directories().Stats().Entries; got != 2 {
		t.Errorf("cached directories = %d, want 2", got)
	}
}

func TestLocate(t *testing.T) {
	f := newFixture(t, Options{})
	spec, loc, err := f.orch.Locate(context.Background(), "issue/p0001/tiles/tile_0_4.jpg")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if spec.ZipURL != f.srv.URL("/issue/odw.zip") {
		t.Errorf("ZipURL = %q", spec.ZipURL)
	}
	got := f.archive.Bytes[loc.Offset : loc.Offset+loc.Length]
	if !bytes.Equal(got, f.archive.Files[4].Data) {
		t.Errorf("container slice = %q, want %q", got, f.archive.Files[4].Data)
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.orch.Fetch(ctx, "issue/p0001/tiles/tile_0_0.jpg")
	f.orch.Reset()
	f.orch.Fetch(ctx, "issue/p0001/tiles/tile_0_0.jpg")

	if got := f.srv.Hits("/issue/odw.json"); got != 2 {
		t.Errorf("manifest fetched %d times, want 2", got)
	}
	if got := f.directoryFetches(); got != 2 {
		t.Errorf("directory fetched %d times, want 2", got)
	}
}

func TestJobIdentityAndHooks(t *testing.T) {
	counters := observability.NewCounters()
	observability.SetTileHooks(counters)
	t.Cleanup(observability.Reset)

	f := newFixture(t, Options{})
	ctx := context.Background()

	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for _, p := range []string{"issue/p0001/tiles/tile_0_0.jpg", "issue/p0001/tiles/nope.jpg", "issue/p0001/tiles/tile_0_1.jpg"} {
		j := f.orch.RequestTile(ctx, p)
		if _, err := uuid.Parse(j.ID); err != nil {
			t.Errorf("job ID %q: %v", j.ID, err)
		}
		seen[j.ID] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Wait()
		}()
	}
	wg.Wait()

	if len(seen) != 3 {
		t.Errorf("job IDs not unique: %v", seen)
	}
	snap := counters.Snapshot()
	if snap.TilesStarted != 3 || snap.Outcomes["tile"] != 2 || snap.Outcomes["fallback"] != 1 {
		t.Errorf("counters = %+v", snap)
	}
}

func TestNewOrchestratorErrors(t *testing.T) {
	tests := []Options{
		{BaseURL: ""},
		{BaseURL: "ftp://example.org/"},
		{BaseURL: "https://example.org/", Fallback: "gopher://example.org/x.jpg"},
	}
	for _, opts := range tests {
		if _, err := NewOrchestrator(opts); err == nil {
			t.Errorf("NewOrchestrator(%+v) succeeded", opts)
		} else if !strings.Contains(err.Error(), "URL") {
			t.Errorf("NewOrchestrator(%+v) error = %v", opts, err)
		}
	}
}
