// Package ziptest builds ZIP containers and range-capable HTTP servers for
// tests.
package ziptest

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	directoryEndSignature = 0x06054b50
	directoryEndLen       = 22
)

// File is one STORED entry of a test archive.
type File struct {
	Name string
	Data []byte
}

// Archive is a container file holding a single ZIP collection that starts
// at CollectionOffset.
type Archive struct {
	Bytes            []byte
	Files            []File
	CollectionOffset int64
	DirOffset        int64 // absolute offset of the central directory
	DirSize          int64
}

// Directory returns the raw central directory bytes.
func (a *Archive) Directory() []byte {
	return a.Bytes[a.DirOffset : a.DirOffset+a.DirSize]
}

// Build writes files as STORED entries after prefix padding bytes and
// records the central directory bounds from the end record.
func Build(t testing.TB, prefix int, files ...File) *Archive {
	t.Helper()

	var buf bytes.Buffer
	buf.Write(bytes.Repeat([]byte{0xEE}, prefix))

	var zipped bytes.Buffer
	zw := zip.NewWriter(&zipped)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Store})
		if err != nil {
			t.Fatalf("create %s: %v", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			t.Fatalf("write %s: %v", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	buf.Write(zipped.Bytes())

	dirOffset, dirSize, err := readDirectoryEnd(zipped.Bytes())
	if err != nil {
		t.Fatalf("read end record: %v", err)
	}
	return &Archive{
		Bytes:            buf.Bytes(),
		Files:            files,
		CollectionOffset: int64(prefix),
		DirOffset:        int64(prefix) + dirOffset,
		DirSize:          dirSize,
	}
}

// readDirectoryEnd locates the end of central directory record, which has
// no comment in archives written by Build.
func readDirectoryEnd(b []byte) (offset, size int64, err error) {
	if len(b) < directoryEndLen {
		return 0, 0, fmt.Errorf("archive too short")
	}
	end := b[len(b)-directoryEndLen:]
	if binary.LittleEndian.Uint32(end) != directoryEndSignature {
		return 0, 0, fmt.Errorf("end record signature not found")
	}
	size = int64(binary.LittleEndian.Uint32(end[12:]))
	offset = int64(binary.LittleEndian.Uint32(end[16:]))
	return offset, size, nil
}

// Descriptor mirrors one zip_offsets element of an odw.json manifest.
type Descriptor struct {
	Ident      string `json:"ident"`
	ZType      string `json:"ztype"`
	CollOffset int64  `json:"coll_offset"`
	DirOffset  int64  `json:"dir_offset"`
	DirSize    int64  `json:"dir_size"`
}

// TilesDescriptor returns the descriptor for a "tiles" collection of a.
func (a *Archive) TilesDescriptor(ident string) Descriptor {
	return Descriptor{
		Ident:      ident,
		ZType:      "tiles",
		CollOffset: a.CollectionOffset,
		DirOffset:  a.DirOffset,
		DirSize:    a.DirSize,
	}
}

// ManifestJSON encodes descriptors as an odw.json document.
func ManifestJSON(t testing.TB, descriptors ...Descriptor) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"zip_offsets": descriptors})
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return data
}

// Server serves static content by path with Range support and counts
// requests per path.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	files   map[string][]byte
	hits    map[string]int
	ranges  map[string][]string
	delay   time.Duration
	full    bool
	aborted int
}

// NewServer starts a server; it is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		files:  make(map[string][]byte),
		hits:   make(map[string]int),
		ranges: make(map[string][]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Put registers content at path (which must start with "/").
func (s *Server) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
}

// SetDelay holds every response back for d, or until the request is
// cancelled.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetIgnoreRange makes the server answer range requests with the full body
// and 200, like servers without range support.
func (s *Server) SetIgnoreRange(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = ignore
}

// Hits returns how many requests arrived for path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Ranges returns the Range headers received for path, in arrival order.
func (s *Server) Ranges(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges[path]...)
}

// Aborted returns how many requests ended on the client side while held
// back by SetDelay.
func (s *Server) Aborted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// URL returns the absolute URL of path.
func (s *Server) URL(path string) string {
	return s.Server.URL + "/" + strings.TrimPrefix(path, "/")
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	if rg := r.Header.Get("Range"); rg != "" {
		s.ranges[r.URL.Path] = append(s.ranges[r.URL.Path], rg)
	}
	data, ok := s.files[r.URL.Path]
	delay, ignore := s.delay, s.full
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			s.mu.Lock()
			s.aborted++
			s.mu.Unlock()
			return
		}
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if ignore {
		r.Header.Del("Range")
	}
	http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(data))
}
