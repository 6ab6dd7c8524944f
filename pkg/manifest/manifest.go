package manifest

import (
	"fmt"
	"strings"

	"github.com/ourdigitalworld/zipit/pkg/errors"
)

// DefaultName is the manifest file name inside an archive identity.
const DefaultName = "odw.json"

// tilesType is the ztype substring marking tile collections.
const tilesType = "tiles"

// Manifest is the decoded odw.json document.
type Manifest struct {
	ZipOffsets []Descriptor `json:"zip_offsets"`
}

// Descriptor locates one ZIP collection inside the container file.
// The numeric fields are pointers so absent values can be told from zero.
type Descriptor struct {
	Ident      string `json:"ident"`
	ZType      string `json:"ztype"`
	CollOffset *int64 `json:"coll_offset"`
	DirOffset  *int64 `json:"dir_offset"`
	DirSize    *int64 `json:"dir_size"`
}

// Select returns the first descriptor whose ident contains page and whose
// ztype contains "tiles". Later matches are ignored.
func (m *Manifest) Select(page string) (Descriptor, bool) {
	if page == "" {
		return Descriptor{}, false
	}
	for _, d := range m.ZipOffsets {
		if strings.Contains(d.Ident, page) && strings.Contains(d.ZType, tilesType) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Spec is an immutable, fully resolved archive location.
type Spec struct {
	Identity         string `json:"identity"` // archive identity plus page
	ZipURL           string `json:"zip_url"`
	CollectionOffset int64  `json:"coll_offset"`
	DirectoryOffset  int64  `json:"dir_offset"`
	DirectorySize    int64  `json:"dir_size"`
}

// Key identifies the central directory described by s. Two specs with the
// same key share one directory buffer.
func (s Spec) Key() string {
	return fmt.Sprintf("%s@%d+%d", s.ZipURL, s.DirectoryOffset, s.DirectorySize)
}

// DirectoryRange returns the inclusive byte range of the central directory.
func (s Spec) DirectoryRange() (start, end int64) {
	return s.DirectoryOffset, s.DirectoryOffset + s.DirectorySize - 1
}

// Validate checks that every field is present and non-negative.
func (s Spec) Validate() error {
	if s.ZipURL == "" {
		return errors.New(errors.ErrCodeInvalidManifest, "%s: missing zip URL", s.Identity)
	}
	if s.CollectionOffset < 0 || s.DirectoryOffset < 0 || s.DirectorySize < 0 {
		return errors.New(errors.ErrCodeInvalidManifest,
			"%s: negative offset (coll=%d dir=%d size=%d)",
			s.Identity, s.CollectionOffset, s.DirectoryOffset, s.DirectorySize)
	}
	return nil
}

// NewSpec builds a Spec from a selected descriptor. manifestURL is the URL
// the manifest was fetched from; its ".json" suffix becomes ".zip".
func NewSpec(identity, manifestURL string, d Descriptor) (Spec, error) {
	if d.CollOffset == nil || d.DirOffset == nil || d.DirSize == nil {
		return Spec{}, errors.New(errors.ErrCodeInvalidManifest, "%s: descriptor %q lacks offsets", identity, d.Ident)
	}
	s := Spec{
		Identity:         identity,
		ZipURL:           ZipURL(manifestURL),
		CollectionOffset: *d.CollOffset,
		DirectoryOffset:  *d.DirOffset,
		DirectorySize:    *d.DirSize,
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// ZipURL derives the archive URL from the manifest URL.
func ZipURL(manifestURL string) string {
	if base, ok := strings.CutSuffix(manifestURL, ".json"); ok {
		return base + ".zip"
	}
	return manifestURL + ".zip"
}
