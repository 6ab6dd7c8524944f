package manifest

import (
	"strings"

	"github.com/ourdigitalworld/zipit/pkg/errors"
)

// tilesSegment separates the page prefix from the tile name.
const tilesSegment = "/tiles/"

// TilePath is a parsed tile request path.
type TilePath struct {
	Identity string // archive identity, e.g. "newspapers/1901-05-04"
	Page     string // page token, e.g. "page0003"
	Tile     string // tile name inside the collection, e.g. "0/0_0.jpg"
}

// Key identifies the page collection: archive identity plus page.
func (p TilePath) Key() string { return p.Identity + "/" + p.Page }

// String reassembles the request path.
func (p TilePath) String() string { return p.Key() + tilesSegment + p.Tile }

// ParseTilePath parses "<archiveIdentity>/<page>/tiles/<tileName>".
// A leading slash is ignored. Every component must be non-empty.
func ParseTilePath(raw string) (TilePath, error) {
	if err := errors.ValidatePath(raw); err != nil {
		return TilePath{}, err
	}
	path := strings.TrimPrefix(raw, "/")

	prefix, tile, ok := strings.Cut(path, tilesSegment)
	if !ok {
		return TilePath{}, errors.New(errors.ErrCodeInvalidPath, "missing %q segment in %q", tilesSegment, raw)
	}
	if tile == "" {
		return TilePath{}, errors.New(errors.ErrCodeInvalidPath, "empty tile name in %q", raw)
	}

	i := strings.LastIndex(prefix, "/")
	if i <= 0 || i == len(prefix)-1 {
		return TilePath{}, errors.New(errors.ErrCodeInvalidPath, "expected <archive>/<page> before tiles in %q", raw)
	}
	identity, page := prefix[:i], prefix[i+1:]
	if strings.Contains(identity, "//") {
		return TilePath{}, errors.New(errors.ErrCodeInvalidPath, "empty path component in %q", raw)
	}

	return TilePath{Identity: identity, Page: page, Tile: tile}, nil
}

// ParsePagePath parses "<archiveIdentity>/<page>", the prefix of a tile
// request path, for callers that list a whole collection.
func ParsePagePath(raw string) (TilePath, error) {
	p, err := ParseTilePath(strings.TrimSuffix(raw, "/") + tilesSegment + "_")
	if err != nil {
		return TilePath{}, err
	}
	p.Tile = ""
	return p, nil
}
