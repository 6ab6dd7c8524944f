// Package manifest models the odw.json archive manifest and the tile request
// paths that are resolved against it.
//
// A tile request path has the shape
//
//	<archiveIdentity>/<page>/tiles/<tileName>
//
// where archiveIdentity may itself contain slashes. [ParseTilePath] splits
// a path at its first "/tiles/" segment and rejects anything else with an
// INVALID_PATH error.
//
// The manifest lives next to the archive at <archiveIdentity>/odw.json and
// lists offset descriptors. [Manifest.Select] picks the first descriptor
// whose ident contains the page and whose ztype contains "tiles"; the
// resulting [Spec] points at <archiveIdentity>/odw.zip.
package manifest
