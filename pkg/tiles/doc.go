// Package tiles delivers individual image tiles out of ZIP archives hosted
// behind plain HTTP servers, without downloading the archives.
//
// A tile request path names an archive identity, a page and a tile file:
//
//	papers/1901/05/04/p0003/tiles/2/1_3.jpg
//	\_______________/ \___/       \_______/
//	    identity       page         tile
//
// [Orchestrator.RequestTile] runs the pipeline for one path:
//
//  1. the archive descriptor for the page is read from the identity's
//     odw.json manifest ([locator.Locator]);
//  2. the archive's central directory is fetched with one range request and
//     kept for later tiles ([dircache.Cache]);
//  3. the directory is scanned for the tile's entry ([zipdir.FindEntry]);
//  4. the entry's bytes are fetched with a second range request.
//
// The manifest and directory fetches are shared between all tiles of an
// archive and run to completion even when the tile that started them is
// cancelled. The final range request belongs to the job alone.
//
// # Outcomes
//
// A [Job] ends in exactly one [Outcome]:
//
//   - [OutcomeTile]: the tile bytes were delivered;
//   - [OutcomeFallback]: some stage failed and the fallback asset was
//     delivered instead; Result.Err holds the cause;
//   - [OutcomeFailed]: the fallback asset itself could not be fetched;
//   - [OutcomeCancelled]: the job was cancelled, or its context ended,
//     before it could deliver anything.
//
// Cancelled jobs never report tile or fallback bytes.
package tiles
