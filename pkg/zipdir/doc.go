// Package zipdir locates entries inside a raw ZIP central directory.
//
// The input is the central directory alone, as fetched with a byte-range
// request, not a whole archive. Records are scanned sequentially; no end of
// central directory record is required and no io.ReaderAt is involved.
//
// # Record Layout
//
// Each central directory record is a 46-byte fixed header followed by the
// file name, the extra field and the file comment:
//
//	offset  size  field
//	     0     4  signature (PK\x01\x02)
//	    20     4  compressed size
//	    28     2  file name length
//	    30     2  extra field length
//	    32     2  file comment length
//	    42     4  relative offset of local header
//	    46     n  file name
//
// # Matching
//
// [FindEntry] matches by substring containment: the first record whose name
// contains the target wins. A target such as "0_0.jpg" therefore also
// matches "10_0.jpg" when that record comes first. [FindExact] compares whole
// names for callers that need it.
//
// # Limitations
//
// Only STORED (uncompressed) entries resolve to usable bytes: the returned
// length is the compressed size and nothing is inflated. The local file
// header is assumed to carry the same extra field as the central record, and
// ZIP64 fields are not consulted.
//
// None of the functions in this package panic on corrupt input. A record
// whose lengths point past the end of the buffer ends the scan with
// [ErrTruncated], which also satisfies errors.Is(err, [ErrNotFound]).
package zipdir
