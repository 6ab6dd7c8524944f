package zipdir

import (
	"errors"
	"fmt"
	"iter"
	"strings"
)

const (
	directoryHeaderSignature = 0x02014b50
	directoryHeaderLen       = 46 // + filename + extra + comment
	fileHeaderLen            = 30 // + filename + extra
)

var (
	// ErrNotFound is returned when no record matches the requested name.
	ErrNotFound = errors.New("zipdir: entry not found")

	// ErrTruncated is returned when a record extends past the end of the
	// buffer or does not start with a central directory signature. It wraps
	// ErrNotFound so callers treating both alike need a single check.
	ErrTruncated = fmt.Errorf("%w: central directory truncated or malformed", ErrNotFound)
)

// Location is the absolute byte range of an entry's data inside the
// container file.
type Location struct {
	Offset int64 // first byte of the entry data
	Length int64 // number of bytes (compressed size)
}

// End returns the inclusive last byte of the range, suitable for an HTTP
// Range header. It returns Offset-1 for an empty entry.
func (l Location) End() int64 { return l.Offset + l.Length - 1 }

// Entry describes one central directory record.
type Entry struct {
	Name           string
	CompressedSize uint32
	HeaderOffset   uint32 // relative offset of the local file header
	ExtraLen       int
	CommentLen     int
}

// Locate returns the absolute data range of e inside a container whose ZIP
// collection starts at collectionOffset.
func (e Entry) Locate(collectionOffset int64) Location {
	return Location{
		Offset: int64(e.HeaderOffset) + collectionOffset + fileHeaderLen +
			int64(len(e.Name)) + int64(e.ExtraLen) + int64(e.CommentLen),
		Length: int64(e.CompressedSize),
	}
}

// FindEntry scans the central directory buf for the first record whose name
// contains target and returns its absolute location. collectionOffset is the
// position of the ZIP collection inside the container file.
//
// An empty buffer yields ErrNotFound. A buffer that ends mid-record yields
// ErrTruncated unless a match was found before the damaged record.
func FindEntry(buf []byte, target string, collectionOffset int64) (Location, error) {
	return find(buf, collectionOffset, func(name string) bool {
		return strings.Contains(name, target)
	})
}

// FindExact is like FindEntry but only accepts a record whose name equals
// name.
func FindExact(buf []byte, name string, collectionOffset int64) (Location, error) {
	return find(buf, collectionOffset, func(n string) bool { return n == name })
}

func find(buf []byte, collectionOffset int64, match func(string) bool) (Location, error) {
	for e, err := range Entries(buf) {
		if err != nil {
			return Location{}, err
		}
		if match(e.Name) {
			return e.Locate(collectionOffset), nil
		}
	}
	return Location{}, ErrNotFound
}

// Entries iterates over the records of buf in directory order. Iteration
// ends after the last complete record; a damaged record is reported once
// with ErrTruncated and ends the iteration.
func Entries(buf []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for pos := 0; pos < len(buf); {
			e, n, err := readRecord(buf[pos:])
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
			pos += n
		}
	}
}

// readRecord decodes the record at the start of b and returns it together
// with its total encoded length.
func readRecord(b []byte) (Entry, int, error) {
	if len(b) < directoryHeaderLen {
		return Entry{}, 0, ErrTruncated
	}
	r := readBuf(b[:directoryHeaderLen])
	if r.uint32() != directoryHeaderSignature {
		return Entry{}, 0, ErrTruncated
	}
	r.skip(16) // versions, flags, method, mod time/date, crc32
	compressedSize := r.uint32()
	r.skip(4) // uncompressed size
	filenameLen := int(r.uint16())
	extraLen := int(r.uint16())
	commentLen := int(r.uint16())
	r.skip(8) // disk number start, internal and external attributes
	headerOffset := r.uint32()

	size := directoryHeaderLen + filenameLen + extraLen + commentLen
	if size > len(b) {
		return Entry{}, 0, ErrTruncated
	}

	return Entry{
		Name:           string(b[directoryHeaderLen : directoryHeaderLen+filenameLen]),
		CompressedSize: compressedSize,
		HeaderOffset:   headerOffset,
		ExtraLen:       extraLen,
		CommentLen:     commentLen,
	}, size, nil
}
