package zipdir

import "encoding/binary"

// readBuf is a little-endian cursor over a fixed-size header. Callers check
// the length before reading; the accessors do not.
type readBuf []byte

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *readBuf) skip(n int) {
	*b = (*b)[n:]
}
