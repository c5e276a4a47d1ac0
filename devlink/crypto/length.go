package crypto

import "encoding/binary"

// patchLength adds delta to the big-endian uint16 at buf[offset:offset+2].
// The caller guarantees the field lies inside buf. Used only to move the
// serialized MessageLength between its pre-MAC and post-MAC values.
func patchLength(buf []byte, offset, delta int) {
	field := buf[offset : offset+2]
	binary.BigEndian.PutUint16(field, uint16(int(binary.BigEndian.Uint16(field))+delta))
}
