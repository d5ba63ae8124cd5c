package flasher

import (
	"crypto/sha256"
	"encoding/binary"
)

// sha256Envelope wraps data the way the flash bootloader expects it:
// a zero byte, the u32 little-endian length, the data, and a SHA-256
// digest over everything before it.
func sha256Envelope(data []byte) []byte {
	buf := make([]byte, 0, 1+4+len(data)+sha256.Size)
	buf = append(buf, 0x00)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)

	sum := sha256.Sum256(buf)
	return append(buf, sum[:]...)
}

// reverse4Bytes returns a copy of data with the bytes of every aligned
// 4-byte word reversed. Trailing bytes past the last full word are kept
// as-is.
func reverse4Bytes(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	for i := 0; i+4 <= len(out); i += 4 {
		out[i], out[i+3] = out[i+3], out[i]
		out[i+1], out[i+2] = out[i+2], out[i+1]
	}
	return out
}
