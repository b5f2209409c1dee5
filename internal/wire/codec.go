// Package wire implements the PostgreSQL v3 frontend/backend wire protocol:
// big-endian primitive encoding, message framing, and the message
// constructors/parsers the query executor and replication supervisor drive.
package wire

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// ErrShortBuffer is returned by read helpers when the buffer does not
// contain enough bytes for the requested field.
type ErrShortBuffer struct {
	Want int
	Have int
}

func (e *ErrShortBuffer) Error() string {
	return fmt.Sprintf("wire: short buffer: want %d bytes, have %d", e.Want, e.Have)
}

// HostIsLittleEndian reports the host's native byte order. The wire protocol
// is always big-endian regardless of this value; it exists for test
// harnesses that need to exercise both code paths of a byte-swap helper.
func HostIsLittleEndian() bool {
	var x uint16 = 1
	b := (*[2]byte)(unsafe.Pointer(&x))
	return b[0] == 1
}

// Swap32 reverses the byte order of a 32-bit word. Exposed for test
// harnesses and for adjusting host-order timestamps read from foreign data.
func Swap32(v uint32) uint32 {
	return (v&0x000000ff)<<24 | (v&0x0000ff00)<<8 | (v&0x00ff0000)>>8 | (v&0xff000000)>>24
}

// ReadU8 reads an unsigned byte at offset 0 of buf.
func ReadU8(buf []byte) (uint8, error) {
	if len(buf) < 1 {
		return 0, &ErrShortBuffer{Want: 1, Have: len(buf)}
	}
	return buf[0], nil
}

// WriteU8 appends an unsigned byte to buf.
func WriteU8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

// ReadBool reads a single byte as a boolean (0 == false, anything else true).
func ReadBool(buf []byte) (bool, error) {
	b, err := ReadU8(buf)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// WriteBool appends a byte-encoded boolean.
func WriteBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// ReadI16 reads a big-endian signed 16-bit integer.
func ReadI16(buf []byte) (int16, error) {
	if len(buf) < 2 {
		return 0, &ErrShortBuffer{Want: 2, Have: len(buf)}
	}
	return int16(binary.BigEndian.Uint16(buf)), nil
}

// WriteI16 appends a big-endian signed 16-bit integer.
func WriteI16(buf []byte, v int16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(v))
	return append(buf, tmp[:]...)
}

// ReadU16 reads a big-endian unsigned 16-bit integer.
func ReadU16(buf []byte) (uint16, error) {
	if len(buf) < 2 {
		return 0, &ErrShortBuffer{Want: 2, Have: len(buf)}
	}
	return binary.BigEndian.Uint16(buf), nil
}

// WriteU16 appends a big-endian unsigned 16-bit integer.
func WriteU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

// ReadI32 reads a big-endian signed 32-bit integer.
func ReadI32(buf []byte) (int32, error) {
	if len(buf) < 4 {
		return 0, &ErrShortBuffer{Want: 4, Have: len(buf)}
	}
	return int32(binary.BigEndian.Uint32(buf)), nil
}

// WriteI32 appends a big-endian signed 32-bit integer.
func WriteI32(buf []byte, v int32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	return append(buf, tmp[:]...)
}

// ReadU32 reads a big-endian unsigned 32-bit integer.
func ReadU32(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, &ErrShortBuffer{Want: 4, Have: len(buf)}
	}
	return binary.BigEndian.Uint32(buf), nil
}

// WriteU32 appends a big-endian unsigned 32-bit integer.
func WriteU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// ReadI64 reads a big-endian signed 64-bit integer.
func ReadI64(buf []byte) (int64, error) {
	if len(buf) < 8 {
		return 0, &ErrShortBuffer{Want: 8, Have: len(buf)}
	}
	return int64(binary.BigEndian.Uint64(buf)), nil
}

// WriteI64 appends a big-endian signed 64-bit integer.
func WriteI64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

// ReadU64 reads a big-endian unsigned 64-bit integer.
func ReadU64(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, &ErrShortBuffer{Want: 8, Have: len(buf)}
	}
	return binary.BigEndian.Uint64(buf), nil
}

// WriteU64 appends a big-endian unsigned 64-bit integer.
func WriteU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// ReadString returns the NUL-terminated string at the start of buf, plus the
// number of bytes consumed including the terminator. The string conversion
// copies the bytes, so the returned string stays valid if buf's backing
// array is later reused.
func ReadString(buf []byte) (string, int, error) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), i + 1, nil
		}
	}
	return "", 0, fmt.Errorf("wire: unterminated string in %d-byte buffer", len(buf))
}

// WriteString appends s followed by a trailing NUL.
func WriteString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}
