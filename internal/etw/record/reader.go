package record

import (
	"math"
	"unicode/utf16"
	"unsafe"

	"github.com/Microsoft/go-winio/pkg/guid"
)

// Raw field readers. Offsets are not validated against any buffer length,
// callers are expected to know the provider's payload layout.

func at(base unsafe.Pointer, offset int) unsafe.Pointer {
	return unsafe.Add(base, offset)
}

func ReadInt8(base unsafe.Pointer, offset int) int8 {
	return *(*int8)(at(base, offset))
}

func ReadUint8(base unsafe.Pointer, offset int) uint8 {
	return *(*uint8)(at(base, offset))
}

func ReadInt16(base unsafe.Pointer, offset int) int16 {
	return *(*int16)(at(base, offset))
}

func ReadUint16(base unsafe.Pointer, offset int) uint16 {
	return *(*uint16)(at(base, offset))
}

func ReadInt32(base unsafe.Pointer, offset int) int32 {
	return *(*int32)(at(base, offset))
}

func ReadUint32(base unsafe.Pointer, offset int) uint32 {
	return *(*uint32)(at(base, offset))
}

func ReadInt64(base unsafe.Pointer, offset int) int64 {
	return *(*int64)(at(base, offset))
}

func ReadUint64(base unsafe.Pointer, offset int) uint64 {
	return *(*uint64)(at(base, offset))
}

// ReadPointer reads a pointer-sized value of the given size (4 or 8 bytes)
// and widens it to 64 bits.
func ReadPointer(base unsafe.Pointer, offset int, size int) uint64 {
	if size == 4 {
		return uint64(ReadUint32(base, offset))
	}
	return ReadUint64(base, offset)
}

func ReadFloat32(base unsafe.Pointer, offset int) float32 {
	return math.Float32frombits(ReadUint32(base, offset))
}

func ReadFloat64(base unsafe.Pointer, offset int) float64 {
	return math.Float64frombits(ReadUint64(base, offset))
}

// ReadBytes copies n bytes starting at offset.
func ReadBytes(base unsafe.Pointer, offset int, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(at(base, offset)), n))
	return out
}

func ReadGUID(base unsafe.Pointer, offset int) guid.GUID {
	return *(*guid.GUID)(at(base, offset))
}

// ReadUTF16String decodes a null-terminated UTF-16 string and returns it
// together with the offset just past the terminator.
func ReadUTF16String(base unsafe.Pointer, offset int) (string, int) {
	n := 0
	for ReadUint16(base, offset+2*n) != 0 {
		n++
	}
	if n == 0 {
		return "", offset + 2
	}
	units := unsafe.Slice((*uint16)(at(base, offset)), n)
	return string(utf16.Decode(units)), offset + 2*(n+1)
}

// ReadCountedUTF16String decodes a UTF-16 string prefixed by its length in
// bytes as a uint16.
func ReadCountedUTF16String(base unsafe.Pointer, offset int) (string, int) {
	size := int(ReadUint16(base, offset))
	start := offset + 2
	if size < 2 {
		return "", start + size
	}
	units := unsafe.Slice((*uint16)(at(base, start)), size/2)
	return string(utf16.Decode(units)), start + size
}

// ReadAnsiString decodes a null-terminated 8-bit string.
func ReadAnsiString(base unsafe.Pointer, offset int) (string, int) {
	n := 0
	for ReadUint8(base, offset+n) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(at(base, offset)), n)), offset + n + 1
}
