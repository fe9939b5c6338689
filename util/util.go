package util

import (
	"encoding/binary"
	"unicode/utf16"
)

// AlignUp rounds v up to the next multiple of align. An alignment of zero
// leaves v untouched.
func AlignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// AlignUp64 is AlignUp without the 32 bit ceiling, used to detect overflow
// before a value is stored in a header field.
func AlignUp64(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// Pad4 returns the number of zero bytes needed to bring n to a 4 byte boundary.
func Pad4(n int) int {
	return (4 - n%4) % 4
}

// StringToWinWChar will convert a string to little endian UTF-16 bytes,
// optionally followed by a null terminator
func StringToWinWChar(s string, terminate bool) []byte {
	u := utf16.Encode([]rune(s))
	if terminate {
		u = append(u, 0)
	}
	ret := make([]byte, len(u)*2)
	for i, c := range u {
		binary.LittleEndian.PutUint16(ret[i*2:], c)
	}
	return ret
}

// WinWCharToString decodes little endian UTF-16 bytes, stopping at the first
// null code unit. It returns the string and the number of bytes consumed,
// terminator included. ok is false when no terminator was found.
func WinWCharToString(b []byte) (s string, n int, ok bool) {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		c := binary.LittleEndian.Uint16(b[i:])
		if c == 0 {
			return string(utf16.Decode(u)), i + 2, true
		}
		u = append(u, c)
	}
	return string(utf16.Decode(u)), len(b) &^ 1, false
}
