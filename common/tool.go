package common

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// EncodeUint64 encodes a uint64 value into a byte slice in LittleEndian order
func EncodeUint64(num uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, num)
	return buf
}

// DecodeUint64 decodes a byte slice into a uint64 value in LittleEndian order
func DecodeUint64(data []byte) uint64 {
	if len(data) != 8 {
		panic(fmt.Sprintf("DecodeUint64: want 8 bytes, got %d", len(data)))
	}
	return binary.LittleEndian.Uint64(data)
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align uint64) uint64 {
	if align == 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("AlignUp: alignment %d is not a power of two", align))
	}
	return (n + align - 1) &^ (align - 1)
}

// FitsInt32 reports whether v survives a round trip through int32.
func FitsInt32(v int64) bool {
	return v == int64(int32(v))
}

// HexBytes renders b as space separated hex pairs.
func HexBytes(b []byte) string {
	var sb strings.Builder
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", c)
	}
	return sb.String()
}
