package masm

import (
	"encoding/binary"
	"fmt"
)

// RelativeOffset computes the rel32 that transfers control from the
// instruction ending at sourceEnd to target.
func RelativeOffset(sourceEnd, target uintptr) int32 {
	rel := int64(target) - int64(sourceEnd)
	if rel != int64(int32(rel)) {
		panic(fmt.Sprintf("masm: rel32 out of range: 0x%x -> 0x%x", sourceEnd, target))
	}
	return int32(rel)
}

// PutRel32 writes rel into the four bytes that end at end.
func PutRel32(code []byte, end uint32, rel int32) {
	binary.LittleEndian.PutUint32(code[end-4:end], uint32(rel))
}

// Rel32At reads the rel32 that ends at end.
func Rel32At(code []byte, end uint32) int32 {
	return int32(binary.LittleEndian.Uint32(code[end-4 : end]))
}

// PutImm64 writes v at offset at.
func PutImm64(code []byte, at uint32, v uint64) {
	binary.LittleEndian.PutUint64(code[at:at+8], v)
}

// Imm64At reads the imm64 at offset at.
func Imm64At(code []byte, at uint32) uint64 {
	return binary.LittleEndian.Uint64(code[at : at+8])
}

// PutDisp32 writes a disp32 at offset at.
func PutDisp32(code []byte, at uint32, v int32) {
	binary.LittleEndian.PutUint32(code[at:at+4], uint32(v))
}

// Disp32At reads the disp32 at offset at.
func Disp32At(code []byte, at uint32) int32 {
	return int32(binary.LittleEndian.Uint32(code[at : at+4]))
}

// Rel32Bytes encodes rel for a single write into a live region.
func Rel32Bytes(rel int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(rel))
}

// Imm64Bytes encodes v for a single write into a live region.
func Imm64Bytes(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}
