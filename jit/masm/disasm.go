package masm

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/jitlink/common"
	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders code one instruction per line.
func Disassemble(code []byte) string {
	return DisassembleAt(code, 0)
}

// DisassembleAt is Disassemble with offsets printed relative to base.
func DisassembleAt(code []byte, base uint64) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		length := inst.Len
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%04x: db 0x%02x\n", base+uint64(offset), code[offset]))
			offset++
			continue
		}

		sb.WriteString(fmt.Sprintf(
			"0x%04x: %-16s %s\n",
			base+uint64(offset),
			common.HexBytes(code[offset:offset+length]),
			inst.String(),
		))
		offset += length
	}
	return sb.String()
}

// Inst is one decoded instruction and its offset in the stream.
type Inst struct {
	Offset uint32
	x86asm.Inst
}

// End returns the offset just past the instruction.
func (i Inst) End() uint32 { return i.Offset + uint32(i.Len) }

// Target returns the stream offset a rel-form branch or call transfers to.
func (i Inst) Target() (uint32, bool) {
	for _, arg := range i.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			return uint32(int64(i.End()) + int64(rel)), true
		}
	}
	return 0, false
}

// Decode decodes the whole stream, failing on the first undecodable byte.
func Decode(code []byte) ([]Inst, error) {
	var out []Inst
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			return out, fmt.Errorf("decode at 0x%04x: %w", offset, err)
		}
		out = append(out, Inst{Offset: uint32(offset), Inst: inst})
		offset += inst.Len
	}
	return out, nil
}

// DecodeAt decodes the single instruction starting at offset.
func DecodeAt(code []byte, offset uint32) (Inst, error) {
	inst, err := x86asm.Decode(code[offset:], 64)
	if err != nil {
		return Inst{}, fmt.Errorf("decode at 0x%04x: %w", offset, err)
	}
	return Inst{Offset: offset, Inst: inst}, nil
}
