package masm

import (
	"encoding/binary"
	"fmt"
)

// Condition selects the 0x0F 0x8x conditional branch.
type Condition byte

const (
	Always       Condition = 0
	Overflow     Condition = X86_OP2_JO
	Below        Condition = X86_OP2_JB
	AboveOrEqual Condition = X86_OP2_JAE
	Equal        Condition = X86_OP2_JE
	NotEqual     Condition = X86_OP2_JNE
	BelowOrEqual Condition = X86_OP2_JBE
	Above        Condition = X86_OP2_JA
	LessThan     Condition = X86_OP2_JL
	GreaterEqual Condition = X86_OP2_JGE
)

// CallKind distinguishes rel32 near calls from absolute calls through
// ScratchRegister.
type CallKind uint8

const (
	NearCall CallKind = iota
	AbsoluteCall
)

func (k CallKind) String() string {
	if k == NearCall {
		return "near"
	}
	return "absolute"
}

// Label is a bound position in the instruction stream.
type Label struct {
	offset uint32
	set    bool
}

func (l Label) Offset() uint32 { return l.offset }
func (l Label) IsSet() bool    { return l.set }

// Jump is an emitted branch whose rel32 occupies the last four bytes.
type Jump struct {
	start, end uint32
	cond       Condition
	set        bool
}

func (j Jump) Start() uint32        { return j.start }
func (j Jump) End() uint32          { return j.end }
func (j Jump) Condition() Condition { return j.cond }
func (j Jump) IsSet() bool          { return j.set }

// Link binds j to the current end of a.
func (j Jump) Link(a *Assembler) { a.LinkJump(j, a.Label()) }

// LinkTo binds j to l.
func (j Jump) LinkTo(l Label, a *Assembler) { a.LinkJump(j, l) }

// JumpList collects branches that share a target.
type JumpList []Jump

func (jl *JumpList) Append(j Jump) { *jl = append(*jl, j) }

func (jl JumpList) Link(a *Assembler) {
	for _, j := range jl {
		j.Link(a)
	}
}

func (jl JumpList) LinkTo(l Label, a *Assembler) {
	for _, j := range jl {
		a.LinkJump(j, l)
	}
}

// Call is an emitted call. End is the return address offset. Near calls hold a
// rel32 at End-4; absolute calls hold an imm64 at Start+MovImm64ImmOffset.
type Call struct {
	start, end uint32
	kind       CallKind
	set        bool
}

func (c Call) Start() uint32  { return c.start }
func (c Call) End() uint32    { return c.end }
func (c Call) Kind() CallKind { return c.kind }
func (c Call) IsSet() bool    { return c.set }

// DataLabelPtr marks a mov reg, imm64 whose immediate may be repatched.
type DataLabelPtr struct {
	offset uint32
	set    bool
}

func (d DataLabelPtr) Offset() uint32    { return d.offset }
func (d DataLabelPtr) ImmOffset() uint32 { return d.offset + MovImm64ImmOffset }
func (d DataLabelPtr) IsSet() bool       { return d.set }

// DataLabel32 marks a memory operand instruction whose disp32 may be repatched.
type DataLabel32 struct {
	offset uint32
	set    bool
}

func (d DataLabel32) Offset() uint32     { return d.offset }
func (d DataLabel32) DispOffset() uint32 { return d.offset + MemOpDispOffset }
func (d DataLabel32) IsSet() bool        { return d.set }

// SiteKind names an unresolved placeholder.
type SiteKind uint8

const (
	SiteJump SiteKind = iota
	SiteNearCall
	SiteAbsoluteCall
)

func (k SiteKind) String() string {
	switch k {
	case SiteJump:
		return "jump"
	case SiteNearCall:
		return "near call"
	case SiteAbsoluteCall:
		return "absolute call"
	default:
		return "unknown"
	}
}

// Assembler accumulates machine code. Every Jump and Call starts out
// unresolved; the set of unresolved sites is handed to the link buffer, which
// refuses to finalize while any remain.
type Assembler struct {
	buf     []byte
	pending map[uint32]SiteKind // keyed by site end offset
}

func NewAssembler() *Assembler {
	return &Assembler{
		buf:     make([]byte, 0, 256),
		pending: make(map[uint32]SiteKind),
	}
}

func (a *Assembler) Code() []byte { return a.buf }
func (a *Assembler) Size() int    { return len(a.buf) }

func (a *Assembler) Label() Label { return Label{offset: uint32(len(a.buf)), set: true} }

// UnresolvedSites returns a copy of the placeholder set, keyed by site end.
func (a *Assembler) UnresolvedSites() map[uint32]SiteKind {
	out := make(map[uint32]SiteKind, len(a.pending))
	for k, v := range a.pending {
		out[k] = v
	}
	return out
}

func (a *Assembler) emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *Assembler) emit32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

func (a *Assembler) emit64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

func rex(w bool, reg, rm X86Reg) byte {
	b := byte(X86_REX_BASE)
	if w {
		b |= X86_REX_W
	}
	if reg.REXBit == 1 {
		b |= X86_REX_R
	}
	if rm.REXBit == 1 {
		b |= X86_REX_B
	}
	return b
}

// memOperand emits ModRM+SIB+disp32 for [base + disp]. The SIB form is used
// for every base so the operand width never depends on the register.
func (a *Assembler) memOperand(regField byte, base X86Reg, disp int32) {
	modrm := byte(X86_MOD_INDIRECT_DISP32<<6) | (regField&7)<<3 | X86_SIB_INDICATOR
	sib := byte(X86_SIB_NO_INDEX<<3) | base.RegBits
	a.emit(modrm, sib)
	a.emit32(uint32(disp))
}

// MovImm64 emits mov dst, imm64 (always the 10-byte form).
func (a *Assembler) MovImm64(dst X86Reg, imm uint64) DataLabelPtr {
	start := uint32(len(a.buf))
	a.emit(rex(true, X86Reg{}, dst), X86_OP_MOV_R_IMM+dst.RegBits)
	a.emit64(imm)
	return DataLabelPtr{offset: start, set: true}
}

// MovImm32 emits mov dst32, imm32, zero extending into dst.
func (a *Assembler) MovImm32(dst X86Reg, imm uint32) {
	if dst.REXBit == 1 {
		a.emit(X86_REX_BASE | X86_REX_B)
	}
	a.emit(X86_OP_MOV_R_IMM + dst.RegBits)
	a.emit32(imm)
}

// Mov emits mov dst, src (64-bit).
func (a *Assembler) Mov(dst, src X86Reg) {
	a.emit(rex(true, src, dst), X86_OP_MOV_RM_R, X86_MOD_REGISTER<<6|src.RegBits<<3|dst.RegBits)
}

// Load64 emits mov dst, [base + disp].
func (a *Assembler) Load64(dst, base X86Reg, disp int32) DataLabel32 {
	start := uint32(len(a.buf))
	a.emit(rex(true, dst, base), X86_OP_MOV_R_RM)
	a.memOperand(dst.RegBits, base, disp)
	return DataLabel32{offset: start, set: true}
}

// Load32 emits mov dst32, [base + disp]. A REX byte is always present so the
// form is as wide as Load64.
func (a *Assembler) Load32(dst, base X86Reg, disp int32) DataLabel32 {
	start := uint32(len(a.buf))
	a.emit(rex(false, dst, base), X86_OP_MOV_R_RM)
	a.memOperand(dst.RegBits, base, disp)
	return DataLabel32{offset: start, set: true}
}

// Store64 emits mov [base + disp], src.
func (a *Assembler) Store64(base X86Reg, disp int32, src X86Reg) DataLabel32 {
	start := uint32(len(a.buf))
	a.emit(rex(true, src, base), X86_OP_MOV_RM_R)
	a.memOperand(src.RegBits, base, disp)
	return DataLabel32{offset: start, set: true}
}

// Store32Imm emits mov dword [base + disp], imm32.
func (a *Assembler) Store32Imm(base X86Reg, disp int32, imm uint32) {
	a.emit(rex(false, X86Reg{}, base), X86_OP_MOV_RM_IMM)
	a.memOperand(0, base, disp)
	a.emit32(imm)
}

// CmpMem64 emits cmp qword [base + disp], reg.
func (a *Assembler) CmpMem64(base X86Reg, disp int32, reg X86Reg) {
	a.emit(rex(true, reg, base), X86_OP_CMP_RM_R)
	a.memOperand(reg.RegBits, base, disp)
}

// CmpMem64Imm8 emits cmp qword [base + disp], imm8.
func (a *Assembler) CmpMem64Imm8(base X86Reg, disp int32, imm int8) {
	a.emit(rex(true, X86Reg{}, base), X86_OP_GROUP1_RM_IMM8)
	a.memOperand(X86_REG_CMP, base, disp)
	a.emit(byte(imm))
}

// Cmp64 emits cmp left, right.
func (a *Assembler) Cmp64(left, right X86Reg) {
	a.emit(rex(true, right, left), X86_OP_CMP_RM_R, X86_MOD_REGISTER<<6|right.RegBits<<3|left.RegBits)
}

// Cmp32Imm emits cmp reg32, imm32.
func (a *Assembler) Cmp32Imm(reg X86Reg, imm int32) {
	if reg.REXBit == 1 {
		a.emit(X86_REX_BASE | X86_REX_B)
	}
	a.emit(X86_OP_GROUP1_RM_IMM32, X86_MOD_REGISTER<<6|X86_REG_CMP<<3|reg.RegBits)
	a.emit32(uint32(imm))
}

// Lea64 emits lea dst, [base + disp].
func (a *Assembler) Lea64(dst, base X86Reg, disp int32) {
	a.emit(rex(true, dst, base), X86_OP_LEA)
	a.memOperand(dst.RegBits, base, disp)
}

func (a *Assembler) Pop(reg X86Reg) {
	if reg.REXBit == 1 {
		a.emit(X86_REX_BASE | X86_REX_B)
	}
	a.emit(X86_OP_POP_R + reg.RegBits)
}

func (a *Assembler) Push(reg X86Reg) {
	if reg.REXBit == 1 {
		a.emit(X86_REX_BASE | X86_REX_B)
	}
	a.emit(X86_OP_PUSH_R + reg.RegBits)
}

// JumpReg emits jmp reg.
func (a *Assembler) JumpReg(reg X86Reg) {
	if reg.REXBit == 1 {
		a.emit(X86_REX_BASE | X86_REX_B)
	}
	a.emit(X86_OP_GROUP5_RM, X86_MOD_REGISTER<<6|X86_REG_JMP_RM<<3|reg.RegBits)
}

// CallReg emits call reg.
func (a *Assembler) CallReg(reg X86Reg) {
	if reg.REXBit == 1 {
		a.emit(X86_REX_BASE | X86_REX_B)
	}
	a.emit(X86_OP_GROUP5_RM, X86_MOD_REGISTER<<6|X86_REG_CALL_RM<<3|reg.RegBits)
}

func (a *Assembler) Ret()  { a.emit(X86_OP_RET) }
func (a *Assembler) Int3() { a.emit(X86_OP_INT3) }
func (a *Assembler) Nop()  { a.emit(X86_INST_NOP) }

// Jump emits an unresolved jmp rel32.
func (a *Assembler) Jump() Jump {
	start := uint32(len(a.buf))
	a.emit(X86_OP_JMP_REL32)
	a.emit32(Rel32Placeholder)
	end := uint32(len(a.buf))
	a.pending[end] = SiteJump
	return Jump{start: start, end: end, cond: Always, set: true}
}

// PatchableJump is a Jump that the link step retargets after placement.
func (a *Assembler) PatchableJump() Jump { return a.Jump() }

// Branch emits an unresolved jcc rel32.
func (a *Assembler) Branch(cond Condition) Jump {
	if cond == Always {
		return a.Jump()
	}
	start := uint32(len(a.buf))
	a.emit(X86_PREFIX_0F, byte(cond))
	a.emit32(Rel32Placeholder)
	end := uint32(len(a.buf))
	a.pending[end] = SiteJump
	return Jump{start: start, end: end, cond: cond, set: true}
}

// NearCall emits an unresolved call rel32.
func (a *Assembler) NearCall() Call {
	start := uint32(len(a.buf))
	a.emit(X86_OP_CALL_REL32)
	a.emit32(Rel32Placeholder)
	end := uint32(len(a.buf))
	a.pending[end] = SiteNearCall
	return Call{start: start, end: end, kind: NearCall, set: true}
}

// Call emits an unresolved absolute call: mov r11, imm64; call r11.
func (a *Assembler) Call() Call {
	start := uint32(len(a.buf))
	a.MovImm64(ScratchRegister, Imm64Placeholder)
	a.CallReg(ScratchRegister)
	end := uint32(len(a.buf))
	a.pending[end] = SiteAbsoluteCall
	return Call{start: start, end: end, kind: AbsoluteCall, set: true}
}

// LinkJump resolves j to l inside the stream. The displacement is position
// independent, so it survives placement.
func (a *Assembler) LinkJump(j Jump, l Label) {
	if !j.set || !l.set {
		panic("masm: LinkJump on unset jump or label")
	}
	if _, ok := a.pending[j.end]; !ok {
		panic(fmt.Sprintf("masm: jump ending at 0x%x already linked", j.end))
	}
	rel := int64(l.offset) - int64(j.end)
	binary.LittleEndian.PutUint32(a.buf[j.end-4:j.end], uint32(int32(rel)))
	delete(a.pending, j.end)
}
