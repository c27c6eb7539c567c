// Package masm is a small x86-64 macro assembler for compiled units: it
// emits fixed-width patchable instruction forms and records the symbolic
// sites (labels, jumps, calls, data labels) the link step resolves.
package masm

// REX Prefix Constants
const (
	X86_REX_BASE = 0x40 // Base value for REX prefix
	X86_REX_W    = 0x08 // REX.W - 64-bit operand size
	X86_REX_R    = 0x04 // REX.R - Extension of ModRM reg field
	X86_REX_X    = 0x02 // REX.X - Extension of SIB index field
	X86_REX_B    = 0x01 // REX.B - Extension of ModRM r/m, SIB base, or opcode reg field
)

// ModRM Mode Constants
const (
	X86_MOD_INDIRECT        = 0x00 // [reg] or [disp32]
	X86_MOD_INDIRECT_DISP8  = 0x01 // [reg + disp8]
	X86_MOD_INDIRECT_DISP32 = 0x02 // [reg + disp32]
	X86_MOD_REGISTER        = 0x03 // reg
)

// Primary Opcodes
const (
	X86_OP_CMP_RM_R        = 0x39 // CMP r/m, r
	X86_OP_PUSH_R          = 0x50 // PUSH r64 (+ reg)
	X86_OP_POP_R           = 0x58 // POP r64 (+ reg)
	X86_OP_GROUP1_RM_IMM32 = 0x81 // Group 1 operations with imm32
	X86_OP_GROUP1_RM_IMM8  = 0x83 // Group 1 operations with imm8
	X86_OP_MOV_RM_R        = 0x89 // MOV r/m, r
	X86_OP_MOV_R_RM        = 0x8B // MOV r, r/m
	X86_OP_LEA             = 0x8D // LEA r, m
	X86_OP_MOV_R_IMM       = 0xB8 // MOV r, imm64 (+ reg)
	X86_OP_MOV_RM_IMM      = 0xC7 // MOV r/m, imm32
	X86_OP_CALL_REL32      = 0xE8 // CALL rel32
	X86_OP_JMP_REL32       = 0xE9 // JMP rel32
	X86_OP_RET             = 0xC3 // RET
	X86_OP_INT3            = 0xCC // INT3
	X86_OP_GROUP5_RM       = 0xFF // Group 5 operations (INC, DEC, CALL, JMP, PUSH)
)

// Conditional Jump Opcodes (0x0F prefix)
const (
	X86_OP2_JO  = 0x80 // JO rel32
	X86_OP2_JNO = 0x81 // JNO rel32
	X86_OP2_JB  = 0x82 // JB/JNAE/JC rel32
	X86_OP2_JAE = 0x83 // JAE/JNB/JNC rel32
	X86_OP2_JE  = 0x84 // JE/JZ rel32
	X86_OP2_JNE = 0x85 // JNE/JNZ rel32
	X86_OP2_JBE = 0x86 // JBE/JNA rel32
	X86_OP2_JA  = 0x87 // JA/JNBE rel32
	X86_OP2_JS  = 0x88 // JS rel32
	X86_OP2_JNS = 0x89 // JNS rel32
	X86_OP2_JL  = 0x8C // JL/JNGE rel32
	X86_OP2_JGE = 0x8D // JGE/JNL rel32
	X86_OP2_JLE = 0x8E // JLE/JNG rel32
	X86_OP2_JG  = 0x8F // JG/JNLE rel32
)

// ModRM reg field constants for opcodes with sub-operations
const (
	X86_REG_ADD = 0 // ADD (for 0x81/0x83 opcode)
	X86_REG_SUB = 5 // SUB (for 0x81/0x83 opcode)
	X86_REG_CMP = 7 // CMP (for 0x81/0x83 opcode)

	X86_REG_CALL_RM = 2 // CALL r/m (for 0xFF opcode)
	X86_REG_JMP_RM  = 4 // JMP r/m (for 0xFF opcode)
)

// Prefixes
const (
	X86_PREFIX_0F = 0x0F // Two-byte opcode prefix
)

// Single-byte instructions
const (
	X86_INST_NOP = 0x90 // NOP
)

// SIB (Scale-Index-Base) Constants
const (
	X86_SIB_NO_INDEX  = 0x04 // No index register (ESP/RSP encoding)
	X86_SIB_INDICATOR = 0x04 // rm=4 indicates SIB byte follows
)

// Placeholders written into unresolved sites. Any survivor after linking is
// a linker defect.
const (
	Rel32Placeholder = 0xFEFEFEFE
	Imm64Placeholder = 0x9999999999999999
)
