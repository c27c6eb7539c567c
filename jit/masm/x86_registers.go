package masm

// X86Reg represents an x86-64 register with encoding information
type X86Reg struct {
	Name    string
	RegBits byte // 3-bit code for ModRM/SIB
	REXBit  byte // 1 if register index >= 8
}

func (r X86Reg) String() string { return r.Name }

// Index is the hardware register number 0..15.
func (r X86Reg) Index() int { return int(r.REXBit)<<3 | int(r.RegBits) }

// Standard x86-64 register definitions
var (
	RAX = X86Reg{"rax", 0, 0}
	RCX = X86Reg{"rcx", 1, 0}
	RDX = X86Reg{"rdx", 2, 0}
	RBX = X86Reg{"rbx", 3, 0}
	RSP = X86Reg{"rsp", 4, 0}
	RBP = X86Reg{"rbp", 5, 0}
	RSI = X86Reg{"rsi", 6, 0}
	RDI = X86Reg{"rdi", 7, 0}
	R8  = X86Reg{"r8", 0, 1}
	R9  = X86Reg{"r9", 1, 1}
	R10 = X86Reg{"r10", 2, 1}
	R11 = X86Reg{"r11", 3, 1}
	R12 = X86Reg{"r12", 4, 1}
	R13 = X86Reg{"r13", 5, 1}
	R14 = X86Reg{"r14", 6, 1}
	R15 = X86Reg{"r15", 7, 1}
)

// regInfoList is indexed by hardware register number.
var regInfoList = []X86Reg{
	RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI,
	R8, R9, R10, R11, R12, R13, R14, R15,
}

// RegByIndex returns the register with hardware number idx.
func RegByIndex(idx int) X86Reg {
	return regInfoList[idx&0xF]
}
