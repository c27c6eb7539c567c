package masm

// Register roles shared by compiled units, thunks and runtime helpers.
var (
	CallFrameRegister = R13 // current frame on the frame region
	ContextRegister   = R12 // base of the per-VM context slots
	ScratchRegister   = R11 // absolute call target, patchable immediates

	RegT0 = RAX
	RegT1 = RDX
	RegT2 = RCX

	ArgumentGPR0 = RDI
	ArgumentGPR1 = RSI

	ReturnValueGPR  = RAX
	ReturnValueGPR2 = RDX

	NonPreservedNonReturnGPR = R10
)

// Context slots, addressed as [ContextRegister + slot*8].
const (
	ExitIndexSlot       = 0 // index of the guard that fired
	ExceptionSlot       = 1 // pending exception, zero when none
	FrameRegionEndSlot  = 2 // first address past the frame region
	FrameRegionBaseSlot = 3
	ContextSlotCount    = 8
)

// Frame header slots, addressed as [CallFrameRegister + slot*8]. The header
// sits below the frame base; arguments sit below the header.
const (
	CodeBlockSlot     = -1
	ScopeChainSlot    = -2
	CalleeSlot        = -3
	CallerFrameSlot   = -4
	ReturnPCSlot      = -5
	ArgumentCountSlot = -6
	FrameHeaderSize   = 6
)

// SlotDisp converts a slot index into a byte displacement.
func SlotDisp(slot int) int32 { return int32(slot * 8) }

// Instruction geometry of the patchable forms emitted by Assembler.
const (
	MovImm64Size      = 10 // REX.W B8+r imm64
	MovImm64ImmOffset = 2

	MemOpSize       = 8 // REX op ModRM SIB disp32
	MemOpDispOffset = 4

	AbsoluteCallSize = MovImm64Size + 3 // mov r11, imm64; call r11
	NearCallSize     = 5
	JumpSize         = 5
	CondJumpSize     = 6
)
