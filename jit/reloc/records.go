// Package reloc holds the relocation queues a compiled unit's code generator
// fills while emitting. The queues only describe sites; every byte of patching
// happens in the link step.
package reloc

import "github.com/colorfulnotion/jitlink/jit/masm"

// OSRExitRecord is a speculation guard. Check is the guard's conditional
// branch; it is linked first to a per-exit landing pad, whose trailing
// LateJump is later retargeted at the shared deoptimization stub.
type OSRExitRecord struct {
	Check      masm.Jump
	LateJump   masm.Jump
	Origin     CodeOrigin
	Kind       ExitKind
	Recoveries []ValueRecovery
}

// CallBeginToken is taken before a throwing call is emitted and handed back
// when it is recorded, pinning the record's position in the origin table.
type CallBeginToken struct {
	index int
	valid bool
}

func (t CallBeginToken) Index() int { return t.index }

// AssertCodeOriginIndex panics unless the token was issued for position i.
func (t CallBeginToken) AssertCodeOriginIndex(i int) {
	if !t.valid {
		panic("reloc: call recorded without a begin token")
	}
	if t.index != i {
		panic("reloc: call recorded out of order with its begin token")
	}
}

// CallExceptionRecord is a call that may raise. ExceptionCheck is set when a
// check was planted after the call; it is linked to the shared handler
// lookup epilogue.
type CallExceptionRecord struct {
	Call           masm.Call
	ExceptionCheck masm.Jump
	Origin         CodeOrigin
	Token          CallBeginToken
}

// CallLinkRecord is a call out to a runtime helper.
type CallLinkRecord struct {
	Call     masm.Call
	Function HelperID
}

// AccessKind selects the inline cache flavor.
type AccessKind uint8

const (
	GetByID AccessKind = iota
	PutByID
)

func (k AccessKind) String() string {
	if k == PutByID {
		return "put_by_id"
	}
	return "get_by_id"
}

// RegisterMode reports whether live registers were spilled before the slow
// path call.
type RegisterMode uint8

const (
	RegistersInUse RegisterMode = iota
	RegistersFlushed
)

// PropertyAccessRecord is an inline-cache site. FunctionCall is the slow path
// call whose return address anchors every delta; StructureCheck is the branch
// that compares the object's structure against StructureImm.
type PropertyAccessRecord struct {
	Origin         CodeOrigin
	Access         AccessKind
	FunctionCall   masm.Call
	StructureImm   masm.DataLabelPtr
	StructureCheck masm.Jump
	LoadOrStore    masm.DataLabel32
	SlowCase       masm.Label
	Done           masm.Label
	BaseGPR        masm.X86Reg
	ValueGPR       masm.X86Reg
	ScratchGPR     masm.X86Reg
	RegisterMode   RegisterMode
}

// CallType distinguishes calls from constructor invocations.
type CallType uint8

const (
	Call CallType = iota
	Construct
)

func (c CallType) String() string {
	if c == Construct {
		return "construct"
	}
	return "call"
}

// JSCallRecord is a call site that can be specialized to one callee.
// TargetToCheck holds the expected callee identity; FastCall is the near call
// taken when it matches; SlowCall is the generic path.
type JSCallRecord struct {
	Origin        CodeOrigin
	CallType      CallType
	FastCall      masm.Call
	SlowCall      masm.Call
	TargetToCheck masm.DataLabelPtr
}

// OSREntryRecord marks a loop header where a running activation may enter
// the optimized code.
type OSREntryRecord struct {
	BytecodeIndex uint32
	Label         masm.Label
}
