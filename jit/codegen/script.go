// Package codegen is a scripted function body generator. It emits the site
// shapes an optimizing compiler produces (guards, throwing calls, inline
// caches, JS calls, loop headers) and files each into the linker's
// relocation queues.
package codegen

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/jitlink/jit/link"
	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/jit/reloc"
)

type OpKind uint8

const (
	OpGuard OpKind = iota
	OpThrowingCall
	OpGetByID
	OpPutByID
	OpCall
	OpConstruct
	OpLoopHeader
	OpReturn
)

var opNames = [...]string{"guard", "throw", "get_by_id", "put_by_id", "call", "construct", "loop_hint", "ret"}

func (k OpKind) String() string {
	if int(k) < len(opNames) {
		return opNames[k]
	}
	return fmt.Sprintf("op(%d)", k)
}

// Op is one scripted operation.
type Op struct {
	Kind   OpKind
	Origin reloc.CodeOrigin
	Exit   reloc.ExitKind // guards only
	Offset int32          // property offset for accesses
}

// Script is a straight-line body. Slow paths are emitted out of line after
// the last op.
type Script struct {
	Ops []Op

	slowPaths []func(l *link.Linker)
	accesses  int
}

func (s *Script) String() string {
	var sb strings.Builder
	for i, op := range s.Ops {
		fmt.Fprintf(&sb, "%3d %-10s %s\n", i, op.Kind, op.Origin)
	}
	return sb.String()
}

// Count returns how many ops of kind the script holds.
func (s *Script) Count(kind OpKind) int {
	n := 0
	for _, op := range s.Ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

var guardConditions = map[reloc.ExitKind]masm.Condition{
	reloc.ExitBadType:      masm.NotEqual,
	reloc.ExitBadCache:     masm.NotEqual,
	reloc.ExitOverflow:     masm.Overflow,
	reloc.ExitNegativeZero: masm.Equal,
	reloc.ExitOutOfBounds:  masm.AboveOrEqual,
}

// Generate emits the body into l's assembler and relocation set.
func (s *Script) Generate(l *link.Linker) error {
	s.slowPaths = s.slowPaths[:0]
	s.accesses = 0
	for i, op := range s.Ops {
		if err := s.emit(l, op); err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
		}
	}
	if len(s.Ops) == 0 || s.Ops[len(s.Ops)-1].Kind != OpReturn {
		emitReturn(l.Assembler())
	}
	for _, gen := range s.slowPaths {
		gen(l)
	}
	return nil
}

func (s *Script) emit(l *link.Linker, op Op) error {
	a := l.Assembler()
	switch op.Kind {
	case OpGuard:
		s.emitGuard(l, op)
	case OpThrowingCall:
		a.Mov(masm.ArgumentGPR0, masm.CallFrameRegister)
		a.Mov(masm.ArgumentGPR1, masm.RegT0)
		token := l.BeginCall()
		call := l.AppendCall(reloc.HelperOperation)
		l.AddExceptionCheck(call, op.Origin, token)
	case OpGetByID, OpPutByID:
		s.emitPropertyAccess(l, op)
	case OpCall, OpConstruct:
		emitJSCall(l, op)
	case OpLoopHeader:
		l.Records().AddOSREntry(op.Origin.BytecodeIndex, a.Label())
	case OpReturn:
		emitReturn(a)
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}

// emitGuard compares the value in RegT0 against the speculated tag in RegT1.
func (s *Script) emitGuard(l *link.Linker, op Op) {
	a := l.Assembler()
	cond, ok := guardConditions[op.Exit]
	if !ok {
		cond = masm.NotEqual
	}
	if cond != masm.Overflow {
		a.Cmp64(masm.RegT0, masm.RegT1)
	}
	check := a.Branch(cond)
	recoveries := []reloc.ValueRecovery{
		{Operand: 0, Kind: reloc.InRegister, Register: masm.RegT0.Index()},
		{Operand: 1, Kind: reloc.InFrameSlot, Slot: 1},
	}
	l.Records().AddOSRExit(check, op.Origin, op.Exit, recoveries)
}

// emitPropertyAccess plants a patchable structure check on the object in
// RegT2. The value travels in RegT0 for loads and RegT1 for stores.
func (s *Script) emitPropertyAccess(l *link.Linker, op Op) {
	a := l.Assembler()
	base, value, scratch := masm.RegT2, masm.RegT0, masm.ScratchRegister
	access, helper := reloc.GetByID, reloc.HelperGetByID
	if op.Kind == OpPutByID {
		access, helper = reloc.PutByID, reloc.HelperPutByID
		value = masm.RegT1
	}
	stubIndex := s.accesses
	s.accesses++

	imm := a.MovImm64(scratch, 0)
	a.CmpMem64(base, 0, scratch)
	check := a.Branch(masm.NotEqual)
	var loadOrStore masm.DataLabel32
	if access == reloc.GetByID {
		loadOrStore = a.Load64(value, base, op.Offset)
	} else {
		loadOrStore = a.Store64(base, op.Offset, value)
	}
	done := a.Label()

	s.slowPaths = append(s.slowPaths, func(l *link.Linker) {
		a := l.Assembler()
		slow := a.Label()
		check.LinkTo(slow, a)
		a.Mov(masm.ArgumentGPR0, base)
		a.MovImm32(masm.ArgumentGPR1, uint32(stubIndex))
		token := l.BeginCall()
		call := l.AppendCall(helper)
		l.AddExceptionCheck(call, op.Origin, token)
		if access == reloc.GetByID {
			a.Mov(value, masm.ReturnValueGPR)
		}
		a.Jump().LinkTo(done, a)
		l.Records().AddPropertyAccess(reloc.PropertyAccessRecord{
			Origin:         op.Origin,
			Access:         access,
			FunctionCall:   call,
			StructureImm:   imm,
			StructureCheck: check,
			LoadOrStore:    loadOrStore,
			SlowCase:       slow,
			Done:           done,
			BaseGPR:        base,
			ValueGPR:       value,
			ScratchGPR:     scratch,
			RegisterMode:   reloc.RegistersFlushed,
		})
	})
}

// emitJSCall calls the callee in RegT0: a patchable identity check guards a
// direct near call, anything else goes through the virtual call helper.
func emitJSCall(l *link.Linker, op Op) {
	a := l.Assembler()
	callType := reloc.Call
	if op.Kind == OpConstruct {
		callType = reloc.Construct
	}
	target := a.MovImm64(masm.ScratchRegister, 0)
	a.Cmp64(masm.RegT0, masm.ScratchRegister)
	miss := a.Branch(masm.NotEqual)
	fast := a.NearCall()
	over := a.Jump()
	miss.Link(a)
	token := l.BeginCall()
	slow := l.AppendCall(reloc.HelperVirtualCall)
	l.AddExceptionCheck(slow, op.Origin, token)
	over.Link(a)
	l.Records().AddJSCall(reloc.JSCallRecord{
		Origin:        op.Origin,
		CallType:      callType,
		FastCall:      fast,
		SlowCall:      slow,
		TargetToCheck: target,
	})
}

// emitReturn returns through the frame header's saved return address.
func emitReturn(a *masm.Assembler) {
	a.Load64(masm.RegT2, masm.CallFrameRegister, masm.SlotDisp(masm.ReturnPCSlot))
	a.Push(masm.RegT2)
	a.Ret()
}
