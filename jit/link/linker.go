package link

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/jit/reloc"
	"github.com/colorfulnotion/jitlink/jit/unit"
	"github.com/colorfulnotion/jitlink/log"
)

// HelperResolver maps runtime helpers to their entry addresses.
type HelperResolver interface {
	Address(id reloc.HelperID) (uintptr, error)
}

// Targets are the shared stubs the link step points sites at.
type Targets struct {
	DeoptStub        uintptr // shared deoptimization dispatch
	VirtualCallThunk uintptr // initial target of every fast JS call
	Helpers          HelperResolver
}

// Linker drains a relocation set. Its emission half runs on the assembler
// before placement; Link runs once on the placed buffer.
type Linker struct {
	asm *masm.Assembler
	rs  *reloc.Set

	pads             []uint32
	exitsLinked      bool
	exceptionHandler masm.Label
	handlerEmitted   bool
}

func NewLinker(asm *masm.Assembler, rs *reloc.Set) *Linker {
	return &Linker{asm: asm, rs: rs}
}

func (l *Linker) Assembler() *masm.Assembler { return l.asm }
func (l *Linker) Records() *reloc.Set        { return l.rs }

// AppendCall emits an absolute call to a helper and queues it for linking.
func (l *Linker) AppendCall(fn reloc.HelperID) masm.Call {
	c := l.asm.Call()
	l.rs.AddCall(c, fn)
	return c
}

// BeginCall issues the token for the next throwing call.
func (l *Linker) BeginCall() reloc.CallBeginToken { return l.rs.BeginCall() }

// NotifyCall records a throwing call that has no exception check.
func (l *Linker) NotifyCall(c masm.Call, origin reloc.CodeOrigin, token reloc.CallBeginToken) {
	l.rs.NotifyCall(c, origin, token)
}

// AddExceptionCheck plants the check after a throwing call: the call's index
// goes into NonPreservedNonReturnGPR and a pending exception branches to the
// shared handler lookup.
func (l *Linker) AddExceptionCheck(c masm.Call, origin reloc.CodeOrigin, token reloc.CallBeginToken) {
	l.asm.MovImm32(masm.NonPreservedNonReturnGPR, uint32(token.Index()))
	l.asm.CmpMem64Imm8(masm.ContextRegister, masm.SlotDisp(masm.ExceptionSlot), 0)
	check := l.asm.Branch(masm.NotEqual)
	l.rs.AddExceptionCheck(c, check, origin, token)
}

// LinkOSRExits gives every guard its landing pad: the guard branch is bound
// to the pad, the pad publishes the exit index, then ends in a patchable jump
// that Link retargets at the deoptimization stub.
func (l *Linker) LinkOSRExits() {
	if l.exitsLinked {
		panic("link: exits early-linked twice")
	}
	l.exitsLinked = true
	exits := l.rs.Exits()
	l.pads = make([]uint32, len(exits))
	for i := range exits {
		pad := l.asm.Label()
		exits[i].Check.Link(l.asm)
		l.asm.Store32Imm(masm.ContextRegister, masm.SlotDisp(masm.ExitIndexSlot), uint32(i))
		l.rs.SetLateJump(i, l.asm.PatchableJump())
		l.pads[i] = pad.Offset()
	}
}

// EmitExceptionHandlerLookup links every planted exception check to one
// shared epilogue that asks the runtime for a handler and jumps to it. It
// emits nothing when no check was planted.
func (l *Linker) EmitExceptionHandlerLookup() bool {
	linked := false
	for _, rec := range l.rs.ExceptionChecks() {
		if rec.ExceptionCheck.IsSet() {
			rec.ExceptionCheck.Link(l.asm)
			linked = true
		}
	}
	if !linked {
		return false
	}
	l.exceptionHandler = l.asm.Label()
	l.handlerEmitted = true
	// lookupExceptionHandler(frame, callIndex) leaves the handler frame in
	// ReturnValueGPR and the handler address in ReturnValueGPR2.
	l.asm.Mov(masm.ArgumentGPR1, masm.NonPreservedNonReturnGPR)
	l.asm.Mov(masm.ArgumentGPR0, masm.CallFrameRegister)
	l.AppendCall(reloc.HelperLookupExceptionHandler)
	l.asm.Mov(masm.CallFrameRegister, masm.ReturnValueGPR)
	l.asm.JumpReg(masm.ReturnValueGPR2)
	return true
}

// ExceptionHandlerLabel returns the shared epilogue, if one was emitted.
func (l *Linker) ExceptionHandlerLabel() (masm.Label, bool) {
	return l.exceptionHandler, l.handlerEmitted
}

// Link drains every queue against the placed buffer and returns the unit's
// metadata. Any inconsistency between the queues and the buffer is a defect
// and panics.
func (l *Linker) Link(lb *LinkBuffer, targets Targets) unit.Metadata {
	exits := l.rs.Exits()
	if len(exits) > 0 && !l.exitsLinked {
		panic("link: exits were never early-linked")
	}
	l.rs.Seal()

	var meta unit.Metadata

	for _, c := range l.rs.Calls() {
		addr, err := targets.Helpers.Address(c.Function)
		if err != nil {
			panic(fmt.Sprintf("link: %v", err))
		}
		lb.LinkCall(c.Call, addr)
	}

	checks := l.rs.ExceptionChecks()
	meta.Exceptions.ByOffset = make([]unit.CallReturnOffsetToBytecodeOffset, 0, len(checks))
	meta.Exceptions.Origins = make([]unit.CodeOriginAtCallReturnOffset, len(checks))
	for i, rec := range checks {
		rec.Token.AssertCodeOriginIndex(i)
		ret := lb.ReturnAddressOffset(rec.Call)
		meta.Exceptions.ByOffset = append(meta.Exceptions.ByOffset, unit.CallReturnOffsetToBytecodeOffset{
			ReturnOffset:  ret,
			BytecodeIndex: rec.Origin.Outermost().BytecodeIndex,
		})
		meta.Exceptions.Origins[i] = unit.CodeOriginAtCallReturnOffset{ReturnOffset: ret, Origin: rec.Origin}
	}
	slices.SortStableFunc(meta.Exceptions.ByOffset, func(a, b unit.CallReturnOffsetToBytecodeOffset) int {
		return cmp.Compare(a.ReturnOffset, b.ReturnOffset)
	})
	for i := 1; i < len(meta.Exceptions.Origins); i++ {
		if meta.Exceptions.Origins[i].ReturnOffset <= meta.Exceptions.Origins[i-1].ReturnOffset {
			panic(fmt.Sprintf("link: throwing call %d returns at 0x%x, not after call %d", i, meta.Exceptions.Origins[i].ReturnOffset, i-1))
		}
	}

	accesses := l.rs.PropertyAccesses()
	meta.StubInfos = make([]unit.StructureStubInfo, len(accesses))
	for i, rec := range accesses {
		ret := lb.LocationOfCall(rec.FunctionCall)
		delta := func(target uintptr) int32 { return int32(int64(target) - int64(ret)) }
		meta.StubInfos[i] = unit.StructureStubInfo{
			Index:               i,
			Access:              rec.Access,
			Origin:              rec.Origin,
			CallReturnOffset:    lb.ReturnAddressOffset(rec.FunctionCall),
			StructureImmDelta:   delta(lb.LocationOfPtr(rec.StructureImm)),
			StructureCheckDelta: delta(lb.LocationOfJump(rec.StructureCheck)),
			LoadOrStoreDelta:    delta(lb.LocationOf32(rec.LoadOrStore)),
			SlowCaseDelta:       delta(lb.LocationOf(rec.SlowCase)),
			DoneDelta:           delta(lb.LocationOf(rec.Done)),
			BaseGPR:             rec.BaseGPR,
			ValueGPR:            rec.ValueGPR,
			ScratchGPR:          rec.ScratchGPR,
			RegistersFlushed:    rec.RegisterMode == reloc.RegistersFlushed,
			StubIndex:           -1,
		}
	}

	jsCalls := l.rs.JSCalls()
	meta.CallLinks = make([]unit.CallLinkInfo, len(jsCalls))
	for i, rec := range jsCalls {
		lb.LinkCall(rec.FastCall, targets.VirtualCallThunk)
		meta.CallLinks[i] = unit.CallLinkInfo{
			Index:            i,
			CallType:         rec.CallType,
			Origin:           rec.Origin,
			CallReturnOffset: lb.ReturnAddressOffset(rec.SlowCall),
			HotPathBegin:     uint32(lb.LocationOfPtr(rec.TargetToCheck) - lb.Base()),
			HotPathOther:     uint32(lb.LocationOfNearCall(rec.FastCall) - lb.Base()),
		}
	}

	if len(exits) != len(l.pads) {
		panic(fmt.Sprintf("link: %d exits but %d landing pads", len(exits), len(l.pads)))
	}
	meta.Exits = make([]unit.OSRExit, len(exits))
	for i, rec := range exits {
		if !rec.LateJump.IsSet() {
			panic(fmt.Sprintf("link: exit %d has no late jump", i))
		}
		lb.Link(rec.LateJump, targets.DeoptStub)
		meta.Exits[i] = unit.OSRExit{
			Index:       i,
			Origin:      rec.Origin,
			Kind:        rec.Kind,
			Recoveries:  rec.Recoveries,
			CheckEnd:    rec.Check.End(),
			PadOffset:   l.pads[i],
			LateJumpEnd: rec.LateJump.End(),
		}
	}

	for _, e := range l.rs.OSREntries() {
		meta.OSREntries = append(meta.OSREntries, unit.OSREntry{
			BytecodeIndex:     e.BytecodeIndex,
			MachineCodeOffset: e.Label.Offset(),
		})
	}

	sum := l.rs.Summary()
	log.Debug(log.JitLink, "relocations drained", "owner", lb.owner,
		"calls", sum.Calls, "exits", sum.Exits, "throwing", sum.ExceptionChecks,
		"ics", sum.PropertyAccesses, "jscalls", sum.JSCalls, "osr", sum.OSREntries)
	return meta
}
