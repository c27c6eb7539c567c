// Package dfg drives one optimizing compile from body generation to an
// installed unit: entry trampolines around a generated body, placement,
// linking and publication.
package dfg

import (
	"fmt"

	"github.com/colorfulnotion/jitlink/jit/link"
	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/jit/reloc"
	"github.com/colorfulnotion/jitlink/jit/unit"
)

// BodyGenerator emits a function body through the linker, filing every site
// it plants into the linker's relocation set.
type BodyGenerator interface {
	Generate(l *link.Linker) error
}

// jitCompiler lays out one unit:
//
//	entry:            pop ret; store ret and handle to the frame header
//	fromArityCheck:   frame region capacity check (functions only)
//	fromFrameCheck:   body, guard landing pads, exception epilogue
//	                  frame growth slow path
//	arityCheckEntry:  header again, argument count check, fixup slow path
type jitCompiler struct {
	shape  unit.Shape
	handle uint64
	body   BodyGenerator

	asm    *masm.Assembler
	linker *link.Linker

	entry      masm.Label
	arityEntry masm.Label
}

func newJITCompiler(shape unit.Shape, handle uint64, body BodyGenerator) *jitCompiler {
	asm := masm.NewAssembler()
	return &jitCompiler{
		shape:  shape,
		handle: handle,
		body:   body,
		asm:    asm,
		linker: link.NewLinker(asm, reloc.NewSet()),
	}
}

// compileEntry moves the return address off the machine stack into the
// frame header and records which unit owns the frame.
func (jit *jitCompiler) compileEntry() {
	a := jit.asm
	a.Pop(masm.RegT2)
	a.Store64(masm.CallFrameRegister, masm.SlotDisp(masm.ReturnPCSlot), masm.RegT2)
	a.MovImm64(masm.ScratchRegister, jit.handle)
	a.Store64(masm.CallFrameRegister, masm.SlotDisp(masm.CodeBlockSlot), masm.ScratchRegister)
}

func (jit *jitCompiler) compileBody() error {
	if err := jit.body.Generate(jit.linker); err != nil {
		return fmt.Errorf("generate %s: %w", jit.shape.Name, err)
	}
	jit.linker.LinkOSRExits()
	jit.linker.EmitExceptionHandlerLookup()
	return nil
}

// compile lays out a unit entered only with a proven frame, such as program
// code.
func (jit *jitCompiler) compile() error {
	jit.entry = jit.asm.Label()
	jit.compileEntry()
	return jit.compileBody()
}

// compileFunction lays out a function unit with both entries.
func (jit *jitCompiler) compileFunction() error {
	a := jit.asm
	jit.entry = a.Label()
	jit.compileEntry()

	// Entered here after a successful arity check.
	fromArityCheck := a.Label()
	a.Lea64(masm.RegT1, masm.CallFrameRegister, masm.SlotDisp(jit.shape.NumCalleeRegisters))
	a.CmpMem64(masm.ContextRegister, masm.SlotDisp(masm.FrameRegionEndSlot), masm.RegT1)
	frameCheck := a.Branch(masm.Below)
	fromFrameCheck := a.Label()

	if err := jit.compileBody(); err != nil {
		return err
	}

	// Frame region too small: grow it, then retry from the body.
	frameCheck.Link(a)
	a.Mov(masm.ArgumentGPR0, masm.CallFrameRegister)
	a.MovImm32(masm.ArgumentGPR1, uint32(jit.shape.NumCalleeRegisters))
	token := jit.linker.BeginCall()
	growth := jit.linker.AppendCall(reloc.HelperFrameGrowth)
	jit.linker.NotifyCall(growth, reloc.CodeOrigin{}, token)
	a.Jump().LinkTo(fromFrameCheck, a)

	// Callers that cannot prove the argument count enter here.
	jit.arityEntry = a.Label()
	jit.compileEntry()
	a.Load32(masm.RegT1, masm.CallFrameRegister, masm.SlotDisp(masm.ArgumentCountSlot))
	a.Cmp32Imm(masm.RegT1, int32(jit.shape.NumParameters))
	a.Branch(masm.AboveOrEqual).LinkTo(fromArityCheck, a)
	a.Mov(masm.ArgumentGPR0, masm.CallFrameRegister)
	a.MovImm32(masm.ArgumentGPR1, uint32(jit.shape.NumParameters))
	fixup := reloc.HelperCallArityFixup
	if jit.shape.IsConstructor {
		fixup = reloc.HelperConstructArityFixup
	}
	token = jit.linker.BeginCall()
	arity := jit.linker.AppendCall(fixup)
	jit.linker.NotifyCall(arity, reloc.CodeOrigin{}, token)
	// the fixup helper returns the re-laid-out frame
	a.Mov(masm.CallFrameRegister, masm.ReturnValueGPR)
	a.Jump().LinkTo(fromArityCheck, a)
	return nil
}
