package dfg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/colorfulnotion/jitlink/jit/codegen"
	"github.com/colorfulnotion/jitlink/jit/execmem"
	"github.com/colorfulnotion/jitlink/jit/link"
	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/jit/reloc"
	"github.com/colorfulnotion/jitlink/jit/runtime"
	"github.com/colorfulnotion/jitlink/jit/unit"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/colorfulnotion/jitlink/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/arch/x86/x86asm"
)

const helperBase = 0x7f0000000000

func newVM(t *testing.T, pages int) *runtime.VM {
	t.Helper()
	pool, err := execmem.NewPool(pages*execmem.PageSize, execmem.HeapBacking)
	require.NoError(t, err)
	h := runtime.NewHelperTable()
	h.RegisterRange(helperBase)
	vm := runtime.NewVM(pool, h, runtime.Options{MaxPolymorphicCases: 4})
	t.Cleanup(func() {
		vm.Close()
		pool.Close()
	})
	return vm
}

func helperAddr(id reloc.HelperID) uint64 {
	return uint64(helperBase + uintptr(id)*runtime.HelperStride)
}

func functionPlan(name string) Plan {
	return Plan{
		Shape: unit.Shape{Name: name, NumParameters: 3, NumCalleeRegisters: 10, IsFunction: true},
		Body:  codegen.Synthesize(codegen.Options{Guards: 2, Throws: 1, GetByIDs: 1, Calls: 1, Loops: 1}),
	}
}

// instsFrom decodes the whole unit and returns the instructions from offset on.
func instsFrom(t *testing.T, u *unit.CompiledUnit, offset uint32) []masm.Inst {
	t.Helper()
	insts, err := masm.Decode(u.Code())
	require.NoError(t, err)
	for i, inst := range insts {
		if inst.Offset == offset {
			return insts[i:]
		}
	}
	t.Fatalf("no instruction starts at 0x%x", offset)
	return nil
}

func target(t *testing.T, inst masm.Inst) uint32 {
	t.Helper()
	off, ok := inst.Target()
	require.True(t, ok, "%v has no relative target", inst.Op)
	return off
}

func mem(t *testing.T, arg x86asm.Arg) x86asm.Mem {
	t.Helper()
	m, ok := arg.(x86asm.Mem)
	require.True(t, ok, "%v is not a memory operand", arg)
	return m
}

func assertHeaderSetup(t *testing.T, insts []masm.Inst, handle uint64, u *unit.CompiledUnit) {
	t.Helper()
	assert.Equal(t, x86asm.POP, insts[0].Op)
	assert.Equal(t, x86asm.RCX, insts[0].Args[0])
	assert.Equal(t, int64(masm.SlotDisp(masm.ReturnPCSlot)), mem(t, insts[1].Args[0]).Disp)
	assert.Equal(t, x86asm.RCX, insts[1].Args[1])
	assert.Equal(t, handle, masm.Imm64At(u.Code(), insts[2].Offset+masm.MovImm64ImmOffset))
	assert.Equal(t, x86asm.R13, mem(t, insts[3].Args[0]).Base)
	assert.Equal(t, int64(masm.SlotDisp(masm.CodeBlockSlot)), mem(t, insts[3].Args[0]).Disp)
}

func TestCompileFunctionEntries(t *testing.T) {
	vm := newVM(t, 16)
	code, err := CompileFunction(context.Background(), vm, functionPlan("f"))
	require.NoError(t, err)
	u := code.Unit
	require.Equal(t, unit.Linked, u.State())
	assert.Equal(t, u.Base(), code.Entry)
	registered, err := vm.Code.ByHandle(u.Handle())
	require.NoError(t, err)
	assert.Same(t, u, registered)

	// fast entry: header, then the frame region check
	insts := instsFrom(t, u, 0)
	assertHeaderSetup(t, insts, u.Handle(), u)
	assert.Equal(t, x86asm.LEA, insts[4].Op)
	assert.Equal(t, x86asm.RDX, insts[4].Args[0])
	assert.Equal(t, int64(80), mem(t, insts[4].Args[1]).Disp)
	assert.Equal(t, x86asm.CMP, insts[5].Op)
	check := mem(t, insts[5].Args[0])
	assert.Equal(t, x86asm.R12, check.Base)
	assert.Equal(t, int64(masm.SlotDisp(masm.FrameRegionEndSlot)), check.Disp)
	assert.Equal(t, x86asm.JB, insts[6].Op)
	fromArityCheck := insts[4].Offset
	fromFrameCheck := insts[7].Offset

	// frame growth slow path
	growth := instsFrom(t, u, target(t, insts[6]))
	assert.Equal(t, x86asm.RDI, growth[0].Args[0])
	assert.Equal(t, x86asm.R13, growth[0].Args[1])
	assert.Equal(t, x86asm.Imm(10), growth[1].Args[1])
	assert.Equal(t, helperAddr(reloc.HelperFrameGrowth), masm.Imm64At(u.Code(), growth[2].Offset+masm.MovImm64ImmOffset))
	assert.Equal(t, x86asm.CALL, growth[3].Op)
	assert.Equal(t, x86asm.JMP, growth[4].Op)
	assert.Equal(t, fromFrameCheck, target(t, growth[4]))

	// arity-checked entry
	arityOffset, ok := u.ArityEntryOffset()
	require.True(t, ok)
	assert.Equal(t, u.AddressOf(arityOffset), code.EntryWithArityCheck)
	arity := instsFrom(t, u, arityOffset)
	assertHeaderSetup(t, arity, u.Handle(), u)
	assert.Equal(t, x86asm.EDX, arity[4].Args[0])
	assert.Equal(t, int64(masm.SlotDisp(masm.ArgumentCountSlot)), mem(t, arity[4].Args[1]).Disp)
	assert.Equal(t, x86asm.CMP, arity[5].Op)
	assert.Equal(t, x86asm.Imm(3), arity[5].Args[1])
	assert.Equal(t, x86asm.JAE, arity[6].Op)
	assert.Equal(t, fromArityCheck, target(t, arity[6]))
	assert.Equal(t, x86asm.Imm(3), arity[8].Args[1])
	assert.Equal(t, helperAddr(reloc.HelperCallArityFixup), masm.Imm64At(u.Code(), arity[9].Offset+masm.MovImm64ImmOffset))
	assert.Equal(t, x86asm.CALL, arity[10].Op)
	assert.Equal(t, x86asm.R13, arity[11].Args[0])
	assert.Equal(t, x86asm.RAX, arity[11].Args[1])
	assert.Equal(t, fromArityCheck, target(t, arity[12]))

	// growth and arity calls are recorded with the unit's entry origin
	tbl := u.Exceptions()
	body := 1 + 1 + 1 // throw, get_by_id slow call, js slow call
	require.Equal(t, body+2, tbl.Len())
	for _, entry := range tbl.Origins[body:] {
		assert.Equal(t, reloc.CodeOrigin{}, entry.Origin)
	}
	assert.Len(t, u.Exits(), 2)
	assert.Len(t, u.OSREntries(), 1)
}

func TestConstructorUsesConstructArityFixup(t *testing.T) {
	vm := newVM(t, 16)
	plan := functionPlan("C")
	plan.Shape.IsConstructor = true
	code, err := CompileFunction(context.Background(), vm, plan)
	require.NoError(t, err)
	arityOffset, _ := code.Unit.ArityEntryOffset()
	arity := instsFrom(t, code.Unit, arityOffset)
	assert.Equal(t, helperAddr(reloc.HelperConstructArityFixup), masm.Imm64At(code.Unit.Code(), arity[9].Offset+masm.MovImm64ImmOffset))
}

func TestCompileHasOnlyFastEntry(t *testing.T) {
	vm := newVM(t, 16)
	plan := Plan{Shape: unit.Shape{Name: "program"}, Body: codegen.Synthesize(codegen.Options{Throws: 2})}
	code, err := Compile(context.Background(), vm, plan)
	require.NoError(t, err)
	assert.Zero(t, code.EntryWithArityCheck)
	_, ok := code.Unit.ArityEntryOffset()
	assert.False(t, ok)

	insts := instsFrom(t, code.Unit, 0)
	assertHeaderSetup(t, insts, code.Unit.Handle(), code.Unit)
	assert.NotEqual(t, x86asm.LEA, insts[4].Op, "no frame region check")
	assert.Equal(t, 2, code.Unit.Exceptions().Len())
}

func TestAllocationFailureAbandonsCompile(t *testing.T) {
	// two pages: both shared thunks fit, the unit does not
	vm := newVM(t, 2)
	sr := tracetest.NewSpanRecorder()
	c := NewCompiler(vm, WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))))
	_, err := vm.Thunks.DeoptStub()
	require.NoError(t, err)
	_, err = vm.Thunks.VirtualCallThunk()
	require.NoError(t, err)
	before := vm.Pool.Stats()

	code, err := c.CompileFunction(context.Background(), functionPlan("big"))
	assert.Nil(t, code)
	assert.ErrorIs(t, err, jiterrors.ErrExecutableAllocation)
	assert.ErrorIs(t, err, jiterrors.ErrPoolExhausted)
	assert.Equal(t, before, vm.Pool.Stats(), "nothing placed")
	assert.Zero(t, vm.Code.Len())
	_, err = vm.Code.ByHandle(1)
	assert.ErrorIs(t, err, jiterrors.ErrUnitNotRegistered, "reserved handle dropped")

	spans := sr.Ended()
	require.NotEmpty(t, spans)
	root := spans[len(spans)-1]
	assert.Equal(t, "dfg.compile", root.Name())
	assert.Equal(t, codes.Error, root.Status().Code)
}

func TestProtectFailureReleasesUnitCode(t *testing.T) {
	errDenied := errors.New("mprotect denied")
	deny := false
	pool, err := execmem.NewPoolWithProtector(16*execmem.PageSize, func(b []byte, executable bool) error {
		if deny && executable {
			return errDenied
		}
		return nil
	})
	require.NoError(t, err)
	h := runtime.NewHelperTable()
	h.RegisterRange(helperBase)
	vm := runtime.NewVM(pool, h, runtime.Options{MaxPolymorphicCases: 4})
	t.Cleanup(func() {
		vm.Close()
		pool.Close()
	})
	c := NewCompiler(vm)
	_, err = vm.Thunks.DeoptStub()
	require.NoError(t, err)
	_, err = vm.Thunks.VirtualCallThunk()
	require.NoError(t, err)
	before := vm.Pool.Stats()

	deny = true
	code, err := c.CompileFunction(context.Background(), functionPlan("denied"))
	assert.Nil(t, code)
	assert.ErrorIs(t, err, errDenied)
	assert.Equal(t, before, vm.Pool.Stats(), "unit region returned")
	assert.Zero(t, vm.Code.Len())

	deny = false
	code, err = c.CompileFunction(context.Background(), functionPlan("retry"))
	require.NoError(t, err)
	assert.Equal(t, unit.Linked, code.Unit.State())
}

func TestMissingThunkAbandonsCompile(t *testing.T) {
	// one page: the deopt stub fits, the virtual call thunk does not
	vm := newVM(t, 1)
	_, err := CompileFunction(context.Background(), vm, functionPlan("f"))
	assert.ErrorIs(t, err, jiterrors.ErrExecutableAllocation)
	assert.Zero(t, vm.Code.Len())
}

type failingBody struct{}

func (failingBody) Generate(*link.Linker) error { return errors.New("unsupported node") }

func TestBodyFailureAbandonsCompile(t *testing.T) {
	vm := newVM(t, 16)
	var events bytes.Buffer
	log.SetEventWriter(&events)
	defer log.SetEventWriter(nil)

	_, err := CompileFunction(context.Background(), vm, Plan{Shape: unit.Shape{Name: "bad"}, Body: failingBody{}})
	assert.ErrorContains(t, err, "generate bad: unsupported node")
	assert.Contains(t, events.String(), `"msg_type":"abandoned"`)
	assert.Equal(t, 2, vm.Pool.Stats().Regions, "only the shared thunks are allocated")
}

func TestCancelledContext(t *testing.T) {
	vm := newVM(t, 16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CompileFunction(ctx, vm, functionPlan("f"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompileSpans(t *testing.T) {
	vm := newVM(t, 16)
	sr := tracetest.NewSpanRecorder()
	c := NewCompiler(vm, WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))))
	var events bytes.Buffer
	log.SetEventWriter(&events)
	defer log.SetEventWriter(nil)

	code, err := c.CompileFunction(context.Background(), functionPlan("traced"))
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "dfg.link", spans[0].Name())
	assert.Equal(t, "dfg.compile", spans[1].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Contains(t, spans[1].Attributes(), attribute.String("unit", "traced"))
	assert.Contains(t, spans[1].Attributes(), attribute.Int("exits", 2))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("code.size", code.Unit.Size()))
	assert.Contains(t, events.String(), `"msg_type":"installed"`)
}

func TestCompileAll(t *testing.T) {
	vm := newVM(t, 64)
	c := NewCompiler(vm)
	var plans []Plan
	for i := 0; i < 6; i++ {
		plans = append(plans, functionPlan(fmt.Sprintf("f%d", i)))
	}
	codes, err := c.CompileAll(context.Background(), plans, 3)
	require.NoError(t, err)
	require.Len(t, codes, 6)
	handles := map[uint64]bool{}
	for i, code := range codes {
		assert.Equal(t, plans[i].Shape.Name, code.Unit.Name)
		handles[code.Unit.Handle()] = true
	}
	assert.Len(t, handles, 6)
	assert.Equal(t, 6, vm.Code.Len())

	_, err = c.CompileAll(context.Background(), plans, 0)
	assert.ErrorIs(t, err, jiterrors.ErrBadConcurrency)

	plans = append(plans, Plan{Shape: unit.Shape{Name: "bad"}, Body: failingBody{}})
	_, err = c.CompileAll(context.Background(), plans[len(plans)-2:], 2)
	assert.ErrorContains(t, err, "compile bad")
}
