package runtime

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/colorfulnotion/jitlink/jit/execmem"
	"github.com/colorfulnotion/jitlink/jit/link"
	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/jit/reloc"
	"github.com/colorfulnotion/jitlink/jit/unit"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

const helperBase = 0x7f0000000000

func newVM(t *testing.T) *VM {
	t.Helper()
	pool, err := execmem.NewPool(32*execmem.PageSize, execmem.HeapBacking)
	require.NoError(t, err)
	h := NewHelperTable()
	h.RegisterRange(helperBase)
	vm := NewVM(pool, h, Options{MaxPolymorphicCases: 3})
	t.Cleanup(func() {
		vm.Close()
		pool.Close()
	})
	return vm
}

// compileSites places a unit with one guard, one get_by_id cache on rdi and
// one JS call on rax, installed in vm.
func compileSites(t *testing.T, vm *VM, name string) *unit.CompiledUnit {
	t.Helper()
	a := masm.NewAssembler()
	rs := reloc.NewSet()
	l := link.NewLinker(a, rs)

	guard := a.Branch(masm.Overflow)
	rs.AddOSRExit(guard, reloc.CodeOrigin{BytecodeIndex: 2}, reloc.ExitOverflow, nil)

	imm := a.MovImm64(masm.R11, 0)
	a.CmpMem64(masm.RDI, 0, masm.R11)
	check := a.Branch(masm.NotEqual)
	load := a.Load64(masm.RAX, masm.RDI, 0)
	done := a.Label()

	target := a.MovImm64(masm.R11, 0)
	a.Cmp64(masm.RAX, masm.R11)
	miss := a.Branch(masm.NotEqual)
	fast := a.NearCall()
	over := a.Jump()
	miss.Link(a)
	tok := l.BeginCall()
	slowJS := l.AppendCall(reloc.HelperVirtualCall)
	l.AddExceptionCheck(slowJS, reloc.CodeOrigin{BytecodeIndex: 9}, tok)
	over.Link(a)
	a.Ret()

	slow := a.Label()
	check.LinkTo(slow, a)
	a.Mov(masm.ArgumentGPR0, masm.RDI)
	a.MovImm32(masm.ArgumentGPR1, 0)
	slowCall := l.AppendCall(reloc.HelperGetByID)
	a.Mov(masm.RAX, masm.ReturnValueGPR)
	a.Jump().LinkTo(done, a)

	rs.AddPropertyAccess(reloc.PropertyAccessRecord{
		Origin: reloc.CodeOrigin{BytecodeIndex: 4}, Access: reloc.GetByID,
		FunctionCall: slowCall, StructureImm: imm, StructureCheck: check, LoadOrStore: load,
		SlowCase: slow, Done: done, BaseGPR: masm.RDI, ValueGPR: masm.RAX, ScratchGPR: masm.R11,
	})
	rs.AddJSCall(reloc.JSCallRecord{Origin: reloc.CodeOrigin{BytecodeIndex: 9}, CallType: reloc.Call, FastCall: fast, SlowCall: slowJS, TargetToCheck: target})
	l.LinkOSRExits()
	l.EmitExceptionHandlerLookup()

	u := unit.New(unit.Shape{Name: name})
	vm.Code.Reserve(u)
	require.NoError(t, u.BeginLinking())
	stub, err := vm.Thunks.DeoptStub()
	require.NoError(t, err)
	thunk, err := vm.Thunks.VirtualCallThunk()
	require.NoError(t, err)
	lb, err := link.NewLinkBuffer(vm.Alloc, a, name)
	require.NoError(t, err)
	meta := l.Link(lb, link.Targets{DeoptStub: stub, VirtualCallThunk: thunk, Helpers: vm.Helpers})
	region, err := lb.FinalizeCode()
	require.NoError(t, err)
	require.NoError(t, u.FinishLinking(region, meta, 0))
	_, err = vm.Install(u)
	require.NoError(t, err)
	return u
}

func rel32Target(u *unit.CompiledUnit, end uint32) uintptr {
	return u.AddressOf(end) + uintptr(int64(masm.Rel32At(u.Code(), end)))
}

func TestHelperTable(t *testing.T) {
	h := NewHelperTable()
	_, err := h.Address(reloc.HelperDeopt)
	assert.ErrorIs(t, err, jiterrors.ErrUnknownHelper)
	_, err = h.Address(reloc.NumHelpers)
	assert.ErrorIs(t, err, jiterrors.ErrUnknownHelper)

	h.RegisterRange(0x1000)
	addr, err := h.Address(reloc.HelperDeopt)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1000+int(reloc.HelperDeopt)*HelperStride), addr)
	id, ok := h.Lookup(addr)
	assert.True(t, ok)
	assert.Equal(t, reloc.HelperDeopt, id)
	_, ok = h.Lookup(0x999)
	assert.False(t, ok)
	assert.Panics(t, func() { h.Register(reloc.HelperDeopt, 0) })
}

func TestContextSlots(t *testing.T) {
	c := NewContext(64)
	assert.NotZero(t, c.Address())
	assert.Equal(t, c.FrameRegionBase()+64*8, c.FrameRegionEnd())
	assert.Equal(t, uint64(c.FrameRegionBase()), c.ReadSlot(masm.FrameRegionBaseSlot))

	assert.Zero(t, c.PendingException())
	c.Throw(0xdead)
	assert.Equal(t, uint64(0xdead), c.PendingException())
	c.ClearException()
	assert.Zero(t, c.PendingException())

	c.WriteSlot(masm.ExitIndexSlot, 0xffffffff00000007)
	assert.Equal(t, 7, c.ExitIndex(), "only the low dword is the index")
	assert.Panics(t, func() { c.ReadSlot(masm.ContextSlotCount) })

	c.SetFrameRegionEnd(c.FrameRegionBase() + 8)
	assert.Equal(t, c.FrameRegionBase()+8, c.FrameRegionEnd())
}

func TestSafepointWaitsForRunningContexts(t *testing.T) {
	sp := NewSafepoint()
	c := NewContext(0)
	require.NoError(t, sp.Register(c))
	require.NoError(t, c.Enter())

	var ran atomic.Bool
	finished := make(chan error)
	go func() {
		finished <- sp.Run(func() error {
			ran.Store(true)
			return nil
		})
	}()
	assert.Never(t, ran.Load, 50*time.Millisecond, 5*time.Millisecond)
	c.Leave()
	require.NoError(t, <-finished)
	assert.True(t, ran.Load())
	assert.False(t, sp.Held())
}

func TestSafepointHoldsEntriesOff(t *testing.T) {
	sp := NewSafepoint()
	c := NewContext(0)
	require.NoError(t, sp.Register(c))

	inside := make(chan struct{})
	release := make(chan struct{})
	go sp.Run(func() error {
		close(inside)
		<-release
		return nil
	})
	<-inside
	assert.True(t, sp.Held())

	var entered atomic.Bool
	go func() {
		if c.Enter() == nil {
			entered.Store(true)
		}
	}()
	assert.Never(t, entered.Load, 50*time.Millisecond, 5*time.Millisecond)
	close(release)
	assert.Eventually(t, entered.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sp.Running())
	c.Leave()
}

func TestSafepointClosed(t *testing.T) {
	sp := NewSafepoint()
	c := NewContext(0)
	require.NoError(t, sp.Register(c))
	sp.Close()
	assert.ErrorIs(t, c.Enter(), jiterrors.ErrSafepointClosed)
	assert.ErrorIs(t, sp.Run(func() error { return nil }), jiterrors.ErrSafepointClosed)
	assert.ErrorIs(t, sp.Register(NewContext(0)), jiterrors.ErrSafepointClosed)
	assert.Panics(t, func() { sp.leave() })
}

func TestThunks(t *testing.T) {
	vm := newVM(t)
	deopt, err := vm.Thunks.DeoptStub()
	require.NoError(t, err)
	again, err := vm.Thunks.Get(DeoptThunk)
	require.NoError(t, err)
	assert.Equal(t, deopt, again, "generated once")
	assert.True(t, vm.Pool.Contains(deopt))

	code := vm.Thunks.Region(DeoptThunk).Bytes()
	insts, err := masm.Decode(code)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(insts), 6)
	assert.Equal(t, []x86asm.Arg{x86asm.RDI, x86asm.R13}, insts[0].Args[:2])
	assert.Equal(t, x86asm.ESI, insts[1].Args[0])
	assert.Equal(t, x86asm.R12, insts[1].Args[1].(x86asm.Mem).Base)
	helper, _ := vm.Helpers.Address(reloc.HelperDeopt)
	assert.Equal(t, uint64(helper), masm.Imm64At(code, insts[2].Offset+masm.MovImm64ImmOffset))
	assert.Equal(t, x86asm.CALL, insts[3].Op)
	assert.Equal(t, []x86asm.Arg{x86asm.R13, x86asm.RDX}, insts[4].Args[:2])
	assert.Equal(t, x86asm.JMP, insts[5].Op)
	assert.Equal(t, x86asm.RAX, insts[5].Args[0])

	virt, err := vm.Thunks.VirtualCallThunk()
	require.NoError(t, err)
	assert.NotEqual(t, deopt, virt)
	code = vm.Thunks.Region(VirtualCallThunk).Bytes()
	helper, _ = vm.Helpers.Address(reloc.HelperVirtualCall)
	assert.Equal(t, uint64(helper), masm.Imm64At(code, masm.MovImm64ImmOffset))
	inst, err := masm.DecodeAt(code, masm.MovImm64Size)
	require.NoError(t, err)
	assert.Equal(t, x86asm.JMP, inst.Op)
	assert.Equal(t, x86asm.R11, inst.Args[0])
}

func TestThunkMissingHelper(t *testing.T) {
	pool, err := execmem.NewPool(4*execmem.PageSize, execmem.HeapBacking)
	require.NoError(t, err)
	defer pool.Close()
	thunks := NewThunkCache(pool, NewHelperTable())
	_, err = thunks.DeoptStub()
	assert.ErrorIs(t, err, jiterrors.ErrUnknownHelper)
	_, err = thunks.VirtualCallThunk()
	assert.ErrorIs(t, err, jiterrors.ErrUnknownHelper)
	assert.Zero(t, pool.Stats().InUse, "failed thunks leave nothing allocated")
}

func TestCodeMap(t *testing.T) {
	vm := newVM(t)
	a := compileSites(t, vm, "a")
	b := compileSites(t, vm, "b")
	assert.Equal(t, 2, vm.Code.Len())
	assert.Equal(t, []*unit.CompiledUnit{a, b}, vm.Code.Units())

	got, off, ok := vm.Code.Lookup(b.Base() + 5)
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, uint32(5), off)
	_, _, ok = vm.Code.Lookup(b.Base() + uintptr(b.Size()))
	assert.False(t, ok, "end is exclusive")

	byHandle, err := vm.Code.ByHandle(a.Handle())
	require.NoError(t, err)
	assert.Same(t, a, byHandle)
	_, err = vm.Code.ByHandle(99)
	assert.ErrorIs(t, err, jiterrors.ErrUnitNotRegistered)

	_, err = vm.Code.Register(unit.New(unit.Shape{Name: "raw"}))
	assert.ErrorIs(t, err, jiterrors.ErrNotLinked)

	vm.Code.Unregister(a)
	assert.Equal(t, 1, vm.Code.Len())
	_, _, ok = vm.Code.Lookup(a.Base())
	assert.False(t, ok)
}

func TestReservedHandleUnresolvableUntilRegistered(t *testing.T) {
	vm := newVM(t)
	pending := unit.New(unit.Shape{Name: "pending"})
	h := vm.Code.Reserve(pending)
	require.NotZero(t, h)
	assert.Equal(t, h, vm.Code.Reserve(pending), "reserve is idempotent")

	_, err := vm.Code.ByHandle(h)
	assert.ErrorIs(t, err, jiterrors.ErrUnitNotRegistered)
	assert.NotPanics(t, func() {
		_, _, err := vm.ResolveExit(h, 0)
		assert.ErrorIs(t, err, jiterrors.ErrUnitNotRegistered)
		_, _, err = vm.ResolveThrow(h, 0)
		assert.ErrorIs(t, err, jiterrors.ErrUnitNotRegistered)
	})

	require.NoError(t, pending.BeginLinking())
	_, _, err = vm.ResolveExit(h, 0)
	assert.ErrorIs(t, err, jiterrors.ErrUnitNotRegistered, "still linking")

	u := compileSites(t, vm, "f")
	got, err := vm.Code.ByHandle(u.Handle())
	require.NoError(t, err)
	assert.Same(t, u, got)
}

func TestRepatcherWriteNeedsSafepoint(t *testing.T) {
	vm := newVM(t)
	u := compileSites(t, vm, "f")
	assert.ErrorIs(t, vm.ICs.Write(u, 0, []byte{0x90}), jiterrors.ErrNotAtSafepoint)
}

func TestInlineCacheStates(t *testing.T) {
	vm := newVM(t)
	u := compileSites(t, vm, "f")
	si, err := u.StubInfo(0)
	require.NoError(t, err)
	slowCase := u.AddressOf(si.SlowCaseOffset())
	assert.Equal(t, slowCase, rel32Target(u, si.StructureCheckEnd()))

	require.NoError(t, vm.ICs.Record(u, 0, 0x51, 24))
	assert.Equal(t, unit.ICMonomorphic, si.State)
	assert.Equal(t, uint64(0x51), masm.Imm64At(u.Code(), si.StructureImmOffset()))
	assert.Equal(t, int32(24), masm.Disp32At(u.Code(), si.LoadOrStoreDispOffset()))

	require.NoError(t, vm.ICs.Record(u, 0, 0x51, 24))
	assert.Equal(t, unit.ICMonomorphic, si.State, "same structure is a hit")

	require.NoError(t, vm.ICs.Record(u, 0, 0x52, 32))
	assert.Equal(t, unit.ICPolymorphic, si.State)
	assert.Equal(t, 0, si.StubIndex)
	stub, err := vm.ICs.Stub(u, si.StubIndex)
	require.NoError(t, err)
	assert.Equal(t, stub.Base(), rel32Target(u, si.StructureCheckEnd()))

	insts, err := masm.Decode(stub.Bytes())
	require.NoError(t, err)
	require.Len(t, insts, 6) // mov, cmp, jne, load, jmp done, jmp slow
	assert.Equal(t, uint64(0x52), masm.Imm64At(stub.Bytes(), masm.MovImm64ImmOffset))
	assert.Equal(t, int64(32), insts[3].Args[1].(x86asm.Mem).Disp)
	assert.Equal(t, u.AddressOf(si.DoneOffset()), stub.Base()+uintptr(int64(insts[4].End())+int64(masm.Rel32At(stub.Bytes(), insts[4].End()))))
	assert.Equal(t, slowCase, stub.Base()+uintptr(int64(insts[5].End())+int64(masm.Rel32At(stub.Bytes(), insts[5].End()))))

	require.NoError(t, vm.ICs.Record(u, 0, 0x53, 40))
	assert.Len(t, si.Structures, 3)
	_, err = vm.ICs.Stub(u, si.StubIndex)
	require.NoError(t, err)

	require.NoError(t, vm.ICs.Record(u, 0, 0x54, 48))
	assert.Equal(t, unit.ICGeneric, si.State)
	assert.Equal(t, -1, si.StubIndex)
	assert.Equal(t, slowCase, rel32Target(u, si.StructureCheckEnd()))
	assert.Zero(t, masm.Imm64At(u.Code(), si.StructureImmOffset()))

	assert.ErrorIs(t, vm.ICs.Record(u, 0, 0x55, 56), jiterrors.ErrICGeneric)
	assert.ErrorIs(t, vm.ICs.Record(u, 3, 0x55, 56), jiterrors.ErrICUnknownStub)

	require.NoError(t, vm.ICs.Reset(u, 0))
	assert.Equal(t, unit.ICUnlinked, si.State)
	assert.Nil(t, si.Structures)
}

func TestCallLinkStates(t *testing.T) {
	vm := newVM(t)
	caller := compileSites(t, vm, "caller")
	callee := compileSites(t, vm, "callee")
	other := compileSites(t, vm, "other")
	thunk, err := vm.Thunks.VirtualCallThunk()
	require.NoError(t, err)

	ci, err := caller.CallLink(0)
	require.NoError(t, err)
	assert.Equal(t, thunk, rel32Target(caller, ci.HotPathOther))

	require.NoError(t, vm.Calls.Link(caller, 0, callee.Handle(), callee.Base()))
	assert.Equal(t, unit.CallLinkedMonomorphic, ci.State)
	assert.Equal(t, callee.Handle(), masm.Imm64At(caller.Code(), ci.CalleeImmOffset()))
	assert.Equal(t, callee.Base(), rel32Target(caller, ci.HotPathOther))

	require.NoError(t, vm.Calls.Link(caller, 0, callee.Handle(), callee.Base()))
	assert.Equal(t, unit.CallLinkedMonomorphic, ci.State)

	require.NoError(t, vm.Calls.Link(caller, 0, other.Handle(), other.Base()))
	assert.Equal(t, unit.CallVirtual, ci.State)
	assert.Equal(t, thunk, rel32Target(caller, ci.HotPathOther))
	assert.Zero(t, masm.Imm64At(caller.Code(), ci.CalleeImmOffset()))

	require.NoError(t, vm.Calls.Unlink(caller, 0))
	assert.Equal(t, unit.CallUnlinked, ci.State)
	assert.ErrorIs(t, vm.Calls.Link(caller, 1, callee.Handle(), callee.Base()), jiterrors.ErrCallLinkUnknown)
}

func TestInvalidateUnlinksIncomingCalls(t *testing.T) {
	vm := newVM(t)
	caller := compileSites(t, vm, "caller")
	callee := compileSites(t, vm, "callee")
	thunk, _ := vm.Thunks.VirtualCallThunk()

	require.NoError(t, vm.Calls.Link(caller, 0, callee.Handle(), callee.Base()))
	require.NoError(t, vm.ICs.Record(callee, 0, 0x51, 8))
	require.NoError(t, vm.ICs.Record(callee, 0, 0x52, 16))
	inUse := vm.Pool.Stats().InUse

	require.NoError(t, vm.Invalidate(callee))
	assert.Equal(t, unit.Invalidated, callee.State())
	ci, _ := caller.CallLink(0)
	assert.Equal(t, unit.CallUnlinked, ci.State)
	assert.Equal(t, thunk, rel32Target(caller, ci.HotPathOther))
	assert.Equal(t, inUse, vm.Pool.Stats().InUse, "stubs live until release")

	assert.ErrorIs(t, vm.ICs.Record(callee, 0, 0x53, 8), jiterrors.ErrInvalidated)
	assert.ErrorIs(t, vm.Calls.Link(callee, 0, caller.Handle(), caller.Base()), jiterrors.ErrInvalidated)

	// activations still inside can deoptimize
	_, exit, err := vm.ResolveExit(callee.Handle(), 0)
	require.NoError(t, err)
	assert.Equal(t, reloc.ExitOverflow, exit.Kind)

	assert.ErrorIs(t, vm.Release(caller), jiterrors.ErrInvalidTransition)
	require.NoError(t, vm.Release(callee))
	assert.Equal(t, 1, vm.Code.Len())
	assert.Less(t, vm.Pool.Stats().InUse, inUse, "unit and stubs released")
}

func TestInvalidateKeepsPolymorphicStubUntilRelease(t *testing.T) {
	vm := newVM(t)
	u := compileSites(t, vm, "f")
	require.NoError(t, vm.ICs.Record(u, 0, 0x51, 8))
	require.NoError(t, vm.ICs.Record(u, 0, 0x52, 16))
	si, err := u.StubInfo(0)
	require.NoError(t, err)
	stub, err := vm.ICs.Stub(u, si.StubIndex)
	require.NoError(t, err)
	want := append([]byte(nil), stub.Bytes()...)

	require.NoError(t, vm.Invalidate(u))
	// a frame still in u can miss the inline check and land in the stub
	assert.Equal(t, stub.Base(), rel32Target(u, si.StructureCheckEnd()))
	kept, err := vm.ICs.Stub(u, si.StubIndex)
	require.NoError(t, err)
	assert.Same(t, stub, kept)

	fresh, err := vm.Alloc.Allocate(len(want))
	require.NoError(t, err)
	defer vm.Alloc.Free(fresh)
	assert.False(t, stub.Contains(fresh.Base()), "fresh allocation reuses a live stub")
	assert.Equal(t, want, stub.Bytes())

	require.NoError(t, vm.Release(u))
	_, err = vm.ICs.Stub(u, si.StubIndex)
	assert.ErrorIs(t, err, jiterrors.ErrICUnknownStub)
}

func TestResolveHelpersLookups(t *testing.T) {
	vm := newVM(t)
	u := compileSites(t, vm, "f")

	_, exit, err := vm.ResolveExit(u.Handle(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), exit.Origin.BytecodeIndex)
	_, _, err = vm.ResolveExit(u.Handle(), 1)
	assert.Error(t, err)
	_, _, err = vm.ResolveExit(0, 0)
	assert.ErrorIs(t, err, jiterrors.ErrUnitNotRegistered)

	origin, bc, err := vm.ResolveThrow(u.Handle(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), origin.BytecodeIndex)
	assert.Equal(t, uint32(9), bc)
	_, _, err = vm.ResolveThrow(u.Handle(), 1)
	assert.Error(t, err)

	ret := u.Exceptions().Origins[0].ReturnOffset
	got, o, ok := vm.OriginOfReturnAddress(u.AddressOf(ret))
	require.True(t, ok)
	assert.Same(t, u, got)
	assert.Equal(t, uint32(9), o.BytecodeIndex)
	// a pc inside the call resolves to the call returning after it
	_, o, ok = vm.OriginOfReturnAddress(u.AddressOf(ret - 1))
	require.True(t, ok)
	assert.Equal(t, uint32(9), o.BytecodeIndex)
	_, _, ok = vm.OriginOfReturnAddress(u.AddressOf(ret + 1))
	assert.False(t, ok, "no throwing call after the last one")
}

func TestProtectFailureReleasesStubsAndThunks(t *testing.T) {
	errDenied := errors.New("mprotect denied")
	deny := false
	pool, err := execmem.NewPoolWithProtector(32*execmem.PageSize, func(b []byte, executable bool) error {
		if deny && executable {
			return errDenied
		}
		return nil
	})
	require.NoError(t, err)
	h := NewHelperTable()
	h.RegisterRange(helperBase)
	vm := NewVM(pool, h, Options{MaxPolymorphicCases: 3})
	t.Cleanup(func() {
		vm.Close()
		pool.Close()
	})

	deny = true
	before := pool.Stats()
	_, err = vm.Thunks.DeoptStub()
	assert.ErrorIs(t, err, errDenied)
	assert.Equal(t, before, pool.Stats(), "thunk region returned")
	assert.Nil(t, vm.Thunks.Region(DeoptThunk))

	deny = false
	u := compileSites(t, vm, "f")
	require.NoError(t, vm.ICs.Record(u, 0, 0x51, 8))
	si, err := u.StubInfo(0)
	require.NoError(t, err)
	before = pool.Stats()

	deny = true
	assert.ErrorIs(t, vm.ICs.Record(u, 0, 0x52, 16), errDenied)
	assert.Equal(t, before, pool.Stats(), "stub region returned")
	assert.Equal(t, unit.ICMonomorphic, si.State)
	assert.Equal(t, u.AddressOf(si.SlowCaseOffset()), rel32Target(u, si.StructureCheckEnd()))
}
