//go:build unicorn
// +build unicorn

// Package sandbox executes linked units under the unicorn x86-64 emulator.
// Placed code runs at its real pool addresses; runtime helpers live on a
// guest page whose entries are plain returns, serviced from a code hook
// before the return executes.
package sandbox

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/colorfulnotion/jitlink/common"
	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/jit/reloc"
	"github.com/colorfulnotion/jitlink/jit/runtime"
	"github.com/colorfulnotion/jitlink/jit/unit"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/colorfulnotion/jitlink/log"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Guest layout. Everything but the pool sits low, well away from any host
// address a pool can be placed at.
const (
	HelperBase = 0x10000
	haltAddr   = HelperBase + 0x800

	contextBase = 0x20000
	stackBase   = 0x30000
	stackSize   = 0x10000
	heapBase    = 0x100000
	heapSize    = 0x100000
	frameBase   = 0x400000
	pageSize    = 0x1000

	// Undefined is the value arity fixup supplies for missing arguments.
	Undefined = 0xa
)

const (
	opRet  = 0xc3
	opInt3 = 0xcc
)

// gprs maps hardware register numbers to unicorn register ids.
var gprs = [16]int{
	uc.X86_REG_RAX, uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_RBX,
	uc.X86_REG_RSP, uc.X86_REG_RBP, uc.X86_REG_RSI, uc.X86_REG_RDI,
	uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
	uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
}

type Options struct {
	FrameSlots   int // size of the mapped frame region
	InitialSlots int // capacity published before any growth, 0 for all of it

	// ThrowValue makes the operation helper raise when its argument equals
	// it. Zero never throws.
	ThrowValue uint64

	// Properties resolves a structure id to its property offset. Inline
	// cache misses on a known structure are recorded into the cache.
	Properties map[uint64]int32
}

// Exit is a taken guard, as the deopt helper saw it.
type Exit struct {
	Unit    *unit.CompiledUnit
	OSRExit *unit.OSRExit
	Frame   uint64
	Values  []uint64 // recovered live values in recovery order
}

// Throw is a raised exception, as the handler lookup saw it.
type Throw struct {
	Unit          *unit.CompiledUnit
	Origin        reloc.CodeOrigin
	BytecodeIndex uint32 // outermost bytecode index
	Exception     uint64
}

type Result struct {
	Returned   bool
	RAX        uint64
	EntryFrame uint64
	Frame      uint64 // call frame register when execution stopped
	Exit       *Exit
	Throw      *Throw
	Helpers    map[reloc.HelperID]int
	Callees    []uint64
}

// Invocation enters a unit with a fresh frame holding Args.
type Invocation struct {
	Entry     uintptr
	Args      []uint64
	Registers map[masm.X86Reg]uint64
}

type Sandbox struct {
	uc.Unicorn
	vm        *runtime.VM
	ctx       *runtime.Context
	opts      Options
	frameSize uint64
	heapTop   uint64

	res *Result
	err error
}

// New maps vm's pool and the sandbox pages into a fresh emulator. Helpers
// must be registered with RegisterRange(HelperBase).
func New(vm *runtime.VM, opts Options) (*Sandbox, error) {
	for id := reloc.HelperID(0); id < reloc.NumHelpers; id++ {
		addr, err := vm.Helpers.Address(id)
		if err != nil {
			return nil, err
		}
		if want := uintptr(HelperBase) + uintptr(id)*runtime.HelperStride; addr != want {
			return nil, fmt.Errorf("helper %s at 0x%x, want 0x%x: %w", id, addr, want, jiterrors.ErrUnknownHelper)
		}
	}
	if opts.FrameSlots <= 0 {
		opts.FrameSlots = 1024
	}

	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	s := &Sandbox{
		Unicorn:   mu,
		vm:        vm,
		opts:      opts,
		frameSize: alignUp(uint64(opts.FrameSlots) * 8),
		heapTop:   heapBase,
	}
	maps := []struct {
		name       string
		addr, size uint64
		prot       int
	}{
		{"helper page", HelperBase, pageSize, uc.PROT_READ | uc.PROT_EXEC},
		{"context page", contextBase, pageSize, uc.PROT_READ | uc.PROT_WRITE},
		{"stack", stackBase, stackSize, uc.PROT_READ | uc.PROT_WRITE},
		{"heap", heapBase, heapSize, uc.PROT_READ | uc.PROT_WRITE},
		{"frame region", frameBase, s.frameSize, uc.PROT_READ | uc.PROT_WRITE},
		{"pool", uint64(vm.Pool.Base()), uint64(vm.Pool.Capacity()), uc.PROT_ALL},
	}
	for _, m := range maps {
		if err := mu.MemMapProt(m.addr, m.size, m.prot); err != nil {
			mu.Close()
			return nil, fmt.Errorf("map %s at 0x%x: %w", m.name, m.addr, err)
		}
	}

	page := make([]byte, pageSize)
	for i := range page {
		page[i] = opInt3
	}
	for id := 0; id < int(reloc.NumHelpers); id++ {
		page[id*runtime.HelperStride] = opRet
	}
	if err := mu.MemWrite(HelperBase, page); err != nil {
		mu.Close()
		return nil, fmt.Errorf("write helper page: %w", err)
	}

	if _, err := mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		s.service(addr)
	}, HelperBase, HelperBase+pageSize-1); err != nil {
		mu.Close()
		return nil, fmt.Errorf("add helper hook: %w", err)
	}
	if _, err := mu.HookAdd(uc.HOOK_MEM_INVALID, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		rip, _ := mu.RegRead(uc.X86_REG_RIP)
		s.fail(fmt.Errorf("invalid access %d at 0x%x (rip 0x%x): %w", access, addr, rip, jiterrors.ErrEmulation))
		return false
	}, 1, 0); err != nil {
		mu.Close()
		return nil, fmt.Errorf("add memory hook: %w", err)
	}

	ctx, err := vm.NewContext(0)
	if err != nil {
		mu.Close()
		return nil, err
	}
	s.ctx = ctx
	return s, nil
}

// Context is the runtime context that mirrors the guest context page after
// each run.
func (s *Sandbox) Context() *runtime.Context { return s.ctx }

// sync copies the pool into the guest, picking up placement and repatching.
func (s *Sandbox) sync() error {
	return s.MemWrite(uint64(s.vm.Pool.Base()), s.vm.Pool.Bytes())
}

// NewObject allocates a guest object: the structure id at offset zero, then
// fields at their offsets.
func (s *Sandbox) NewObject(structure uint64, fields map[int32]uint64) (uint64, error) {
	size := uint64(8)
	for off := range fields {
		if end := uint64(off) + 8; end > size {
			size = end
		}
	}
	if s.heapTop+size > heapBase+heapSize {
		return 0, fmt.Errorf("object of %d bytes: heap full: %w", size, jiterrors.ErrEmulation)
	}
	obj := s.heapTop
	s.heapTop += (size + 15) &^ 15
	if err := s.writeWord(obj, structure); err != nil {
		return 0, err
	}
	for off, v := range fields {
		if err := s.writeWord(obj+uint64(off), v); err != nil {
			return 0, err
		}
	}
	return obj, nil
}

// Word reads one guest word.
func (s *Sandbox) Word(addr uint64) (uint64, error) {
	b, err := s.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return common.DecodeUint64(b), nil
}

func (s *Sandbox) writeWord(addr, v uint64) error {
	return s.MemWrite(addr, common.EncodeUint64(v))
}

// ContextSlot reads a guest context slot.
func (s *Sandbox) ContextSlot(slot int) (uint64, error) {
	return s.Word(contextBase + uint64(masm.SlotDisp(slot)))
}

// headerSlot addresses a frame header or argument slot below frame.
func headerSlot(frame uint64, slot int) uint64 {
	return uint64(int64(frame) + int64(masm.SlotDisp(slot)))
}

// argumentSlot is where argument i lives: directly below the header.
func argumentSlot(frame uint64, i int) uint64 {
	return headerSlot(frame, masm.ArgumentCountSlot-1-i)
}

// Run enters inv.Entry as if called, and runs until the unit returns,
// deoptimizes or hands an exception to its handler.
func (s *Sandbox) Run(inv Invocation) (*Result, error) {
	if err := s.sync(); err != nil {
		return nil, fmt.Errorf("sync pool: %w", err)
	}
	frame := frameBase + uint64(len(inv.Args)-masm.ArgumentCountSlot)*8
	end := frameBase + s.frameSize
	if s.opts.InitialSlots > 0 {
		end = frame + uint64(s.opts.InitialSlots)*8
	}
	slots := make([]byte, masm.ContextSlotCount*8)
	binary.LittleEndian.PutUint64(slots[masm.SlotDisp(masm.FrameRegionEndSlot):], end)
	binary.LittleEndian.PutUint64(slots[masm.SlotDisp(masm.FrameRegionBaseSlot):], frameBase)
	if err := s.MemWrite(contextBase, slots); err != nil {
		return nil, err
	}
	if err := s.MemWrite(frameBase, make([]byte, s.frameSize)); err != nil {
		return nil, err
	}
	for i, arg := range inv.Args {
		if err := s.writeWord(argumentSlot(frame, i), arg); err != nil {
			return nil, err
		}
	}
	if err := s.writeWord(headerSlot(frame, masm.ArgumentCountSlot), uint64(len(inv.Args))); err != nil {
		return nil, err
	}

	// the entry pops its return address into the frame header
	sp := uint64(stackBase + stackSize - 16)
	if err := s.writeWord(sp, haltAddr); err != nil {
		return nil, err
	}
	for _, reg := range gprs {
		if err := s.RegWrite(reg, 0); err != nil {
			return nil, err
		}
	}
	regs := map[int]uint64{
		uc.X86_REG_RSP:                       sp,
		gprs[masm.ContextRegister.Index()]:   contextBase,
		gprs[masm.CallFrameRegister.Index()]: frame,
	}
	for r, v := range inv.Registers {
		regs[gprs[r.Index()]] = v
	}
	for reg, v := range regs {
		if err := s.RegWrite(reg, v); err != nil {
			return nil, err
		}
	}

	s.res = &Result{EntryFrame: frame, Helpers: make(map[reloc.HelperID]int)}
	s.err = nil
	if err := s.ctx.Enter(); err != nil {
		return nil, err
	}
	runErr := s.Start(uint64(inv.Entry), haltAddr)
	s.ctx.Leave()
	if s.err != nil {
		return s.res, s.err
	}
	if runErr != nil {
		return s.res, fmt.Errorf("run 0x%x: %v: %w", inv.Entry, runErr, jiterrors.ErrEmulation)
	}
	rip, _ := s.RegRead(uc.X86_REG_RIP)
	if rip != haltAddr {
		return s.res, fmt.Errorf("stopped at 0x%x: %w", rip, jiterrors.ErrEmulation)
	}

	res := s.res
	res.RAX, _ = s.RegRead(uc.X86_REG_RAX)
	res.Frame, _ = s.RegRead(gprs[masm.CallFrameRegister.Index()])
	res.Returned = res.Exit == nil && res.Throw == nil
	for _, slot := range []int{masm.ExitIndexSlot, masm.ExceptionSlot} {
		v, err := s.ContextSlot(slot)
		if err != nil {
			return res, err
		}
		s.ctx.WriteSlot(slot, v)
	}
	log.Debug(log.JitSandbox, "run finished", "entry", fmt.Sprintf("0x%x", inv.Entry), "returned", res.Returned, "helpers", len(res.Helpers))
	return res, nil
}

func (s *Sandbox) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.Stop()
}

func (s *Sandbox) reg(r masm.X86Reg) uint64 {
	v, _ := s.RegRead(gprs[r.Index()])
	return v
}

func (s *Sandbox) setReg(r masm.X86Reg, v uint64) {
	if err := s.RegWrite(gprs[r.Index()], v); err != nil {
		s.fail(err)
	}
}

// service runs the helper at addr. The helper's ret then executes in the
// guest.
func (s *Sandbox) service(addr uint64) {
	if addr == haltAddr {
		return
	}
	id, ok := s.vm.Helpers.Lookup(uintptr(addr))
	if !ok {
		s.fail(fmt.Errorf("0x%x: %w", addr, jiterrors.ErrStrayHelper))
		return
	}
	s.res.Helpers[id]++
	log.Trace(log.JitSandbox, "helper", "id", id)

	// helper calls are where compiled code parks for runtime work
	s.ctx.Leave()
	err := s.call(id)
	if enterErr := s.ctx.Enter(); err == nil {
		err = enterErr
	}
	if err != nil {
		s.fail(fmt.Errorf("helper %s: %w", id, err))
	}
}

func (s *Sandbox) call(id reloc.HelperID) error {
	arg0 := s.reg(masm.ArgumentGPR0)
	arg1 := s.reg(masm.ArgumentGPR1)
	switch id {
	case reloc.HelperFrameGrowth:
		return s.growFrame(arg0, uint32(arg1))
	case reloc.HelperCallArityFixup, reloc.HelperConstructArityFixup:
		return s.fixupArity(arg0, uint32(arg1))
	case reloc.HelperDeopt:
		return s.deopt(arg0, int(uint32(arg1)))
	case reloc.HelperLookupExceptionHandler:
		return s.lookupHandler(arg0, int(arg1))
	case reloc.HelperGetByID, reloc.HelperPutByID:
		return s.accessProperty(id, arg0, int(uint32(arg1)))
	case reloc.HelperVirtualCall:
		s.res.Callees = append(s.res.Callees, s.reg(masm.RegT0))
		return nil
	case reloc.HelperOperation:
		if s.opts.ThrowValue != 0 && arg1 == s.opts.ThrowValue {
			return s.writeWord(contextBase+uint64(masm.SlotDisp(masm.ExceptionSlot)), arg1)
		}
		return nil
	}
	return fmt.Errorf("no sandbox service: %w", jiterrors.ErrUnknownHelper)
}

func (s *Sandbox) growFrame(frame uint64, slots uint32) error {
	limit := uint64(frameBase) + s.frameSize
	if need := frame + uint64(slots)*8; need > limit {
		return fmt.Errorf("need 0x%x past 0x%x: %w", need, limit, jiterrors.ErrFrameRegionExhausted)
	}
	return s.writeWord(contextBase+uint64(masm.SlotDisp(masm.FrameRegionEndSlot)), limit)
}

// fixupArity moves the frame up by the missing argument count so every
// declared parameter has a slot, and fills the new ones with Undefined.
func (s *Sandbox) fixupArity(frame uint64, params uint32) error {
	argc, err := s.Word(headerSlot(frame, masm.ArgumentCountSlot))
	if err != nil {
		return err
	}
	argc = uint64(uint32(argc))
	if argc >= uint64(params) {
		s.setReg(masm.ReturnValueGPR, frame)
		return nil
	}
	delta := (uint64(params) - argc) * 8
	if frame+delta > frameBase+s.frameSize {
		return jiterrors.ErrFrameRegionExhausted
	}
	low := argumentSlot(frame, int(argc)-1)
	if argc == 0 {
		low = headerSlot(frame, masm.ArgumentCountSlot)
	}
	block, err := s.MemRead(low, frame-low)
	if err != nil {
		return err
	}
	if err := s.MemWrite(low+delta, block); err != nil {
		return err
	}
	moved := frame + delta
	for i := int(argc); i < int(params); i++ {
		if err := s.writeWord(argumentSlot(moved, i), Undefined); err != nil {
			return err
		}
	}
	if err := s.writeWord(headerSlot(moved, masm.ArgumentCountSlot), uint64(params)); err != nil {
		return err
	}
	s.setReg(masm.ReturnValueGPR, moved)
	return nil
}

func (s *Sandbox) frameUnit(frame uint64) (*unit.CompiledUnit, error) {
	handle, err := s.Word(headerSlot(frame, masm.CodeBlockSlot))
	if err != nil {
		return nil, err
	}
	return s.vm.Code.ByHandle(handle)
}

// deopt resolves the taken guard and recovers its live values, then resumes
// at the halt address with the frame intact.
func (s *Sandbox) deopt(frame uint64, index int) error {
	handle, err := s.Word(headerSlot(frame, masm.CodeBlockSlot))
	if err != nil {
		return err
	}
	u, exit, err := s.vm.ResolveExit(handle, index)
	if err != nil {
		return err
	}
	values := make([]uint64, len(exit.Recoveries))
	for i, r := range exit.Recoveries {
		switch r.Kind {
		case reloc.InRegister:
			values[i], _ = s.RegRead(gprs[r.Register])
		case reloc.InFrameSlot, reloc.AlreadyInFrame:
			if values[i], err = s.Word(headerSlot(frame, r.Slot)); err != nil {
				return err
			}
		case reloc.Constant:
			values[i] = r.Value
		}
	}
	s.res.Exit = &Exit{Unit: u, OSRExit: exit, Frame: frame, Values: values}
	s.setReg(masm.ReturnValueGPR, haltAddr)
	s.setReg(masm.ReturnValueGPR2, frame)
	return nil
}

func (s *Sandbox) lookupHandler(frame uint64, callIndex int) error {
	handle, err := s.Word(headerSlot(frame, masm.CodeBlockSlot))
	if err != nil {
		return err
	}
	origin, bc, err := s.vm.ResolveThrow(handle, callIndex)
	if err != nil {
		return err
	}
	u, err := s.vm.Code.ByHandle(handle)
	if err != nil {
		return err
	}
	exception, err := s.ContextSlot(masm.ExceptionSlot)
	if err != nil {
		return err
	}
	s.res.Throw = &Throw{Unit: u, Origin: origin, BytecodeIndex: bc, Exception: exception}
	s.setReg(masm.ReturnValueGPR, frame)
	s.setReg(masm.ReturnValueGPR2, haltAddr)
	return nil
}

// accessProperty is the inline cache slow path: it performs the access and
// records a known structure into the cache.
func (s *Sandbox) accessProperty(id reloc.HelperID, base uint64, index int) error {
	structure, err := s.Word(base)
	if err != nil {
		return err
	}
	offset, known := s.opts.Properties[structure]
	if !known || structure == 0 {
		if id == reloc.HelperGetByID {
			s.setReg(masm.ReturnValueGPR, Undefined)
		}
		return nil
	}
	u, err := s.frameUnit(s.reg(masm.CallFrameRegister))
	if err != nil {
		return err
	}
	if err := s.vm.ICs.Record(u, index, structure, offset); err != nil && !errors.Is(err, jiterrors.ErrICGeneric) {
		return err
	}
	if err := s.sync(); err != nil {
		return err
	}
	slot := base + uint64(offset)
	if id == reloc.HelperPutByID {
		return s.writeWord(slot, s.reg(masm.RegT1))
	}
	v, err := s.Word(slot)
	if err != nil {
		return err
	}
	s.setReg(masm.ReturnValueGPR, v)
	return nil
}

func (s *Sandbox) Close() error {
	s.vm.Safepoint.Unregister(s.ctx)
	return s.Unicorn.Close()
}

func alignUp(n uint64) uint64 { return (n + pageSize - 1) &^ (pageSize - 1) }
