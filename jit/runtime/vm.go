package runtime

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/jitlink/jit/execmem"
	"github.com/colorfulnotion/jitlink/jit/reloc"
	"github.com/colorfulnotion/jitlink/jit/unit"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/colorfulnotion/jitlink/log"
)

type Options struct {
	MaxPolymorphicCases int
}

// VM bundles what the compiler and the repatching paths share.
type VM struct {
	Pool *execmem.Pool
	// Alloc is where compiled units are placed. It defaults to Pool.
	Alloc     execmem.Allocator
	Helpers   *HelperTable
	Thunks    *ThunkCache
	Code      *CodeMap
	Safepoint *Safepoint
	ICs       *Repatcher
	Calls     *CallLinker
}

func NewVM(pool *execmem.Pool, helpers *HelperTable, opts Options) *VM {
	sp := NewSafepoint()
	thunks := NewThunkCache(pool, helpers)
	ics := NewRepatcher(sp, pool, opts.MaxPolymorphicCases)
	return &VM{
		Pool:      pool,
		Alloc:     pool,
		Helpers:   helpers,
		Thunks:    thunks,
		Code:      NewCodeMap(),
		Safepoint: sp,
		ICs:       ics,
		Calls:     NewCallLinker(sp, thunks, ics),
	}
}

// NewContext creates an execution context registered with the safepoint.
func (vm *VM) NewContext(frameSlots int) (*Context, error) {
	c := NewContext(frameSlots)
	if err := vm.Safepoint.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Install makes a linked unit visible to return-address lookups.
func (vm *VM) Install(u *unit.CompiledUnit) (uint64, error) {
	return vm.Code.Register(u)
}

// Invalidate retires u: calls into it from other units are unlinked and the
// unit stops accepting patches. Activations already inside it can still
// deoptimize through its exit table and still run its polymorphic stubs, so
// those stay allocated until Release.
func (vm *VM) Invalidate(u *unit.CompiledUnit) error {
	n, err := vm.Calls.UnlinkIncoming(vm.Code.Units(), u)
	if err != nil {
		return err
	}
	if err := u.Invalidate(); err != nil {
		return err
	}
	log.Debug(log.JitRuntime, "unit invalidated", "unit", u.Name, "unlinked", n)
	return nil
}

// Release drops an invalidated unit and returns its code and its inline-cache
// stubs to the pool. The caller guarantees no activation is still inside u.
func (vm *VM) Release(u *unit.CompiledUnit) error {
	if u.State() != unit.Invalidated {
		return fmt.Errorf("release %s in state %s: %w", u.Name, u.State(), jiterrors.ErrInvalidTransition)
	}
	vm.Code.Unregister(u)
	return errors.Join(vm.ICs.ReleaseUnit(u), vm.Alloc.Free(u.Region()))
}

// ResolveExit is the lookup behind the deopt helper: which guard of which
// unit fired.
func (vm *VM) ResolveExit(handle uint64, exitIndex int) (*unit.CompiledUnit, *unit.OSRExit, error) {
	u, err := vm.Code.ByHandle(handle)
	if err != nil {
		return nil, nil, err
	}
	exit, err := u.Exit(exitIndex)
	if err != nil {
		return nil, nil, err
	}
	return u, exit, nil
}

// ResolveThrow is the lookup behind the exception handler helper: the full
// origin of the throwing call with callIndex, and the outermost bytecode
// index the baseline handler search starts from.
func (vm *VM) ResolveThrow(handle uint64, callIndex int) (reloc.CodeOrigin, uint32, error) {
	u, err := vm.Code.ByHandle(handle)
	if err != nil {
		return reloc.CodeOrigin{}, 0, err
	}
	tbl := u.Exceptions()
	entry, ok := tbl.OriginAt(callIndex)
	if !ok {
		return reloc.CodeOrigin{}, 0, fmt.Errorf("%s call %d of %d: %w", u.Name, callIndex, tbl.Len(), jiterrors.ErrNotLinked)
	}
	bc, ok := tbl.BytecodeIndexAt(entry.ReturnOffset)
	if !ok {
		panic(fmt.Sprintf("%s: call %d has no offset entry", u.Name, callIndex))
	}
	return entry.Origin, bc, nil
}

// OriginOfReturnAddress maps a return address inside compiled code back to
// its throwing call's origin.
func (vm *VM) OriginOfReturnAddress(pc uintptr) (*unit.CompiledUnit, reloc.CodeOrigin, bool) {
	u, off, ok := vm.Code.Lookup(pc)
	if !ok {
		return nil, reloc.CodeOrigin{}, false
	}
	origin, ok := u.Exceptions().OriginForReturnOffset(off)
	return u, origin, ok
}

func (vm *VM) Close() error {
	vm.Safepoint.Close()
	return vm.Thunks.Release()
}
