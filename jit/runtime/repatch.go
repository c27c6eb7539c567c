package runtime

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/colorfulnotion/jitlink/jit/execmem"
	"github.com/colorfulnotion/jitlink/jit/link"
	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/jit/reloc"
	"github.com/colorfulnotion/jitlink/jit/unit"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/colorfulnotion/jitlink/log"
)

// Repatcher drives inline-cache sites through
// Unlinked -> Monomorphic -> Polymorphic -> Generic. Every code write happens
// inside a safepoint.
type Repatcher struct {
	sp       *Safepoint
	alloc    execmem.Allocator
	maxCases int

	mu    sync.Mutex
	stubs map[*unit.CompiledUnit][]*execmem.Region
}

func NewRepatcher(sp *Safepoint, alloc execmem.Allocator, maxCases int) *Repatcher {
	return &Repatcher{sp: sp, alloc: alloc, maxCases: maxCases, stubs: make(map[*unit.CompiledUnit][]*execmem.Region)}
}

// Write patches u's code at offset. The caller must be inside Safepoint.Run.
func (r *Repatcher) Write(u *unit.CompiledUnit, offset uint32, data []byte) error {
	if !r.sp.Held() {
		return jiterrors.ErrNotAtSafepoint
	}
	return u.Region().Write(int(offset), data)
}

// retarget rewrites the rel32 of the branch or near call ending at end.
func (r *Repatcher) retarget(u *unit.CompiledUnit, end uint32, target uintptr) error {
	rel := masm.RelativeOffset(u.AddressOf(end), target)
	return r.Write(u, end-4, masm.Rel32Bytes(rel))
}

// Record feeds one observed (structure, offset) pair for IC index into the
// site's state machine.
func (r *Repatcher) Record(u *unit.CompiledUnit, index int, structure uint64, offset int32) error {
	if structure == 0 {
		panic("repatch: structure id zero is reserved for unlinked caches")
	}
	if u.State() != unit.Linked {
		return fmt.Errorf("repatch %s: %w", u.Name, jiterrors.ErrInvalidated)
	}
	si, err := u.StubInfo(index)
	if err != nil {
		return err
	}
	return r.sp.Run(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.recordLocked(u, si, structure, offset)
	})
}

func (r *Repatcher) recordLocked(u *unit.CompiledUnit, si *unit.StructureStubInfo, structure uint64, offset int32) error {
	switch si.State {
	case unit.ICUnlinked:
		return r.setMonomorphic(u, si, structure, offset)
	case unit.ICMonomorphic, unit.ICPolymorphic:
		if slices.Contains(si.Structures, structure) {
			return nil
		}
		if len(si.Structures)+1 > r.maxCases {
			return r.setGeneric(u, si)
		}
		return r.setPolymorphic(u, si, append(slices.Clone(si.Structures), structure), append(slices.Clone(si.Offsets), offset))
	default:
		return fmt.Errorf("%s ic#%d: %w", u.Name, si.Index, jiterrors.ErrICGeneric)
	}
}

func (r *Repatcher) setMonomorphic(u *unit.CompiledUnit, si *unit.StructureStubInfo, structure uint64, offset int32) error {
	if err := r.Write(u, si.StructureImmOffset(), masm.Imm64Bytes(structure)); err != nil {
		return err
	}
	if err := r.Write(u, si.LoadOrStoreDispOffset(), masm.Rel32Bytes(offset)); err != nil {
		return err
	}
	si.State = unit.ICMonomorphic
	si.Structures = []uint64{structure}
	si.Offsets = []int32{offset}
	log.Debug(log.JitRuntime, "ic monomorphic", "unit", u.Name, "ic", si.Index, "structure", structure, "offset", offset)
	return nil
}

// setPolymorphic keeps the first case inline and routes the structure check's
// miss edge through a stub testing the rest.
func (r *Repatcher) setPolymorphic(u *unit.CompiledUnit, si *unit.StructureStubInfo, structures []uint64, offsets []int32) error {
	stub, err := r.buildStub(u, si, structures[1:], offsets[1:])
	if err != nil {
		return err
	}
	if err := r.retarget(u, si.StructureCheckEnd(), stub.Base()); err != nil {
		return errors.Join(err, r.alloc.Free(stub))
	}
	r.replaceStubLocked(u, si, stub)
	si.State = unit.ICPolymorphic
	si.Structures = structures
	si.Offsets = offsets
	log.Debug(log.JitRuntime, "ic polymorphic", "unit", u.Name, "ic", si.Index, "cases", len(structures), "stub", stub)
	return nil
}

func (r *Repatcher) buildStub(u *unit.CompiledUnit, si *unit.StructureStubInfo, structures []uint64, offsets []int32) (*execmem.Region, error) {
	a := masm.NewAssembler()
	var done []masm.Jump
	for i, s := range structures {
		a.MovImm64(si.ScratchGPR, s)
		a.CmpMem64(si.BaseGPR, 0, si.ScratchGPR)
		next := a.Branch(masm.NotEqual)
		if si.Access == reloc.GetByID {
			a.Load64(si.ValueGPR, si.BaseGPR, offsets[i])
		} else {
			a.Store64(si.BaseGPR, offsets[i], si.ValueGPR)
		}
		done = append(done, a.Jump())
		next.Link(a)
	}
	slow := a.Jump()

	lb, err := link.NewLinkBuffer(r.alloc, a, fmt.Sprintf("%s ic#%d", u.Name, si.Index))
	if err != nil {
		return nil, err
	}
	for _, j := range done {
		lb.Link(j, u.AddressOf(si.DoneOffset()))
	}
	lb.Link(slow, u.AddressOf(si.SlowCaseOffset()))
	return lb.FinalizeCode()
}

// setGeneric sends every access down the slow path for good.
func (r *Repatcher) setGeneric(u *unit.CompiledUnit, si *unit.StructureStubInfo) error {
	if err := r.restore(u, si); err != nil {
		return err
	}
	si.State = unit.ICGeneric
	log.Debug(log.JitRuntime, "ic generic", "unit", u.Name, "ic", si.Index)
	return nil
}

func (r *Repatcher) restore(u *unit.CompiledUnit, si *unit.StructureStubInfo) error {
	if err := r.Write(u, si.StructureImmOffset(), masm.Imm64Bytes(0)); err != nil {
		return err
	}
	if err := r.Write(u, si.LoadOrStoreDispOffset(), masm.Rel32Bytes(0)); err != nil {
		return err
	}
	if err := r.retarget(u, si.StructureCheckEnd(), u.AddressOf(si.SlowCaseOffset())); err != nil {
		return err
	}
	r.replaceStubLocked(u, si, nil)
	si.Structures = nil
	si.Offsets = nil
	return nil
}

// Reset returns an IC site to its freshly linked shape.
func (r *Repatcher) Reset(u *unit.CompiledUnit, index int) error {
	si, err := u.StubInfo(index)
	if err != nil {
		return err
	}
	return r.sp.Run(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if err := r.restore(u, si); err != nil {
			return err
		}
		si.State = unit.ICUnlinked
		return nil
	})
}

func (r *Repatcher) replaceStubLocked(u *unit.CompiledUnit, si *unit.StructureStubInfo, stub *execmem.Region) {
	list := r.stubs[u]
	if si.StubIndex >= 0 && si.StubIndex < len(list) {
		if old := list[si.StubIndex]; old != nil {
			r.alloc.Free(old)
			list[si.StubIndex] = nil
		}
	}
	if stub == nil {
		si.StubIndex = -1
		return
	}
	if si.StubIndex < 0 {
		si.StubIndex = len(list)
		list = append(list, stub)
	} else {
		list[si.StubIndex] = stub
	}
	r.stubs[u] = list
}

// Stub returns the polymorphic stub at index in u's stub list.
func (r *Repatcher) Stub(u *unit.CompiledUnit, index int) (*execmem.Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.stubs[u]
	if index < 0 || index >= len(list) || list[index] == nil {
		return nil, fmt.Errorf("%s stub %d: %w", u.Name, index, jiterrors.ErrICUnknownStub)
	}
	return list[index], nil
}

// ReleaseUnit frees every stub built for u. Only call it once nothing can
// branch into u any more.
func (r *Repatcher) ReleaseUnit(u *unit.CompiledUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.stubs[u] {
		if s != nil {
			errs = append(errs, r.alloc.Free(s))
		}
	}
	delete(r.stubs, u)
	return errors.Join(errs...)
}
