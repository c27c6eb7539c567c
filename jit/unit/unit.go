// Package unit holds the persistent product of one compile: the placed code
// and the metadata the runtime consults when a guard fires, an exception
// unwinds through the code, or a cache site is respecialized.
package unit

import (
	"cmp"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/colorfulnotion/jitlink/jit/execmem"
	"github.com/colorfulnotion/jitlink/jiterrors"
)

// Metadata is everything the linker produces for a unit, installed in one
// step so a half-linked unit is never observable.
type Metadata struct {
	Exits      []OSRExit
	Exceptions ExceptionTable
	StubInfos  []StructureStubInfo
	CallLinks  []CallLinkInfo
	OSREntries []OSREntry
}

// Shape is what the compiler knows about the function before linking.
type Shape struct {
	Name               string
	NumParameters      int
	NumCalleeRegisters int
	IsConstructor      bool
	IsFunction         bool
}

// CompiledUnit owns a placed code region and its linked metadata.
type CompiledUnit struct {
	Shape
	handle atomic.Uint64
	state  atomic.Int32

	region *execmem.Region
	meta   Metadata

	entryOffset      uint32
	arityEntryOffset uint32
	hasArityEntry    bool
}

func New(shape Shape) *CompiledUnit {
	return &CompiledUnit{Shape: shape}
}

func (u *CompiledUnit) State() State { return State(u.state.Load()) }

// Handle is the identity compiled code stores in its frame header. Zero until
// the unit is registered with a code map.
func (u *CompiledUnit) Handle() uint64 { return u.handle.Load() }

func (u *CompiledUnit) SetHandle(h uint64) {
	if !u.handle.CompareAndSwap(0, h) {
		panic(fmt.Sprintf("unit %s: handle already assigned", u.Name))
	}
}

// BeginLinking moves an unlinked unit into linking.
func (u *CompiledUnit) BeginLinking() error {
	return u.transition(Unlinked, Linking)
}

// FinishLinking installs the region and metadata and marks the unit linked.
func (u *CompiledUnit) FinishLinking(region *execmem.Region, meta Metadata, entryOffset uint32) error {
	if u.State() != Linking {
		return fmt.Errorf("finish linking in %s: %w", u.State(), jiterrors.ErrInvalidTransition)
	}
	sortOSREntries(meta.OSREntries)
	u.region = region
	u.meta = meta
	u.entryOffset = entryOffset
	return u.transition(Linking, Linked)
}

// SetArityEntry records the arity-checked entry. Only valid while linking.
func (u *CompiledUnit) SetArityEntry(offset uint32) {
	if u.State() != Linking {
		panic(fmt.Sprintf("unit %s: arity entry set in state %s", u.Name, u.State()))
	}
	u.arityEntryOffset = offset
	u.hasArityEntry = true
}

// Abandon marks a compile attempt that will never produce code.
func (u *CompiledUnit) Abandon() error {
	from := u.State()
	return u.transition(from, Abandoned)
}

// Invalidate retires a linked unit. Its region stays mapped until released.
func (u *CompiledUnit) Invalidate() error {
	return u.transition(Linked, Invalidated)
}

func (u *CompiledUnit) mustBeLinked() {
	if s := u.State(); s != Linked && s != Invalidated {
		panic(fmt.Sprintf("unit %s: metadata read in state %s", u.Name, s))
	}
}

func (u *CompiledUnit) Region() *execmem.Region { return u.region }

// Base is the address of the first code byte.
func (u *CompiledUnit) Base() uintptr {
	u.mustBeLinked()
	return u.region.Base()
}

func (u *CompiledUnit) Size() int {
	u.mustBeLinked()
	return u.region.Size()
}

func (u *CompiledUnit) Code() []byte {
	u.mustBeLinked()
	return u.region.Bytes()
}

func (u *CompiledUnit) AddressOf(offset uint32) uintptr { return u.Base() + uintptr(offset) }

// OffsetOf converts a code address back to a unit offset.
func (u *CompiledUnit) OffsetOf(addr uintptr) (uint32, bool) {
	u.mustBeLinked()
	if !u.region.Contains(addr) {
		return 0, false
	}
	return uint32(addr - u.region.Base()), true
}

func (u *CompiledUnit) EntryOffset() uint32 { return u.entryOffset }

func (u *CompiledUnit) ArityEntryOffset() (uint32, bool) {
	return u.arityEntryOffset, u.hasArityEntry
}

func (u *CompiledUnit) Exits() []OSRExit {
	u.mustBeLinked()
	return u.meta.Exits
}

func (u *CompiledUnit) Exit(i int) (*OSRExit, error) {
	u.mustBeLinked()
	if i < 0 || i >= len(u.meta.Exits) {
		return nil, fmt.Errorf("exit %d of %d: %w", i, len(u.meta.Exits), jiterrors.ErrNotLinked)
	}
	return &u.meta.Exits[i], nil
}

func (u *CompiledUnit) Exceptions() *ExceptionTable {
	u.mustBeLinked()
	return &u.meta.Exceptions
}

func (u *CompiledUnit) StubInfos() []StructureStubInfo {
	u.mustBeLinked()
	return u.meta.StubInfos
}

func (u *CompiledUnit) StubInfo(i int) (*StructureStubInfo, error) {
	u.mustBeLinked()
	if i < 0 || i >= len(u.meta.StubInfos) {
		return nil, fmt.Errorf("stub %d of %d: %w", i, len(u.meta.StubInfos), jiterrors.ErrICUnknownStub)
	}
	return &u.meta.StubInfos[i], nil
}

func (u *CompiledUnit) CallLinks() []CallLinkInfo {
	u.mustBeLinked()
	return u.meta.CallLinks
}

func (u *CompiledUnit) CallLink(i int) (*CallLinkInfo, error) {
	u.mustBeLinked()
	if i < 0 || i >= len(u.meta.CallLinks) {
		return nil, fmt.Errorf("call link %d of %d: %w", i, len(u.meta.CallLinks), jiterrors.ErrCallLinkUnknown)
	}
	return &u.meta.CallLinks[i], nil
}

func (u *CompiledUnit) OSREntries() []OSREntry {
	u.mustBeLinked()
	return u.meta.OSREntries
}

// OSREntryFor returns the machine offset of the loop header at bytecodeIndex.
func (u *CompiledUnit) OSREntryFor(bytecodeIndex uint32) (uint32, bool) {
	u.mustBeLinked()
	i, ok := slices.BinarySearchFunc(u.meta.OSREntries, bytecodeIndex, func(e OSREntry, bc uint32) int {
		return cmp.Compare(e.BytecodeIndex, bc)
	})
	if !ok {
		return 0, false
	}
	return u.meta.OSREntries[i].MachineCodeOffset, true
}

// ShrinkToFit drops spare capacity from the metadata tables.
func (u *CompiledUnit) ShrinkToFit() {
	u.meta.Exits = slices.Clip(u.meta.Exits)
	u.meta.Exceptions.ByOffset = slices.Clip(u.meta.Exceptions.ByOffset)
	u.meta.Exceptions.Origins = slices.Clip(u.meta.Exceptions.Origins)
	u.meta.StubInfos = slices.Clip(u.meta.StubInfos)
	u.meta.CallLinks = slices.Clip(u.meta.CallLinks)
	u.meta.OSREntries = slices.Clip(u.meta.OSREntries)
}

func (u *CompiledUnit) String() string {
	if s := u.State(); s != Linked && s != Invalidated {
		return fmt.Sprintf("%s(%s)", u.Name, s)
	}
	return fmt.Sprintf("%s(%s)@%s", u.Name, u.State(), u.region)
}
