package unit

import (
	"cmp"
	"slices"

	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/jit/reloc"
)

// OSRExit is the linked form of a speculation guard. Offsets are relative to
// the unit's code start.
type OSRExit struct {
	Index       int
	Origin      reloc.CodeOrigin
	Kind        reloc.ExitKind
	Recoveries  []reloc.ValueRecovery
	CheckEnd    uint32 // end of the guard branch
	PadOffset   uint32 // landing pad start
	LateJumpEnd uint32 // end of the pad's patchable jump
}

// CallReturnOffsetToBytecodeOffset maps a throwing call's return address to the
// bytecode index of its outermost frame.
type CallReturnOffsetToBytecodeOffset struct {
	ReturnOffset  uint32
	BytecodeIndex uint32
}

// CodeOriginAtCallReturnOffset keeps the full origin, inline frames included.
type CodeOriginAtCallReturnOffset struct {
	ReturnOffset uint32
	Origin       reloc.CodeOrigin
}

// ExceptionTable resolves a throwing call either by its return address or by
// the index compiled code passes to the handler lookup.
type ExceptionTable struct {
	// ByOffset is sorted by ReturnOffset.
	ByOffset []CallReturnOffsetToBytecodeOffset
	// Origins is indexed by call index. Calls are numbered in emission order,
	// so it is sorted by ReturnOffset too.
	Origins []CodeOriginAtCallReturnOffset
}

// BytecodeIndexAt returns the outermost bytecode index of the nearest call
// returning at or after offset. An offset past the last call has no entry.
func (t *ExceptionTable) BytecodeIndexAt(returnOffset uint32) (uint32, bool) {
	i, _ := slices.BinarySearchFunc(t.ByOffset, returnOffset, func(e CallReturnOffsetToBytecodeOffset, off uint32) int {
		return cmp.Compare(e.ReturnOffset, off)
	})
	if i == len(t.ByOffset) {
		return 0, false
	}
	return t.ByOffset[i].BytecodeIndex, true
}

// OriginAt returns the entry for the call with the given index.
func (t *ExceptionTable) OriginAt(index int) (CodeOriginAtCallReturnOffset, bool) {
	if index < 0 || index >= len(t.Origins) {
		return CodeOriginAtCallReturnOffset{}, false
	}
	return t.Origins[index], true
}

// OriginForReturnOffset returns the full origin of the nearest call returning
// at or after offset.
func (t *ExceptionTable) OriginForReturnOffset(returnOffset uint32) (reloc.CodeOrigin, bool) {
	i, _ := slices.BinarySearchFunc(t.Origins, returnOffset, func(e CodeOriginAtCallReturnOffset, off uint32) int {
		return cmp.Compare(e.ReturnOffset, off)
	})
	if i == len(t.Origins) {
		return reloc.CodeOrigin{}, false
	}
	return t.Origins[i].Origin, true
}

func (t *ExceptionTable) Len() int { return len(t.Origins) }

// ICState is the inline cache's specialization level.
type ICState uint8

const (
	ICUnlinked ICState = iota
	ICMonomorphic
	ICPolymorphic
	ICGeneric
)

var icStateNames = [...]string{"unlinked", "monomorphic", "polymorphic", "generic"}

func (s ICState) String() string { return icStateNames[s] }

// StructureStubInfo describes one inline-cache site. Every delta is
// target minus the slow call's return address.
type StructureStubInfo struct {
	Index            int
	Access           reloc.AccessKind
	Origin           reloc.CodeOrigin
	CallReturnOffset uint32

	StructureImmDelta   int32 // mov scratch, imm64 start
	StructureCheckDelta int32 // end of the structure check branch
	LoadOrStoreDelta    int32 // memory operand instruction start
	SlowCaseDelta       int32
	DoneDelta           int32

	BaseGPR          masm.X86Reg
	ValueGPR         masm.X86Reg
	ScratchGPR       masm.X86Reg
	RegistersFlushed bool

	// Owned by the runtime repatcher.
	State      ICState
	Structures []uint64
	Offsets    []int32
	StubIndex  int // into the unit's stub list, -1 when none
}

// Location returns the offset at anchor+delta.
func (s *StructureStubInfo) Location(delta int32) uint32 {
	return uint32(int64(s.CallReturnOffset) + int64(delta))
}

func (s *StructureStubInfo) StructureImmOffset() uint32 {
	return s.Location(s.StructureImmDelta) + masm.MovImm64ImmOffset
}

func (s *StructureStubInfo) StructureCheckEnd() uint32 { return s.Location(s.StructureCheckDelta) }

func (s *StructureStubInfo) LoadOrStoreDispOffset() uint32 {
	return s.Location(s.LoadOrStoreDelta) + masm.MemOpDispOffset
}

func (s *StructureStubInfo) SlowCaseOffset() uint32 { return s.Location(s.SlowCaseDelta) }
func (s *StructureStubInfo) DoneOffset() uint32     { return s.Location(s.DoneDelta) }

// CallLinkState is a JS call site's link level.
type CallLinkState uint8

const (
	CallUnlinked CallLinkState = iota
	CallLinkedMonomorphic
	CallVirtual
)

var callLinkStateNames = [...]string{"unlinked", "linked", "virtual"}

func (s CallLinkState) String() string { return callLinkStateNames[s] }

// CallLinkInfo describes one JS call site.
type CallLinkInfo struct {
	Index    int
	CallType reloc.CallType
	Origin   reloc.CodeOrigin

	CallReturnOffset uint32 // generic slow call return address
	HotPathBegin     uint32 // mov scratch, imm64 holding the expected callee
	HotPathOther     uint32 // return address of the fast near call

	// Owned by the runtime call linker.
	State       CallLinkState
	Callee      uint64
	CalleeEntry uintptr
}

func (c *CallLinkInfo) CalleeImmOffset() uint32 { return c.HotPathBegin + masm.MovImm64ImmOffset }

// OSREntry is a loop header the runtime may jump into.
type OSREntry struct {
	BytecodeIndex     uint32
	MachineCodeOffset uint32
}

func sortOSREntries(entries []OSREntry) {
	slices.SortStableFunc(entries, func(a, b OSREntry) int { return cmp.Compare(a.BytecodeIndex, b.BytecodeIndex) })
}
