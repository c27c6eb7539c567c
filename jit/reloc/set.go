package reloc

import (
	"fmt"

	"github.com/colorfulnotion/jitlink/jit/masm"
)

// Set is the relocation record set of one compile attempt. It is filled during
// code generation and consumed by exactly one link.
type Set struct {
	exits      []OSRExitRecord
	calls      []CallLinkRecord
	exceptions []CallExceptionRecord
	accesses   []PropertyAccessRecord
	jsCalls    []JSCallRecord
	osrEntries []OSREntryRecord
	sealed     bool
}

func NewSet() *Set {
	return &Set{}
}

func (s *Set) mustBeOpen(what string) {
	if s.sealed {
		panic(fmt.Sprintf("reloc: %s appended after the set was drained", what))
	}
}

// AddOSRExit queues a guard and returns its exit index.
func (s *Set) AddOSRExit(check masm.Jump, origin CodeOrigin, kind ExitKind, recoveries []ValueRecovery) int {
	s.mustBeOpen("exit")
	if !check.IsSet() {
		panic("reloc: exit without a check branch")
	}
	s.exits = append(s.exits, OSRExitRecord{Check: check, Origin: origin, Kind: kind, Recoveries: recoveries})
	return len(s.exits) - 1
}

// SetLateJump records the patchable jump that ends exit i's landing pad.
func (s *Set) SetLateJump(i int, j masm.Jump) {
	if s.exits[i].LateJump.IsSet() {
		panic(fmt.Sprintf("reloc: exit %d already has a late jump", i))
	}
	s.exits[i].LateJump = j
}

// AddCall queues a helper call for linking.
func (s *Set) AddCall(call masm.Call, fn HelperID) {
	s.mustBeOpen("call")
	if fn >= NumHelpers {
		panic(fmt.Sprintf("reloc: unknown helper %d", fn))
	}
	s.calls = append(s.calls, CallLinkRecord{Call: call, Function: fn})
}

// BeginCall issues the token for the next throwing call.
func (s *Set) BeginCall() CallBeginToken {
	s.mustBeOpen("call token")
	return CallBeginToken{index: len(s.exceptions), valid: true}
}

// NotifyCall records a throwing call without an exception check.
func (s *Set) NotifyCall(call masm.Call, origin CodeOrigin, token CallBeginToken) int {
	return s.AddExceptionCheck(call, masm.Jump{}, origin, token)
}

// AddExceptionCheck records a throwing call and the check planted after it.
// The returned index is the call's position in the origin table.
func (s *Set) AddExceptionCheck(call masm.Call, check masm.Jump, origin CodeOrigin, token CallBeginToken) int {
	s.mustBeOpen("exception check")
	s.exceptions = append(s.exceptions, CallExceptionRecord{Call: call, ExceptionCheck: check, Origin: origin, Token: token})
	return len(s.exceptions) - 1
}

// NextExceptionIndex is the index the next recorded throwing call will get.
func (s *Set) NextExceptionIndex() int { return len(s.exceptions) }

func (s *Set) AddPropertyAccess(rec PropertyAccessRecord) int {
	s.mustBeOpen("property access")
	s.accesses = append(s.accesses, rec)
	return len(s.accesses) - 1
}

func (s *Set) AddJSCall(rec JSCallRecord) int {
	s.mustBeOpen("js call")
	if rec.FastCall.Kind() != masm.NearCall {
		panic("reloc: js call fast path must be a near call")
	}
	s.jsCalls = append(s.jsCalls, rec)
	return len(s.jsCalls) - 1
}

func (s *Set) AddOSREntry(bytecodeIndex uint32, l masm.Label) {
	s.mustBeOpen("osr entry")
	s.osrEntries = append(s.osrEntries, OSREntryRecord{BytecodeIndex: bytecodeIndex, Label: l})
}

func (s *Set) Exits() []OSRExitRecord                 { return s.exits }
func (s *Set) Calls() []CallLinkRecord                { return s.calls }
func (s *Set) ExceptionChecks() []CallExceptionRecord { return s.exceptions }
func (s *Set) PropertyAccesses() []PropertyAccessRecord {
	return s.accesses
}
func (s *Set) JSCalls() []JSCallRecord      { return s.jsCalls }
func (s *Set) OSREntries() []OSREntryRecord { return s.osrEntries }

// HasExceptionChecks reports whether any throwing call planted a check.
func (s *Set) HasExceptionChecks() bool {
	for _, r := range s.exceptions {
		if r.ExceptionCheck.IsSet() {
			return true
		}
	}
	return false
}

// Seal marks the set drained. A second drain is a linker defect.
func (s *Set) Seal() {
	if s.sealed {
		panic("reloc: relocation set drained twice")
	}
	s.sealed = true
}

func (s *Set) Sealed() bool { return s.sealed }

// Summary is a count of each queue, for logs.
type Summary struct {
	Exits, Calls, ExceptionChecks, PropertyAccesses, JSCalls, OSREntries int
}

func (s *Set) Summary() Summary {
	return Summary{
		Exits:            len(s.exits),
		Calls:            len(s.calls),
		ExceptionChecks:  len(s.exceptions),
		PropertyAccesses: len(s.accesses),
		JSCalls:          len(s.jsCalls),
		OSREntries:       len(s.osrEntries),
	}
}
