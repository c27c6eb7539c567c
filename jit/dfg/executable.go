package dfg

import (
	"fmt"
	"sync/atomic"

	"github.com/colorfulnotion/jitlink/jit/runtime"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/colorfulnotion/jitlink/log"
)

// FunctionExecutable is the publication point for a function's optimized
// code. Callers read it without locks; installation is one pointer swap.
type FunctionExecutable struct {
	Name string
	code atomic.Pointer[JITCode]
}

func NewFunctionExecutable(name string) *FunctionExecutable {
	return &FunctionExecutable{Name: name}
}

// Install publishes code and returns what it replaced.
func (f *FunctionExecutable) Install(code *JITCode) *JITCode {
	if code.EntryWithArityCheck == 0 {
		panic(fmt.Sprintf("executable %s: function code without an arity-checked entry", f.Name))
	}
	prev := f.code.Swap(code)
	log.Debug(log.JitCompile, "code published", "executable", f.Name, "unit", code.Unit)
	return prev
}

func (f *FunctionExecutable) Code() *JITCode { return f.code.Load() }

// EntryFor picks the entry for a call site. Sites that proved the argument
// count take the fast entry; the rest take the arity-checked one.
func (f *FunctionExecutable) EntryFor(argumentsProven bool) (uintptr, error) {
	code := f.code.Load()
	if code == nil {
		return 0, fmt.Errorf("executable %s: %w", f.Name, jiterrors.ErrNoEntry)
	}
	if argumentsProven {
		return code.Entry, nil
	}
	return code.EntryWithArityCheck, nil
}

// Invalidate unpublishes the current code and retires its unit.
func (f *FunctionExecutable) Invalidate(vm *runtime.VM) error {
	code := f.code.Swap(nil)
	if code == nil {
		return fmt.Errorf("executable %s: %w", f.Name, jiterrors.ErrNoEntry)
	}
	if err := vm.Invalidate(code.Unit); err != nil {
		return err
	}
	log.Event("invalidated", code.Unit.Handle(), f.Name)
	return nil
}
