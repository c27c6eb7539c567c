package reloc

import (
	"fmt"
	"strings"
)

// InlineCallFrame describes a callee inlined into the compiled unit. Caller is
// the origin of the call site in the enclosing frame.
type InlineCallFrame struct {
	Executable string
	Caller     CodeOrigin
}

// CodeOrigin identifies the source-level position an instruction came from,
// including the chain of inlined frames around it.
type CodeOrigin struct {
	BytecodeIndex   uint32
	InlineCallFrame *InlineCallFrame
}

// Outermost walks the inline chain to the position in the unit's own code.
func (c CodeOrigin) Outermost() CodeOrigin {
	for c.InlineCallFrame != nil {
		c = c.InlineCallFrame.Caller
	}
	return c
}

// InlineDepth counts the inlined frames enclosing c.
func (c CodeOrigin) InlineDepth() int {
	n := 0
	for f := c.InlineCallFrame; f != nil; f = f.Caller.InlineCallFrame {
		n++
	}
	return n
}

func (c CodeOrigin) String() string {
	if c.InlineCallFrame == nil {
		return fmt.Sprintf("bc#%d", c.BytecodeIndex)
	}
	var parts []string
	for o := c; ; o = o.InlineCallFrame.Caller {
		if o.InlineCallFrame == nil {
			parts = append(parts, fmt.Sprintf("bc#%d", o.BytecodeIndex))
			break
		}
		parts = append(parts, fmt.Sprintf("%s:bc#%d", o.InlineCallFrame.Executable, o.BytecodeIndex))
	}
	return strings.Join(parts, " <- ")
}

// ExitKind records which speculation failed.
type ExitKind uint8

const (
	ExitUnset ExitKind = iota
	ExitBadType
	ExitBadCache
	ExitOverflow
	ExitNegativeZero
	ExitOutOfBounds
	ExitInadequateCoverage
	ExitUncountable
)

var exitKindNames = [...]string{"Unset", "BadType", "BadCache", "Overflow", "NegativeZero", "OutOfBounds", "InadequateCoverage", "Uncountable"}

func (k ExitKind) String() string {
	if int(k) < len(exitKindNames) {
		return exitKindNames[k]
	}
	return fmt.Sprintf("ExitKind(%d)", k)
}

// RecoveryKind says where a live value sits when a guard fires.
type RecoveryKind uint8

const (
	InRegister RecoveryKind = iota
	InFrameSlot
	Constant
	AlreadyInFrame
)

// ValueRecovery is one entry of a guard's live-value layout, indexed by the
// baseline frame slot it restores.
type ValueRecovery struct {
	Operand  int
	Kind     RecoveryKind
	Register int // hardware register number for InRegister
	Slot     int // frame slot for InFrameSlot
	Value    uint64
}

func (v ValueRecovery) String() string {
	switch v.Kind {
	case InRegister:
		return fmt.Sprintf("loc%d=r%d", v.Operand, v.Register)
	case InFrameSlot:
		return fmt.Sprintf("loc%d=[fp%+d]", v.Operand, v.Slot)
	case Constant:
		return fmt.Sprintf("loc%d=#0x%x", v.Operand, v.Value)
	default:
		return fmt.Sprintf("loc%d=frame", v.Operand)
	}
}
