package codegen

import (
	"fmt"

	"github.com/colorfulnotion/jitlink/jit/reloc"
)

// Options sizes a synthesized script.
type Options struct {
	Guards      int
	Throws      int
	GetByIDs    int
	PutByIDs    int
	Calls       int
	Constructs  int
	Loops       int
	InlineDepth int // ops at odd positions originate this many frames deep
}

var exitRotation = []reloc.ExitKind{
	reloc.ExitBadType,
	reloc.ExitOverflow,
	reloc.ExitBadCache,
	reloc.ExitOutOfBounds,
	reloc.ExitNegativeZero,
}

// Synthesize interleaves the requested ops round-robin, loop headers first,
// and ends with a return.
func Synthesize(opts Options) *Script {
	var inline *reloc.InlineCallFrame
	for d := 1; d <= opts.InlineDepth; d++ {
		inline = &reloc.InlineCallFrame{
			Executable: fmt.Sprintf("inlined%d", d),
			Caller:     reloc.CodeOrigin{BytecodeIndex: uint32(1000 * d), InlineCallFrame: inline},
		}
	}

	type want struct {
		kind OpKind
		n    int
	}
	queue := []*want{
		{OpLoopHeader, opts.Loops},
		{OpGuard, opts.Guards},
		{OpThrowingCall, opts.Throws},
		{OpGetByID, opts.GetByIDs},
		{OpPutByID, opts.PutByIDs},
		{OpCall, opts.Calls},
		{OpConstruct, opts.Constructs},
	}

	s := &Script{}
	bc := uint32(0)
	guards := 0
	for {
		emitted := false
		for _, w := range queue {
			if w.n == 0 {
				continue
			}
			w.n--
			emitted = true
			op := Op{Kind: w.kind, Origin: reloc.CodeOrigin{BytecodeIndex: bc}}
			if inline != nil && len(s.Ops)%2 == 1 && w.kind != OpLoopHeader {
				op.Origin.InlineCallFrame = inline
			}
			switch w.kind {
			case OpGuard:
				op.Exit = exitRotation[guards%len(exitRotation)]
				guards++
			case OpGetByID, OpPutByID:
				op.Offset = int32(8 * (len(s.Ops) + 1))
			}
			s.Ops = append(s.Ops, op)
			bc += 3
		}
		if !emitted {
			break
		}
	}
	s.Ops = append(s.Ops, Op{Kind: OpReturn, Origin: reloc.CodeOrigin{BytecodeIndex: bc}})
	return s
}
