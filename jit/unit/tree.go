package unit

import (
	"fmt"

	"github.com/colorfulnotion/jitlink/common"
	"github.com/xlab/treeprint"
)

// ToTree renders the unit's linked metadata for inspection.
func (u *CompiledUnit) ToTree() treeprint.Tree {
	tree := treeprint.New()
	if s := u.State(); s != Linked && s != Invalidated {
		tree.SetValue(fmt.Sprintf("%s (%s)", common.Colorize(common.ColorBlue, u.Name), s))
		return tree
	}
	tree.SetValue(fmt.Sprintf("%s handle=%d %s size=%d",
		common.Colorize(common.ColorBlue, u.Name), u.Handle(), u.State(), u.Size()))

	entries := tree.AddBranch("entries")
	entries.AddMetaNode(fmt.Sprintf("0x%04x", u.entryOffset), "entry")
	if off, ok := u.ArityEntryOffset(); ok {
		entries.AddMetaNode(fmt.Sprintf("0x%04x", off), fmt.Sprintf("arity check (params=%d)", u.NumParameters))
	}

	exits := tree.AddBranch(fmt.Sprintf("exits (%d)", len(u.meta.Exits)))
	for _, e := range u.meta.Exits {
		exits.AddMetaNode(fmt.Sprintf("#%d", e.Index),
			fmt.Sprintf("%s at %s check=0x%04x pad=0x%04x", e.Kind, e.Origin, e.CheckEnd, e.PadOffset))
	}

	exc := tree.AddBranch(fmt.Sprintf("exception table (%d)", len(u.meta.Exceptions.Origins)))
	for i, o := range u.meta.Exceptions.Origins {
		exc.AddMetaNode(fmt.Sprintf("#%d", i), fmt.Sprintf("ret=0x%04x %s", o.ReturnOffset, o.Origin))
	}

	ics := tree.AddBranch(fmt.Sprintf("inline caches (%d)", len(u.meta.StubInfos)))
	for _, s := range u.meta.StubInfos {
		ics.AddMetaNode(fmt.Sprintf("#%d", s.Index),
			fmt.Sprintf("%s %s ret=0x%04x imm%+d check%+d access%+d slow%+d done%+d base=%s",
				s.Access, s.State, s.CallReturnOffset, s.StructureImmDelta, s.StructureCheckDelta,
				s.LoadOrStoreDelta, s.SlowCaseDelta, s.DoneDelta, s.BaseGPR))
	}

	calls := tree.AddBranch(fmt.Sprintf("call links (%d)", len(u.meta.CallLinks)))
	for _, c := range u.meta.CallLinks {
		calls.AddMetaNode(fmt.Sprintf("#%d", c.Index),
			fmt.Sprintf("%s %s ret=0x%04x begin=0x%04x fast=0x%04x", c.CallType, c.State, c.CallReturnOffset, c.HotPathBegin, c.HotPathOther))
	}

	if len(u.meta.OSREntries) > 0 {
		osr := tree.AddBranch(fmt.Sprintf("osr entries (%d)", len(u.meta.OSREntries)))
		for _, e := range u.meta.OSREntries {
			osr.AddMetaNode(fmt.Sprintf("bc#%d", e.BytecodeIndex), fmt.Sprintf("0x%04x", e.MachineCodeOffset))
		}
	}
	return tree
}
