package runtime

import (
	"fmt"

	"github.com/colorfulnotion/jitlink/common"
	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/jit/unit"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/colorfulnotion/jitlink/log"
)

// CallLinker moves JS call sites through Unlinked -> Linked -> Virtual. A
// linked site compares the callee against its embedded expected value and
// near-calls the callee's entry directly.
type CallLinker struct {
	sp     *Safepoint
	thunks *ThunkCache
	r      *Repatcher
}

func NewCallLinker(sp *Safepoint, thunks *ThunkCache, r *Repatcher) *CallLinker {
	return &CallLinker{sp: sp, thunks: thunks, r: r}
}

// Link records that the call site at index reached callee, whose code entry
// is entry. A second distinct callee makes the site virtual.
func (c *CallLinker) Link(u *unit.CompiledUnit, index int, callee uint64, entry uintptr) error {
	if callee == 0 {
		panic("call link: callee zero is reserved for unlinked sites")
	}
	if u.State() != unit.Linked {
		return fmt.Errorf("call link %s: %w", u.Name, jiterrors.ErrInvalidated)
	}
	ci, err := u.CallLink(index)
	if err != nil {
		return err
	}
	return c.sp.Run(func() error {
		switch ci.State {
		case unit.CallUnlinked:
			from := int64(u.AddressOf(ci.HotPathOther))
			if !common.FitsInt32(int64(entry) - from) {
				return fmt.Errorf("call link %s#%d: entry 0x%x out of rel32 reach: %w", u.Name, index, entry, jiterrors.ErrNotSupported)
			}
			if err := c.write(u, ci, callee, entry); err != nil {
				return err
			}
			ci.State, ci.Callee, ci.CalleeEntry = unit.CallLinkedMonomorphic, callee, entry
			log.Debug(log.JitRuntime, "call linked", "unit", u.Name, "site", index, "callee", callee)
		case unit.CallLinkedMonomorphic:
			if ci.Callee == callee {
				return nil
			}
			if err := c.unlinkLocked(u, ci); err != nil {
				return err
			}
			ci.State = unit.CallVirtual
			log.Debug(log.JitRuntime, "call virtual", "unit", u.Name, "site", index)
		}
		return nil
	})
}

func (c *CallLinker) write(u *unit.CompiledUnit, ci *unit.CallLinkInfo, callee uint64, entry uintptr) error {
	if err := c.r.Write(u, ci.CalleeImmOffset(), masm.Imm64Bytes(callee)); err != nil {
		return err
	}
	return c.r.retarget(u, ci.HotPathOther, entry)
}

func (c *CallLinker) unlinkLocked(u *unit.CompiledUnit, ci *unit.CallLinkInfo) error {
	thunk, err := c.thunks.VirtualCallThunk()
	if err != nil {
		return err
	}
	if err := c.r.Write(u, ci.CalleeImmOffset(), masm.Imm64Bytes(0)); err != nil {
		return err
	}
	if err := c.r.retarget(u, ci.HotPathOther, thunk); err != nil {
		return err
	}
	ci.Callee, ci.CalleeEntry = 0, 0
	return nil
}

// Unlink returns a call site to its freshly linked shape.
func (c *CallLinker) Unlink(u *unit.CompiledUnit, index int) error {
	ci, err := u.CallLink(index)
	if err != nil {
		return err
	}
	return c.sp.Run(func() error {
		if err := c.unlinkLocked(u, ci); err != nil {
			return err
		}
		ci.State = unit.CallUnlinked
		return nil
	})
}

// UnlinkIncoming unlinks every site in units whose fast path enters callee.
// It returns how many sites were unlinked.
func (c *CallLinker) UnlinkIncoming(units []*unit.CompiledUnit, callee *unit.CompiledUnit) (int, error) {
	region := callee.Region()
	if region == nil {
		return 0, nil
	}
	n := 0
	err := c.sp.Run(func() error {
		for _, u := range units {
			if u.State() != unit.Linked {
				continue
			}
			links := u.CallLinks()
			for i := range links {
				ci := &links[i]
				if ci.State != unit.CallLinkedMonomorphic || !region.Contains(ci.CalleeEntry) {
					continue
				}
				if err := c.unlinkLocked(u, ci); err != nil {
					return err
				}
				ci.State = unit.CallUnlinked
				n++
			}
		}
		return nil
	})
	return n, err
}
