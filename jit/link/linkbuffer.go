// Package link places assembled code into executable memory and resolves every
// symbolic site the code generator left behind.
package link

import (
	"errors"
	"fmt"
	"slices"

	"github.com/colorfulnotion/jitlink/jit/execmem"
	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/log"
)

// LinkBuffer is the finalization step: it owns the freshly allocated region
// between placement and FinalizeCode and is the only writer of jump and call
// targets during that window.
type LinkBuffer struct {
	owner     string
	alloc     execmem.Allocator
	region    *execmem.Region
	code      []byte
	pending   map[uint32]masm.SiteKind
	finalized bool
}

// NewLinkBuffer allocates executable memory for a and copies the code into
// place. On allocation failure nothing is retained and the returned error
// wraps jiterrors.ErrExecutableAllocation.
func NewLinkBuffer(alloc execmem.Allocator, a *masm.Assembler, owner string) (*LinkBuffer, error) {
	region, err := alloc.Allocate(a.Size())
	if err != nil {
		log.Warn(log.JitLink, "link buffer allocation failed", "owner", owner, "size", a.Size(), "err", err)
		return nil, fmt.Errorf("link %s: %w", owner, err)
	}
	code := region.Bytes()
	copy(code, a.Code())
	log.Debug(log.JitLink, "code placed", "owner", owner, "at", region, "pending", len(a.UnresolvedSites()))
	return &LinkBuffer{
		owner:   owner,
		alloc:   alloc,
		region:  region,
		code:    code,
		pending: a.UnresolvedSites(),
	}, nil
}

func (lb *LinkBuffer) Base() uintptr { return lb.region.Base() }
func (lb *LinkBuffer) Size() int     { return len(lb.code) }

// Code exposes the placed bytes; valid until FinalizeCode.
func (lb *LinkBuffer) Code() []byte { return lb.code }

func (lb *LinkBuffer) LocationOf(l masm.Label) uintptr {
	if !l.IsSet() {
		panic(fmt.Sprintf("link %s: location of unset label", lb.owner))
	}
	return lb.Base() + uintptr(l.Offset())
}

// LocationOfCall is the call's return location.
func (lb *LinkBuffer) LocationOfCall(c masm.Call) uintptr {
	if !c.IsSet() {
		panic(fmt.Sprintf("link %s: location of unset call", lb.owner))
	}
	return lb.Base() + uintptr(c.End())
}

// LocationOfNearCall is LocationOfCall restricted to rel32 calls.
func (lb *LinkBuffer) LocationOfNearCall(c masm.Call) uintptr {
	if c.Kind() != masm.NearCall {
		panic(fmt.Sprintf("link %s: %s call used as near call", lb.owner, c.Kind()))
	}
	return lb.LocationOfCall(c)
}

// LocationOfJump is the address just past the branch, where its rel32 ends.
func (lb *LinkBuffer) LocationOfJump(j masm.Jump) uintptr {
	if !j.IsSet() {
		panic(fmt.Sprintf("link %s: location of unset jump", lb.owner))
	}
	return lb.Base() + uintptr(j.End())
}

func (lb *LinkBuffer) LocationOfPtr(d masm.DataLabelPtr) uintptr {
	if !d.IsSet() {
		panic(fmt.Sprintf("link %s: location of unset data label", lb.owner))
	}
	return lb.Base() + uintptr(d.Offset())
}

func (lb *LinkBuffer) LocationOf32(d masm.DataLabel32) uintptr {
	if !d.IsSet() {
		panic(fmt.Sprintf("link %s: location of unset data label", lb.owner))
	}
	return lb.Base() + uintptr(d.Offset())
}

// ReturnAddressOffset is the call's return address relative to the code start.
func (lb *LinkBuffer) ReturnAddressOffset(c masm.Call) uint32 {
	if !c.IsSet() {
		panic(fmt.Sprintf("link %s: return address of unset call", lb.owner))
	}
	return c.End()
}

func (lb *LinkBuffer) resolve(end uint32, want masm.SiteKind) {
	lb.mustBeOpen()
	kind, ok := lb.pending[end]
	if !ok {
		panic(fmt.Sprintf("link %s: site ending at 0x%x is not unresolved (linked twice?)", lb.owner, end))
	}
	if kind != want {
		panic(fmt.Sprintf("link %s: site ending at 0x%x is a %s, not a %s", lb.owner, end, kind, want))
	}
	delete(lb.pending, end)
}

// Link points j at an absolute target.
func (lb *LinkBuffer) Link(j masm.Jump, target uintptr) {
	lb.resolve(j.End(), masm.SiteJump)
	masm.PutRel32(lb.code, j.End(), masm.RelativeOffset(lb.LocationOfJump(j), target))
}

// LinkCall points c at function.
func (lb *LinkBuffer) LinkCall(c masm.Call, function uintptr) {
	switch c.Kind() {
	case masm.NearCall:
		lb.resolve(c.End(), masm.SiteNearCall)
		masm.PutRel32(lb.code, c.End(), masm.RelativeOffset(lb.LocationOfCall(c), function))
	case masm.AbsoluteCall:
		lb.resolve(c.End(), masm.SiteAbsoluteCall)
		masm.PutImm64(lb.code, c.Start()+masm.MovImm64ImmOffset, uint64(function))
	}
}

func (lb *LinkBuffer) mustBeOpen() {
	if lb.finalized {
		panic(fmt.Sprintf("link %s: buffer already finalized", lb.owner))
	}
}

// Unresolved lists the end offsets of sites still holding placeholders.
func (lb *LinkBuffer) Unresolved() []uint32 {
	out := make([]uint32, 0, len(lb.pending))
	for end := range lb.pending {
		out = append(out, end)
	}
	slices.Sort(out)
	return out
}

// FinalizeCode checks that every site was resolved and flips the region to
// executable. The region is returned to the caller. If the flip fails the
// region goes back to the allocator and the buffer is closed.
func (lb *LinkBuffer) FinalizeCode() (*execmem.Region, error) {
	lb.mustBeOpen()
	if left := lb.Unresolved(); len(left) > 0 {
		panic(fmt.Sprintf("link %s: %d unresolved sites, first ending at 0x%x (%s)", lb.owner, len(left), left[0], lb.pending[left[0]]))
	}
	lb.finalized = true
	if err := lb.region.MakeExecutable(); err != nil {
		err = errors.Join(err, lb.alloc.Free(lb.region))
		log.Warn(log.JitLink, "finalize failed", "owner", lb.owner, "err", err)
		return nil, fmt.Errorf("finalize %s: %w", lb.owner, err)
	}
	log.Debug(log.JitLink, "code finalized", "owner", lb.owner, "at", lb.region)
	return lb.region, nil
}

// Discard returns the region to its allocator without finalizing.
func (lb *LinkBuffer) Discard() error {
	lb.mustBeOpen()
	lb.finalized = true
	return lb.alloc.Free(lb.region)
}
