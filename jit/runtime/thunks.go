package runtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/colorfulnotion/jitlink/jit/execmem"
	"github.com/colorfulnotion/jitlink/jit/link"
	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/jit/reloc"
	"github.com/colorfulnotion/jitlink/log"
)

type ThunkKind uint8

const (
	// DeoptThunk hands the exit index published by a landing pad to the
	// deopt helper and resumes wherever it says.
	DeoptThunk ThunkKind = iota
	// VirtualCallThunk is the initial target of every fast JS call.
	VirtualCallThunk
	numThunks
)

var thunkNames = [...]string{"deopt", "virtual-call"}

func (k ThunkKind) String() string { return thunkNames[k] }

// ThunkCache builds each shared stub once, in the same pool as the units
// that branch to it.
type ThunkCache struct {
	mu      sync.Mutex
	alloc   execmem.Allocator
	helpers link.HelperResolver
	regions [numThunks]*execmem.Region
}

func NewThunkCache(alloc execmem.Allocator, helpers link.HelperResolver) *ThunkCache {
	return &ThunkCache{alloc: alloc, helpers: helpers}
}

func (c *ThunkCache) DeoptStub() (uintptr, error) { return c.Get(DeoptThunk) }

func (c *ThunkCache) VirtualCallThunk() (uintptr, error) { return c.Get(VirtualCallThunk) }

// Get returns the thunk's entry, generating it on first use.
func (c *ThunkCache) Get(kind ThunkKind) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.regions[kind]; r != nil {
		return r.Base(), nil
	}
	r, err := c.generate(kind)
	if err != nil {
		return 0, err
	}
	c.regions[kind] = r
	log.Debug(log.JitRuntime, "thunk generated", "kind", kind, "region", r)
	return r.Base(), nil
}

func (c *ThunkCache) generate(kind ThunkKind) (*execmem.Region, error) {
	a := masm.NewAssembler()
	var sites []func(*link.LinkBuffer) error
	switch kind {
	case DeoptThunk:
		a.Mov(masm.ArgumentGPR0, masm.CallFrameRegister)
		a.Load32(masm.ArgumentGPR1, masm.ContextRegister, masm.SlotDisp(masm.ExitIndexSlot))
		call := a.Call()
		sites = append(sites, func(lb *link.LinkBuffer) error {
			addr, err := c.helpers.Address(reloc.HelperDeopt)
			if err != nil {
				return err
			}
			lb.LinkCall(call, addr)
			return nil
		})
		// deopt returns the resume pc and the baseline frame
		a.Mov(masm.CallFrameRegister, masm.ReturnValueGPR2)
		a.JumpReg(masm.ReturnValueGPR)
	case VirtualCallThunk:
		addr, err := c.helpers.Address(reloc.HelperVirtualCall)
		if err != nil {
			return nil, err
		}
		a.MovImm64(masm.ScratchRegister, uint64(addr))
		a.JumpReg(masm.ScratchRegister)
	default:
		panic(fmt.Sprintf("unknown thunk kind %d", kind))
	}

	lb, err := link.NewLinkBuffer(c.alloc, a, kind.String()+" thunk")
	if err != nil {
		return nil, err
	}
	for _, site := range sites {
		if err := site(lb); err != nil {
			return nil, errors.Join(err, lb.Discard())
		}
	}
	return lb.FinalizeCode()
}

// Region returns the generated thunk's code, nil before first use.
func (c *ThunkCache) Region(kind ThunkKind) *execmem.Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regions[kind]
}

// Release returns every generated thunk to the allocator.
func (c *ThunkCache) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.regions {
		if r == nil {
			continue
		}
		if err := c.alloc.Free(r); err != nil {
			return err
		}
		c.regions[i] = nil
	}
	return nil
}
