// Package runtime is the post-link side of the JIT: the execution context
// compiled code addresses through the context register, runtime helper
// addresses, shared thunks, the code map, and safepoint-guarded repatching of
// inline caches and call links.
package runtime

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/colorfulnotion/jitlink/jit/masm"
)

// Context is one execution context. Its slot page is addressed by
// masm.ContextRegister; its frame region holds call frames addressed by
// masm.CallFrameRegister.
type Context struct {
	slots  []byte
	frames []byte
	sp     *Safepoint
}

// NewContext allocates the slot page and a frame region of frameSlots
// 8-byte slots.
func NewContext(frameSlots int) *Context {
	c := &Context{
		slots:  make([]byte, masm.ContextSlotCount*8),
		frames: make([]byte, frameSlots*8),
	}
	base := c.FrameRegionBase()
	c.WriteSlot(masm.FrameRegionBaseSlot, uint64(base))
	c.WriteSlot(masm.FrameRegionEndSlot, uint64(base)+uint64(len(c.frames)))
	return c
}

// Address is the value compiled code expects in the context register.
func (c *Context) Address() uintptr { return uintptr(unsafe.Pointer(&c.slots[0])) }

// Slots exposes the raw slot page, for copying into an emulator.
func (c *Context) Slots() []byte { return c.slots }

func (c *Context) ReadSlot(slot int) uint64 {
	c.checkSlot(slot)
	return binary.LittleEndian.Uint64(c.slots[slot*8:])
}

func (c *Context) WriteSlot(slot int, v uint64) {
	c.checkSlot(slot)
	binary.LittleEndian.PutUint64(c.slots[slot*8:], v)
}

func (c *Context) checkSlot(slot int) {
	if slot < 0 || slot >= masm.ContextSlotCount {
		panic(fmt.Sprintf("context slot %d out of range", slot))
	}
}

// ExitIndex is the index the last taken guard published.
func (c *Context) ExitIndex() int { return int(uint32(c.ReadSlot(masm.ExitIndexSlot))) }

// PendingException returns the exception value, zero when none.
func (c *Context) PendingException() uint64 { return c.ReadSlot(masm.ExceptionSlot) }

func (c *Context) Throw(exception uint64) { c.WriteSlot(masm.ExceptionSlot, exception) }

func (c *Context) ClearException() { c.WriteSlot(masm.ExceptionSlot, 0) }

func (c *Context) FrameRegionBase() uintptr {
	if len(c.frames) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&c.frames[0]))
}

// FrameRegionEnd is the first address past the usable frame region.
func (c *Context) FrameRegionEnd() uintptr { return uintptr(c.ReadSlot(masm.FrameRegionEndSlot)) }

// SetFrameRegionEnd moves the capacity limit compiled entries check against.
func (c *Context) SetFrameRegionEnd(end uintptr) { c.WriteSlot(masm.FrameRegionEndSlot, uint64(end)) }

// Enter marks the context as running compiled code. It blocks while a
// safepoint operation is in progress.
func (c *Context) Enter() error {
	if c.sp == nil {
		return nil
	}
	return c.sp.enter()
}

// Leave parks the context.
func (c *Context) Leave() {
	if c.sp != nil {
		c.sp.leave()
	}
}
