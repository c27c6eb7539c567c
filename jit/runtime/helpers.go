package runtime

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/jitlink/jit/reloc"
	"github.com/colorfulnotion/jitlink/jiterrors"
)

// HelperStride is the spacing RegisterRange uses between helper entries.
const HelperStride = 16

// HelperTable resolves runtime helpers to entry addresses. It satisfies
// link.HelperResolver.
type HelperTable struct {
	mu    sync.RWMutex
	addrs [reloc.NumHelpers]uintptr
}

func NewHelperTable() *HelperTable { return &HelperTable{} }

func (h *HelperTable) Register(id reloc.HelperID, addr uintptr) {
	if id >= reloc.NumHelpers {
		panic(fmt.Sprintf("helper id %d out of range", id))
	}
	if addr == 0 {
		panic(fmt.Sprintf("helper %s registered at address zero", id))
	}
	h.mu.Lock()
	h.addrs[id] = addr
	h.mu.Unlock()
}

// RegisterRange lays every helper out at base + id*HelperStride, the layout
// an emulator's helper page uses.
func (h *HelperTable) RegisterRange(base uintptr) {
	for id := reloc.HelperID(0); id < reloc.NumHelpers; id++ {
		h.Register(id, base+uintptr(id)*HelperStride)
	}
}

func (h *HelperTable) Address(id reloc.HelperID) (uintptr, error) {
	if id >= reloc.NumHelpers {
		return 0, fmt.Errorf("helper id %d: %w", id, jiterrors.ErrUnknownHelper)
	}
	h.mu.RLock()
	addr := h.addrs[id]
	h.mu.RUnlock()
	if addr == 0 {
		return 0, fmt.Errorf("helper %s: %w", id, jiterrors.ErrUnknownHelper)
	}
	return addr, nil
}

// Lookup maps an entry address back to its helper.
func (h *HelperTable) Lookup(addr uintptr) (reloc.HelperID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, a := range h.addrs {
		if a != 0 && a == addr {
			return reloc.HelperID(id), true
		}
	}
	return 0, false
}
