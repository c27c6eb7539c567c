package runtime

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/jitlink/jit/unit"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/google/btree"
)

type codeEntry struct {
	base uintptr
	end  uintptr
	u    *unit.CompiledUnit
}

func codeEntryLess(a, b codeEntry) bool { return a.base < b.base }

// CodeMap indexes installed units by code range and by handle. Compiled code
// stores the handle in its frame header; the runtime maps return addresses
// back to units through the range index.
type CodeMap struct {
	mu       sync.RWMutex
	byAddr   *btree.BTreeG[codeEntry]
	byHandle map[uint64]*unit.CompiledUnit
	next     uint64
}

func NewCodeMap() *CodeMap {
	return &CodeMap{
		byAddr:   btree.NewG(16, codeEntryLess),
		byHandle: make(map[uint64]*unit.CompiledUnit),
	}
}

// Reserve assigns u its handle before its code is placed, so entry code can
// embed it. Handles start at 1. The handle resolves only once u is registered.
func (m *CodeMap) Reserve(u *unit.CompiledUnit) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(u)
}

func (m *CodeMap) reserveLocked(u *unit.CompiledUnit) uint64 {
	if h := u.Handle(); h != 0 {
		return h
	}
	m.next++
	u.SetHandle(m.next)
	return m.next
}

// Register indexes a linked unit's code range.
func (m *CodeMap) Register(u *unit.CompiledUnit) (uint64, error) {
	if u.State() != unit.Linked {
		return 0, fmt.Errorf("register %s in state %s: %w", u.Name, u.State(), jiterrors.ErrNotLinked)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.reserveLocked(u)
	e := codeEntry{base: u.Base(), end: u.Base() + uintptr(u.Size()), u: u}
	if prev, ok := m.containingLocked(e.base); ok && prev.u != u {
		panic(fmt.Sprintf("code map: %s overlaps %s", u.Name, prev.u.Name))
	}
	m.byAddr.ReplaceOrInsert(e)
	m.byHandle[h] = u
	return h, nil
}

// Unregister drops u from both indexes. Its handle is not reused.
func (m *CodeMap) Unregister(u *unit.CompiledUnit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byHandle, u.Handle())
	if r := u.Region(); r != nil {
		m.byAddr.Delete(codeEntry{base: r.Base()})
	}
}

func (m *CodeMap) containingLocked(pc uintptr) (codeEntry, bool) {
	var found codeEntry
	ok := false
	m.byAddr.DescendLessOrEqual(codeEntry{base: pc}, func(e codeEntry) bool {
		if pc < e.end {
			found, ok = e, true
		}
		return false
	})
	return found, ok
}

// Lookup returns the unit whose code contains pc and pc's offset in it.
func (m *CodeMap) Lookup(pc uintptr) (*unit.CompiledUnit, uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.containingLocked(pc)
	if !ok {
		return nil, 0, false
	}
	return e.u, uint32(pc - e.base), true
}

func (m *CodeMap) ByHandle(h uint64) (*unit.CompiledUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byHandle[h]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", h, jiterrors.ErrUnitNotRegistered)
	}
	return u, nil
}

func (m *CodeMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byAddr.Len()
}

// Units returns the placed units in address order.
func (m *CodeMap) Units() []*unit.CompiledUnit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*unit.CompiledUnit, 0, m.byAddr.Len())
	m.byAddr.Ascend(func(e codeEntry) bool {
		out = append(out, e.u)
		return true
	})
	return out
}
