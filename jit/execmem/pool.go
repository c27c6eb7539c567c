// Package execmem hands out executable memory for compiled units and thunks.
//
// A Pool reserves one contiguous range up front so that any rel32 branch or
// call between two allocations always reaches. Regions are writable until
// MakeExecutable; later writes go through Region.Write, which the runtime
// only calls at a safepoint.
package execmem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/colorfulnotion/jitlink/common"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/colorfulnotion/jitlink/log"
	"github.com/docker/go-units"
	"github.com/google/btree"
)

const (
	PageSize    = 4096
	MaxPoolSize = 1 << 31 // rel32 reach
)

// Backing selects how the pool's range is obtained.
type Backing string

const (
	MmapBacking Backing = "mmap" // anonymous mapping with W^X page protection
	HeapBacking Backing = "heap" // Go heap, no protection changes
)

// Allocator is what the link step needs from executable memory.
type Allocator interface {
	Allocate(size int) (*Region, error)
	Free(r *Region) error
	Stats() Stats
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Capacity    int
	InUse       int
	Regions     int
	FreeExtents int
	LargestFree int
}

func (s Stats) String() string {
	return fmt.Sprintf("%s/%s in %d regions, %d free extents (largest %s)",
		units.BytesSize(float64(s.InUse)), units.BytesSize(float64(s.Capacity)),
		s.Regions, s.FreeExtents, units.BytesSize(float64(s.LargestFree)))
}

type extent struct {
	start int // offset from pool base
	size  int
}

func extentLess(a, b extent) bool { return a.start < b.start }

type backing interface {
	protect(b []byte, executable bool) error
	release() error
	kind() Backing
}

// Pool is a first-fit allocator over one reserved range. Free extents are kept
// in a btree ordered by offset and coalesced on free.
type Pool struct {
	mu      sync.Mutex
	mem     []byte
	base    uintptr
	backing backing
	free    *btree.BTreeG[extent]
	inUse   int
	regions int
	closed  bool
}

// NewPool reserves size bytes (rounded up to whole pages).
func NewPool(size int, kind Backing) (*Pool, error) {
	size, err := poolSize(size)
	if err != nil {
		return nil, err
	}

	var (
		mem []byte
		b   backing
	)
	switch kind {
	case MmapBacking:
		mem, b, err = newMmapBacking(size)
	case HeapBacking:
		mem, b = newHeapBacking(size)
	default:
		return nil, fmt.Errorf("backing %q: %w", kind, jiterrors.ErrUnknownBacking)
	}
	if err != nil {
		return nil, err
	}
	return newPool(mem, b), nil
}

// NewPoolWithProtector reserves a heap-backed pool whose protection changes
// are handed to protect. Embedders that mirror the pool into another address
// space use it to follow W^X flips.
func NewPoolWithProtector(size int, protect ProtectFunc) (*Pool, error) {
	size, err := poolSize(size)
	if err != nil {
		return nil, err
	}
	mem, b := newHeapBacking(size)
	return newPool(mem, &protectedBacking{backing: b, protectFn: protect}), nil
}

func poolSize(size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("pool size %d: %w", size, jiterrors.ErrBadConfig)
	}
	size = int(common.AlignUp(uint64(size), PageSize))
	if size > MaxPoolSize {
		return 0, fmt.Errorf("pool size %s: %w", units.BytesSize(float64(size)), jiterrors.ErrPoolTooLarge)
	}
	return size, nil
}

func newPool(mem []byte, b backing) *Pool {
	p := &Pool{
		mem:     mem,
		base:    uintptr(unsafe.Pointer(&mem[0])),
		backing: b,
		free:    btree.NewG[extent](8, extentLess),
	}
	p.free.ReplaceOrInsert(extent{start: 0, size: len(mem)})
	log.Debug(log.JitExecMem, "pool reserved", "base", fmt.Sprintf("0x%x", p.base), "size", units.BytesSize(float64(len(mem))), "backing", b.kind())
	return p
}

func (p *Pool) Base() uintptr    { return p.base }
func (p *Pool) Capacity() int    { return len(p.mem) }
func (p *Pool) Backing() Backing { return p.backing.kind() }

// Bytes is the whole reserved range, for mirroring placed code into an
// emulator. Writes must go through Region.Write.
func (p *Pool) Bytes() []byte { return p.mem }

// Contains reports whether addr lies inside the reserved range.
func (p *Pool) Contains(addr uintptr) bool {
	return addr >= p.base && addr < p.base+uintptr(len(p.mem))
}

// Allocate returns a writable region of at least size bytes. Exhaustion is
// reported as ErrExecutableAllocation wrapping ErrPoolExhausted.
func (p *Pool) Allocate(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, jiterrors.ErrBadConfig)
	}
	need := int(common.AlignUp(uint64(size), PageSize))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("%w: %w", jiterrors.ErrExecutableAllocation, jiterrors.ErrPoolClosed)
	}

	var found extent
	ok := false
	p.free.Ascend(func(e extent) bool {
		if e.size >= need {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		log.Warn(log.JitExecMem, "pool exhausted", "want", units.BytesSize(float64(need)), "stats", p.statsLocked().String())
		return nil, fmt.Errorf("%w: %d bytes: %w", jiterrors.ErrExecutableAllocation, need, jiterrors.ErrPoolExhausted)
	}

	p.free.Delete(found)
	if found.size > need {
		p.free.ReplaceOrInsert(extent{start: found.start + need, size: found.size - need})
	}
	p.inUse += need
	p.regions++

	r := &Region{
		pool:   p,
		offset: found.start,
		mem:    p.mem[found.start : found.start+need : found.start+need],
		size:   size,
	}
	log.Trace(log.JitExecMem, "region allocated", "addr", fmt.Sprintf("0x%x", r.Base()), "size", need)
	return r, nil
}

// Free returns r's pages to the pool and makes them writable again.
func (p *Pool) Free(r *Region) error {
	if r == nil || r.pool != p {
		return fmt.Errorf("free foreign region: %w", jiterrors.ErrRegionFreed)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.freed {
		return jiterrors.ErrRegionFreed
	}
	if r.executable {
		if err := p.backing.protect(r.mem, false); err != nil {
			return err
		}
	}
	for i := range r.mem {
		r.mem[i] = masmTrap
	}
	r.freed = true
	p.inUse -= len(r.mem)
	p.regions--

	p.insertFreeLocked(extent{start: r.offset, size: len(r.mem)})
	log.Trace(log.JitExecMem, "region freed", "addr", fmt.Sprintf("0x%x", r.Base()), "size", len(r.mem))
	return nil
}

// insertFreeLocked adds e to the free tree, merging it with adjacent extents.
func (p *Pool) insertFreeLocked(e extent) {
	var prev, next extent
	hasPrev, hasNext := false, false
	p.free.DescendLessOrEqual(extent{start: e.start}, func(x extent) bool {
		prev, hasPrev = x, x.start+x.size == e.start
		return false
	})
	p.free.AscendGreaterOrEqual(extent{start: e.start + e.size}, func(x extent) bool {
		next, hasNext = x, x.start == e.start+e.size
		return false
	})
	if hasPrev {
		p.free.Delete(prev)
		e = extent{start: prev.start, size: prev.size + e.size}
	}
	if hasNext {
		p.free.Delete(next)
		e.size += next.size
	}
	p.free.ReplaceOrInsert(e)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	s := Stats{Capacity: len(p.mem), InUse: p.inUse, Regions: p.regions, FreeExtents: p.free.Len()}
	p.free.Ascend(func(e extent) bool {
		if e.size > s.LargestFree {
			s.LargestFree = e.size
		}
		return true
	})
	return s
}

// Close releases the reservation. Regions still handed out become invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.backing.release()
}

// masmTrap fills released pages so stray jumps into them stop at int3.
const masmTrap = 0xCC
