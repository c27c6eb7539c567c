package execmem

import (
	"fmt"

	"github.com/colorfulnotion/jitlink/jiterrors"
)

// Region is one allocation from a Pool.
type Region struct {
	pool       *Pool
	offset     int
	mem        []byte
	size       int // requested size; mem is page rounded
	executable bool
	freed      bool
}

func (r *Region) Base() uintptr { return r.pool.base + uintptr(r.offset) }

// Size is the requested size.
func (r *Region) Size() int { return r.size }

// Capacity is the page-rounded size.
func (r *Region) Capacity() int { return len(r.mem) }

func (r *Region) Executable() bool { return r.executable }

// Bytes returns the region's contents. Mutating the slice after
// MakeExecutable is only valid on heap-backed pools; use Write instead.
func (r *Region) Bytes() []byte { return r.mem[:r.size] }

// Contains reports whether addr lies inside the requested size.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.Base() && addr < r.Base()+uintptr(r.size)
}

// MakeExecutable flips the region to read+execute.
func (r *Region) MakeExecutable() error {
	if r.freed {
		return jiterrors.ErrRegionFreed
	}
	if r.executable {
		return nil
	}
	if err := r.pool.backing.protect(r.mem, true); err != nil {
		return err
	}
	r.executable = true
	return nil
}

// Write copies data to offset. An executable region is made writable for the
// duration of the copy, so callers must hold every executing thread at a
// safepoint.
func (r *Region) Write(offset int, data []byte) error {
	if r.freed {
		return jiterrors.ErrRegionFreed
	}
	if offset < 0 || offset+len(data) > len(r.mem) {
		return fmt.Errorf("write [%d,%d) outside region of %d bytes: %w", offset, offset+len(data), len(r.mem), jiterrors.ErrBadConfig)
	}
	if !r.executable {
		copy(r.mem[offset:], data)
		return nil
	}
	if err := r.pool.backing.protect(r.mem, false); err != nil {
		return err
	}
	copy(r.mem[offset:], data)
	return r.pool.backing.protect(r.mem, true)
}

func (r *Region) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Base(), r.Base()+uintptr(r.size))
}
