//go:build linux

package execmem

import (
	"fmt"

	"github.com/colorfulnotion/jitlink/jiterrors"
	"golang.org/x/sys/unix"
)

type mmapBacking struct {
	mem []byte
}

func newMmapBacking(size int) ([]byte, backing, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: mmap %d bytes: %v", jiterrors.ErrExecutableAllocation, size, err)
	}
	return mem, &mmapBacking{mem: mem}, nil
}

func (m *mmapBacking) protect(b []byte, executable bool) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if executable {
		prot = unix.PROT_READ | unix.PROT_EXEC
	}
	if err := unix.Mprotect(b, prot); err != nil {
		return fmt.Errorf("%w: %v", jiterrors.ErrProtect, err)
	}
	return nil
}

func (m *mmapBacking) release() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

func (m *mmapBacking) kind() Backing { return MmapBacking }
