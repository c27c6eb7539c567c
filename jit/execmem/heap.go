package execmem

import "unsafe"

// heapBacking carves the pool out of a Go byte slice. Nothing is ever made
// executable; it exists for link-only tooling and tests on any platform.
type heapBacking struct {
	raw []byte
}

func newHeapBacking(size int) ([]byte, backing) {
	raw := make([]byte, size+PageSize)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	skip := int((PageSize - addr%PageSize) % PageSize)
	return raw[skip : skip+size : skip+size], &heapBacking{raw: raw}
}

func (h *heapBacking) protect(b []byte, executable bool) error { return nil }

func (h *heapBacking) release() error {
	h.raw = nil
	return nil
}

func (h *heapBacking) kind() Backing { return HeapBacking }

// ProtectFunc changes the protection of b to read+execute or read+write.
type ProtectFunc func(b []byte, executable bool) error

type protectedBacking struct {
	backing
	protectFn ProtectFunc
}

func (p *protectedBacking) protect(b []byte, executable bool) error {
	return p.protectFn(b, executable)
}
