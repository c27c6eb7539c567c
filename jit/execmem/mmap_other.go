//go:build !linux

package execmem

import (
	"fmt"
	"runtime"

	"github.com/colorfulnotion/jitlink/jiterrors"
)

func newMmapBacking(size int) ([]byte, backing, error) {
	return nil, nil, fmt.Errorf("mmap backing on %s: %w", runtime.GOOS, jiterrors.ErrNotSupported)
}
