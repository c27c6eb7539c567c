//go:build linux

package execmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapPoolProtection(t *testing.T) {
	p, err := NewPool(4*PageSize, MmapBacking)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, MmapBacking, p.Backing())

	r, err := p.Allocate(32)
	require.NoError(t, err)
	copy(r.Bytes(), []byte{0x90, 0xC3})
	require.NoError(t, r.MakeExecutable())

	// readable while executable, writable only through Write
	assert.Equal(t, byte(0x90), r.Bytes()[0])
	require.NoError(t, r.Write(0, []byte{0xCC}))
	assert.Equal(t, byte(0xCC), r.Bytes()[0])
	assert.True(t, r.Executable())

	require.NoError(t, p.Free(r))
	again, err := p.Allocate(32)
	require.NoError(t, err)
	again.Bytes()[0] = 0x90 // writable again after reuse
	assert.Equal(t, byte(0x90), again.Bytes()[0])
}
