package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64RoundTrip(t *testing.T) {
	b := EncodeUint64(0x1122334455667788)
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, b)
	assert.Equal(t, uint64(0x1122334455667788), DecodeUint64(b))
	assert.Panics(t, func() { DecodeUint64([]byte{1, 2}) })
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp(0, 4096))
	assert.Equal(t, uint64(4096), AlignUp(1, 4096))
	assert.Equal(t, uint64(4096), AlignUp(4096, 4096))
	assert.Equal(t, uint64(16), AlignUp(9, 16))
	assert.Panics(t, func() { AlignUp(3, 12) })
}

func TestFitsInt32(t *testing.T) {
	assert.True(t, FitsInt32(-1<<31))
	assert.True(t, FitsInt32(1<<31-1))
	assert.False(t, FitsInt32(1<<31))
	assert.False(t, FitsInt32(-1<<31-1))
}

func TestHexBytes(t *testing.T) {
	assert.Equal(t, "41 ff d3", HexBytes([]byte{0x41, 0xff, 0xd3}))
	assert.Equal(t, "", HexBytes(nil))
}

func TestColorize(t *testing.T) {
	assert.Equal(t, "\033[34mf\033[0m", Colorize(ColorBlue, "f"))
}
