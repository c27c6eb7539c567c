package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/jitlink/jit/execmem"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	n, err := cfg.PoolBytes()
	require.NoError(t, err)
	assert.Equal(t, 64<<20, n)
	assert.Equal(t, execmem.MmapBacking, cfg.Backing())
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[pool]
size = "3k"
backing = "heap"

[compiler]
max_polymorphic_cases = 2
`))
	require.NoError(t, err)
	n, err := cfg.PoolBytes()
	require.NoError(t, err)
	assert.Equal(t, execmem.PageSize, n, "rounded up to a page")
	assert.Equal(t, execmem.HeapBacking, cfg.Backing())
	assert.Equal(t, 2, cfg.Compiler.MaxPolymorphicCases)
	assert.Equal(t, 4, cfg.Compiler.Concurrency, "default kept")
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		toml string
		want error
	}{
		{"pool over rel32 reach", "[pool]\nsize = \"3GiB\"", jiterrors.ErrPoolTooLarge},
		{"pool exactly at reach", "[pool]\nsize = \"2GiB\"\nbacking = \"heap\"", nil},
		{"unparsable size", "[pool]\nsize = \"lots\"", jiterrors.ErrBadConfig},
		{"zero size", "[pool]\nsize = \"0\"", jiterrors.ErrBadConfig},
		{"backing", "[pool]\nbacking = \"disk\"", jiterrors.ErrUnknownBacking},
		{"concurrency", "[compiler]\nconcurrency = 0", jiterrors.ErrBadConcurrency},
		{"polymorphic cases", "[compiler]\nmax_polymorphic_cases = 0", jiterrors.ErrBadConfig},
		{"frame region", "[compiler]\nframe_region_slots = -1", jiterrors.ErrBadConfig},
		{"log level", "[log]\nlevel = \"chatty\"", jiterrors.ErrBadConfig},
		{"unknown key", "[pool]\nsiz = \"1MiB\"", jiterrors.ErrBadConfig},
		{"syntax", "[pool", jiterrors.ErrBadConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.toml))
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoadAndEncode(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\nmodules = \"jit_link,jit_runtime\"\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "jit_link,jit_runtime", cfg.Log.Modules)

	out, err := cfg.Encode()
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
