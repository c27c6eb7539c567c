package main

import (
	"bytes"
	"testing"

	"github.com/colorfulnotion/jitlink/config"
	"github.com/colorfulnotion/jitlink/jit/codegen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func heapConfig() *config.Config {
	cfg := config.Default()
	cfg.Pool.Size = "1MiB"
	cfg.Pool.Backing = "heap"
	cfg.Compiler.Concurrency = 2
	return cfg
}

func TestRunCompileFunction(t *testing.T) {
	var out bytes.Buffer
	opts := compileOptions{
		name:   "f",
		units:  1,
		params: 2,
		locals: 8,
		script: codegen.Options{Guards: 2, Throws: 1, GetByIDs: 1, Calls: 1, Loops: 1},
		tree:   true,
		disasm: true,
	}
	require.NoError(t, runCompile(&out, heapConfig(), opts))

	s := out.String()
	assert.Contains(t, s, "arity-checked entry 0x")
	assert.Contains(t, s, "exits (2)")
	assert.Contains(t, s, "inline caches (1)")
	assert.Contains(t, s, "call links (1)")
	assert.Contains(t, s, "osr entries (1)")
	assert.Contains(t, s, "pool: ")
	assert.Contains(t, s, "heap backing")
}

func TestRunCompileProgramHasNoArityEntry(t *testing.T) {
	var out bytes.Buffer
	opts := compileOptions{
		name:        "main",
		units:       1,
		params:      1,
		locals:      4,
		script:      codegen.Options{Guards: 1},
		program:     true,
		printScript: true,
	}
	require.NoError(t, runCompile(&out, heapConfig(), opts))
	assert.NotContains(t, out.String(), "arity-checked")
	assert.Contains(t, out.String(), "main: ")
}

func TestRunCompileMany(t *testing.T) {
	var out bytes.Buffer
	opts := compileOptions{
		name:   "g",
		units:  4,
		params: 1,
		locals: 4,
		script: codegen.Options{Guards: 1, PutByIDs: 1, Constructs: 1},
	}
	require.NoError(t, runCompile(&out, heapConfig(), opts))
	for _, name := range []string{"g0: ", "g1: ", "g2: ", "g3: "} {
		assert.Contains(t, out.String(), name)
	}
}

func TestRunCompileBadPool(t *testing.T) {
	cfg := heapConfig()
	cfg.Pool.Size = "lots"
	err := runCompile(&bytes.Buffer{}, cfg, compileOptions{units: 1})
	require.Error(t, err)
}
