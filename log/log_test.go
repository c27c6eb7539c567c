package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)

	lvl, err = ParseLevel("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, LevelCrit, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestModuleGating(t *testing.T) {
	var buf bytes.Buffer
	prev := Root()
	defer SetDefault(prev)
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))

	DisableModule(JitLink)
	Debug(JitLink, "hidden")
	assert.Empty(t, buf.String())

	EnableModule(JitLink)
	defer DisableModule(JitLink)
	Debug(JitLink, "unit linked", "exits", 3)
	out := buf.String()
	assert.Contains(t, out, "DEBUG")
	assert.Contains(t, out, "jit_link")
	assert.Contains(t, out, "exits=3")

	// info is never gated
	buf.Reset()
	Info(JitRuntime, "published")
	assert.Contains(t, buf.String(), "published")
}

func TestEnableModules(t *testing.T) {
	EnableModules("jit_compile, jit_runtime")
	defer DisableModule(JitCompile)
	defer DisableModule(JitRuntime)
	assert.True(t, isModuleEnabled(JitCompile))
	assert.True(t, isModuleEnabled(JitRuntime))
	assert.False(t, isModuleEnabled(JitSandbox))
}

func TestRecordLogs(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)
	SetDefault(NewLogger(DiscardHandler()))

	RecordLogs()
	Warn(JitExecMem, "pool low", "free", "4kB")
	out, err := GetRecordedLogs()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "WARN"))
	assert.Contains(t, string(out), "free=4kB")
}

func TestEvent(t *testing.T) {
	var buf bytes.Buffer
	SetEventWriter(&buf)
	defer SetEventWriter(nil)

	Event("installed", 7, map[string]int{"exits": 2}, "elapsed", 15, "metadata", "arity")
	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "installed", got["msg_type"])
	assert.Equal(t, float64(7), got["unit"])
	assert.Equal(t, float64(15), got["elapsed"])
	assert.Equal(t, "arity", got["metadata"])

	// field order is stable
	assert.True(t, strings.HasPrefix(buf.String(), `{"time":`))
}
