package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("trace")
	require.NoError(t, err)
	assert.Equal(t, LevelTrace, lvl)

	lvl, err = ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestModuleGating(t *testing.T) {
	var buf bytes.Buffer
	prev := Root()
	defer SetDefault(prev)
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))

	DisableModule(Interp)
	Debug(Interp, "hidden")
	assert.Empty(t, buf.String())

	EnableModules(" interp ,vm")
	defer DisableModule(Interp)
	defer DisableModule(VM)
	Debug(Interp, "shown", "counter", 3)
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "module=interp")
	assert.Contains(t, buf.String(), "counter=3")

	buf.Reset()
	Info(Halting, "always")
	assert.Contains(t, buf.String(), "INFO")
}
