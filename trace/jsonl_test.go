package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLTraceWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLTraceWriter(&buf)
	require.NoError(t, w.WriteStep(&Step{Counter: 1, Module: "main", Function: "f", Op: "block", Depth: 1, CallDepth: 1}))
	require.NoError(t, w.WriteStep(&Step{Counter: 2, Op: "i32.add", WindowChunks: []uint64{0, 3}}))
	assert.Zero(t, buf.Len(), "buffered until flush")
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteStep(&Step{}), ErrTraceWriterClosed)
	assert.ErrorIs(t, w.Flush(), ErrTraceWriterClosed)
	require.NoError(t, w.Close())

	var got []Step
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var s Step
		require.NoError(t, json.Unmarshal(sc.Bytes(), &s))
		got = append(got, s)
	}
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[1].Counter)
	assert.Equal(t, []uint64{0, 3}, got[1].WindowChunks)
	assert.Equal(t, "main", got[0].Module)
}

func TestJSONLTraceWriterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	w, err := NewJSONLTraceWriterFile(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteStep(&Step{Counter: 9, Trap: "unreachable executed"}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trap":"unreachable executed"`)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}
