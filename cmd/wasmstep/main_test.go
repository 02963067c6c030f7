package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wasmstep(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	args = append([]string{"--db", filepath.Join(t.TempDir(), "db")}, args...)
	code := run(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		args []string
		code int
		out  string
	}{
		{[]string{"run", "quicksort"}, exitOK, "finished after"},
		{[]string{"run", "factorial"}, exitOK, "2432902008176640000"},
		{[]string{"run", "no-trap"}, exitOK, "finished"},
		{[]string{"run", "trap"}, exitTrap, "trap after"},
		{[]string{"run", "div-zero"}, exitTrap, "divide by zero"},
		{[]string{"run", "infinite-loop", "--steps", "50"}, exitOK, "paused at step 50"},
		{[]string{"run", "nope"}, exitInvalidInput, ""},
		{[]string{"run", "quicksort", "--chunk-size", "0"}, exitInvalidInput, ""},
		{[]string{"run", "quicksort", "--log-level", "loud"}, exitInvalidInput, ""},
	}
	for _, tc := range cases {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			code, out, _ := wasmstep(t, tc.args...)
			assert.Equal(t, tc.code, code)
			assert.Contains(t, strings.ToLower(out), strings.ToLower(tc.out))
		})
	}
}

func TestHalt(t *testing.T) {
	code, out, _ := wasmstep(t, "halt", "infinite-loop", "--steps", "100", "--checkpoint-interval", "10")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "looping")

	code, out, _ = wasmstep(t, "halt", "counter", "--steps", "100", "--checkpoint-interval", "10")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "no loop detected")

	code, out, _ = wasmstep(t, "halt", "bounded-loop")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "finished")

	code, out, errOut := wasmstep(t, "halt", "native-loop", "--steps", "100", "--checkpoint-interval", "10")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, out, "undecided")
	assert.Contains(t, errOut, "H1")
}

func TestReplayCheckCommand(t *testing.T) {
	code, out, _ := wasmstep(t, "replay-check", "quicksort", "--steps", "400", "--checkpoint-interval", "17")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "replay exact at step 400")
}

func TestDump(t *testing.T) {
	code, out, _ := wasmstep(t, "dump", "factorial", "--steps", "5")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "math.fact")
	assert.Contains(t, out, "step 5")
	assert.Contains(t, out, "thread")
}

func TestSaveResume(t *testing.T) {
	db := filepath.Join(t.TempDir(), "db")
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"--db", db, "save", "factorial", "fact", "--steps", "20"}, &out, &errOut)
	require.Equal(t, exitOK, code, errOut.String())
	assert.Contains(t, out.String(), "saved fact at step 20")

	out.Reset()
	code = run(context.Background(), []string{"--db", db, "saved"}, &out, &errOut)
	require.Equal(t, exitOK, code, errOut.String())
	assert.Contains(t, out.String(), "factorial")

	out.Reset()
	code = run(context.Background(), []string{"--db", db, "resume", "fact"}, &out, &errOut)
	require.Equal(t, exitOK, code, errOut.String())
	assert.Contains(t, out.String(), "2432902008176640000")

	code = run(context.Background(), []string{"--db", db, "resume", "missing"}, &out, &errOut)
	assert.Equal(t, exitInvalidInput, code)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.toml")
	require.NoError(t, os.WriteFile(path, []byte("max-call-depth = 3\n"), 0o644))

	// factorial(20) needs more than three frames
	code, _, errOut := wasmstep(t, "--config", path, "run", "factorial")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "R1")

	// flags win over the file
	code, _, _ = wasmstep(t, "--config", path, "--max-call-depth", "100", "run", "factorial")
	assert.Equal(t, exitOK, code)
}

func TestTraceFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.jsonl")
	code, out, _ := wasmstep(t, "--trace", path, "run", "bounded-loop")
	require.Equal(t, exitOK, code)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Count(string(data), "\n")
	assert.Greater(t, lines, 0)
	assert.Contains(t, out, "finished after")
}

func TestProgramsCommand(t *testing.T) {
	code, out, _ := wasmstep(t, "programs")
	assert.Equal(t, exitOK, code)
	for _, name := range []string{"quicksort", "factorial", "infinite-loop", "native-loop"} {
		assert.Contains(t, out, name)
	}
}
