package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileMissingDirectory(t *testing.T) {
	out, err := execute(NewCompileCommand(testRootOptions("text")), "/nonexistent/formulas")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}

func TestCompileFormulas(t *testing.T) {
	dir := writeFormulas(t)

	out, err := execute(NewCompileCommand(testRootOptions("text")), dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Compiled 3 formula(s) from 1 file(s)")
	assert.Contains(t, out, "sum: 2 input(s)")
	assert.Contains(t, out, "guard: 1 input(s)")
}

func TestCompileUsesConfiguredDirectory(t *testing.T) {
	opts := testRootOptions("text")
	opts.Config.Formulas.Dir = writeFormulas(t)

	out, err := execute(NewCompileCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Compiled 3 formula(s)")
}

func TestCompileJSONOutput(t *testing.T) {
	dir := writeFormulas(t)

	out, err := execute(NewCompileCommand(testRootOptions("json")), dir)
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Formulas []map[string]any `json:"formulas"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Formulas, 3)
	assert.Equal(t, "discount", resp.Data.Formulas[1]["id"])
	assert.Equal(t, "price * (1 - rate)", resp.Data.Formulas[1]["body"])
}

func TestCompileWritesOutputFile(t *testing.T) {
	dir := writeFormulas(t)
	outFile := filepath.Join(t.TempDir(), "formulas.json")

	out, err := execute(NewCompileCommand(testRootOptions("text")), dir, "--output", outFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote canonical IR to "+outFile)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)

	var result struct {
		Formulas []map[string]any `json:"formulas"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Len(t, result.Formulas, 3)
}

func TestCompileCollectsErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.cue"), `
package formulas

formula: nobody: {
	inputs: [{name: "a", base: "number"}]
}

formula: badcall: {
	inputs: [{name: "a", base: "number"}]
	body: "nosuch(a)"
}
`)

	out, err := execute(NewCompileCommand(testRootOptions("json")), dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "compilation failed with 2 error(s)")

	var resp struct {
		Status string     `json:"status"`
		Error  CLIError   `json:"error"`
		Data   []CLIError `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, ErrCodeInvalidBody, resp.Data[0].Code)
	assert.Equal(t, "E209", resp.Data[1].Code)
	assert.Contains(t, resp.Data[1].Message, "nosuch")
}

func TestCompileTextErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.cue"), `
package formulas

formula: nobody: {
	inputs: [{name: "a", base: "number"}]
}
`)

	out, err := execute(NewCompileCommand(testRootOptions("text")), dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ Compilation failed")
	assert.Contains(t, out, "E101: formula.nobody: body is required")
}
