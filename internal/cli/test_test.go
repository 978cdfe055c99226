package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: sum_edit
description: Two edits settle into one calculation
formulas: formulas.cue
formula: sum
rows: 1
steps:
  - edit: {row: 0, column: a, value: 2}
  - edit: {row: 0, column: b, value: 3}
  - advance: 300ms
    expect: {row: 0, result: 5, valid: true}
assertions:
  - type: trace_count
    event: cell_update
    count: 2
  - type: final_state
    row: 0
    expect: {a: 2, b: 3, $result: 5}
`

const failingScenario = `name: sum_wrong
description: Expects the wrong total
formulas: formulas.cue
formula: sum
rows: 1
steps:
  - edit: {row: 0, column: a, value: 1}
  - edit: {row: 0, column: b, value: 1}
  - advance: 300ms
assertions:
  - type: final_state
    row: 0
    expect: {$result: 3}
`

// writeScenarios creates a scenarios directory holding the test formulas and
// the given scenario files.
func writeScenarios(t *testing.T, scenarios map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "formulas.cue"), formulasCUE)
	for name, content := range scenarios {
		writeFile(t, filepath.Join(dir, name), content)
	}
	return dir
}

func TestTestCommandArgs(t *testing.T) {
	_, err := execute(NewTestCommand(testRootOptions("text")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandMissingDirectory(t *testing.T) {
	_, err := execute(NewTestCommand(testRootOptions("text")), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")

	dir := writeScenarios(t, nil)
	_, err = execute(NewTestCommand(testRootOptions("text")), dir, "--formulas", filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "formulas directory not found")
}

func TestTestCommandNoScenarios(t *testing.T) {
	out, err := execute(NewTestCommand(testRootOptions("text")), writeScenarios(t, nil))
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandPass(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"sum_edit.yaml": passingScenario})

	out, err := execute(NewTestCommand(testRootOptions("text")), dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ sum_edit")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommandFailure(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"sum_edit.yaml":  passingScenario,
		"sum_wrong.yaml": failingScenario,
	})

	out, err := execute(NewTestCommand(testRootOptions("text")), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ sum_wrong")
	assert.Contains(t, out, "Test Summary: 1 passed, 1 failed, 2 total")
}

func TestTestCommandFilter(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"sum_edit.yaml":  passingScenario,
		"sum_wrong.yaml": failingScenario,
	})

	out, err := execute(NewTestCommand(testRootOptions("text")), dir, "--filter", "*_edit")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
	assert.NotContains(t, out, "sum_wrong")

	_, err = execute(NewTestCommand(testRootOptions("text")), dir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandGolden(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"sum_edit.yaml": passingScenario})
	goldenPath := filepath.Join(dir, "golden", "sum_edit.golden")

	out, err := execute(NewTestCommand(testRootOptions("text")), dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ sum_edit (golden updated)")

	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name": "sum_edit"`)

	_, err = execute(NewTestCommand(testRootOptions("text")), dir)
	require.NoError(t, err, "a fresh run must reproduce the golden trace")

	writeFile(t, goldenPath, "{}\n")
	out, err = execute(NewTestCommand(testRootOptions("text")), dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandJSON(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"sum_edit.yaml":  passingScenario,
		"sum_wrong.yaml": failingScenario,
	})

	out, err := execute(NewTestCommand(testRootOptions("json")), dir)
	require.Error(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Failed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)

	assert.True(t, resp.Data.Scenarios[0].Pass)
	assert.False(t, resp.Data.Scenarios[1].Pass)
	assert.NotEmpty(t, resp.Data.Scenarios[1].Errors)
}

func TestTestCommandBadScenario(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"broken.yaml": "name: broken\nbogus: true\n"})

	out, err := execute(NewTestCommand(testRootOptions("text")), dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}
