package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formulabench/internal/ir"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_SumDebounce(t *testing.T) {
	result, err := Run(loadTestScenario(t, "sum_debounce"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "sum", result.FormulaID)

	require.Len(t, result.Trace, 5)
	assert.Equal(t, EventCellUpdate, result.Trace[0].Type)
	assert.Equal(t, ir.TriggerCellUpdate, result.Trace[2].Trigger)
	assert.Equal(t, ir.IRNumber(5), result.Trace[2].Result)

	require.Len(t, result.Rows, 2)
	assert.Equal(t, ir.IRNumber(5), result.Rows[0].Result)
}

func TestRun_DiscountAuto(t *testing.T) {
	result, err := Run(loadTestScenario(t, "discount_auto"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	for i, ev := range result.Trace {
		assert.Equal(t, int64(i+1), ev.Seq, "trace is in seq order")
	}
}

func TestRun_Deterministic(t *testing.T) {
	s := loadTestScenario(t, "discount_auto")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := MarshalSnapshot(&TraceSnapshot{ScenarioName: s.Name, FormulaID: first.FormulaID, Trace: first.Trace})
	require.NoError(t, err)
	b, err := MarshalSnapshot(&TraceSnapshot{ScenarioName: s.Name, FormulaID: second.FormulaID, Trace: second.Trace})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	path := writeScenario(t, `
name: wrong_result
description: a failing expectation is reported, not returned as an error
formulas: formulas.cue
formula: sum
steps:
  - edit: {row: 0, column: a, value: 1}
  - edit: {row: 0, column: b, value: 1}
  - calculate: {row: 0}
    expect: {row: 0, result: 3, phase: failed}
`)
	s, err := LoadScenario(path)
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "expected result 3, got 2")
	assert.Contains(t, result.Errors[1], "expected phase failed, got computed")
}

func TestRun_ClearCell(t *testing.T) {
	path := writeScenario(t, `
name: clear_cell
description: clearing an input invalidates the row
formulas: formulas.cue
formula: sum
steps:
  - edit: {row: 0, column: a, value: 1}
  - edit: {row: 0, column: b, value: 1}
  - advance: 300ms
  - edit: {row: 0, column: a, clear: true}
  - advance: 300ms
    expect: {row: 0, no_result: true, valid: false, phase: invalid}
assertions:
  - type: final_state
    row: 0
    expect: {a: null, b: 1, $result: null}
`)
	s, err := LoadScenario(path)
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, EventCellUpdate, last.Type)
	assert.Nil(t, last.Value)
}

func TestRun_Errors(t *testing.T) {
	t.Run("unknown formula", func(t *testing.T) {
		s := loadTestScenario(t, "sum_debounce")
		s.Formula = "missing"
		_, err := Run(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `formula "missing" not defined`)
	})

	t.Run("unknown column", func(t *testing.T) {
		s := loadTestScenario(t, "sum_debounce")
		s.Steps = []Step{{Edit: &EditStep{Row: 0, Column: "zzz", Value: 1}}}
		_, err := Run(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown column")
	})

	t.Run("reserved column", func(t *testing.T) {
		s := loadTestScenario(t, "sum_debounce")
		s.Steps = []Step{{Edit: &EditStep{Row: 0, Column: "$result", Value: 1}}}
		_, err := Run(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "column is reserved")
	})
}
