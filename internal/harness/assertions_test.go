package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formulabench/internal/ir"
)

func ptr[T any](v T) *T { return &v }

func sampleResult() *Result {
	valid := true
	ms := 1.5
	r := NewResult("f")
	r.AddCellUpdateTrace(ir.CellUpdateEvent{RowID: "row-f-0", ColumnID: "x", Value: ir.IRNumber(1), IsValid: true, Seq: 1})
	r.AddCalculationTrace(ir.CalculationEvent{RowID: "row-f-0", Trigger: ir.TriggerCellUpdate, Success: true, Result: ir.IRNumber(2), Seq: 2})
	r.AddCalculationTrace(ir.CalculationEvent{RowID: "row-f-1", Trigger: ir.TriggerManual, Error: "x: required value is missing", Seq: 3})
	r.AddCalculationTrace(ir.CalculationEvent{RowID: "row-f-0", Trigger: ir.TriggerBatch, Success: true, Result: ir.IRNumber(2), Seq: 4})
	r.Rows = []ir.Row{
		{ID: "row-f-0", Values: ir.IRObject{"x": ir.IRNumber(1)}, Result: ir.IRNumber(2), ExecutionTimeMs: &ms, IsValid: &valid},
		{ID: "row-f-1", Values: ir.IRObject{}, Error: "x: required value is missing", IsValid: ptr(false)},
	}
	return r
}

func TestTraceContains(t *testing.T) {
	r := sampleResult()

	tests := []struct {
		name      string
		assertion Assertion
		pass      bool
	}{
		{"any edit", Assertion{Type: AssertTraceContains, Event: EventCellUpdate}, true},
		{"failed calc on row 1", Assertion{Type: AssertTraceContains, Event: EventCalculation, Row: ptr(1), Success: ptr(false)}, true},
		{"auto calc", Assertion{Type: AssertTraceContains, Event: EventCalculation, Trigger: "auto"}, false},
		{"edit on row 1", Assertion{Type: AssertTraceContains, Event: EventCellUpdate, Row: ptr(1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceContains(r, tt.assertion)
			if tt.pass {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTraceOrder(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertTraceOrder(r, Assertion{Triggers: []string{"cell-update", "manual", "batch"}}))
	assert.NoError(t, assertTraceOrder(r, Assertion{Triggers: []string{"cell-update", "batch"}}))

	err := assertTraceOrder(r, Assertion{Triggers: []string{"batch", "manual"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch (pos 4) should be before manual (pos 3)")

	err = assertTraceOrder(r, Assertion{Triggers: []string{"auto"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing trigger: auto")
}

func TestTraceCount(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertTraceCount(r, Assertion{Event: EventCalculation, Count: 3}))
	assert.NoError(t, assertTraceCount(r, Assertion{Event: EventCalculation, Row: ptr(0), Count: 2}))
	assert.NoError(t, assertTraceCount(r, Assertion{Event: EventCalculation, Success: ptr(true), Count: 2}))
	assert.NoError(t, assertTraceCount(r, Assertion{Event: EventCalculation, Trigger: "auto", Count: 0}))

	err := assertTraceCount(r, Assertion{Event: EventCellUpdate, Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 occurrences")
}

func TestFinalState(t *testing.T) {
	r := sampleResult()

	tests := []struct {
		name    string
		row     int
		expect  map[string]any
		wantErr string
	}{
		{"inputs and result", 0, map[string]any{"x": 1, "$result": 2, "$isValid": true}, ""},
		{"execution time", 0, map[string]any{"$executionTimeMs": 1.5}, ""},
		{"null matches absent", 0, map[string]any{"$error": nil}, ""},
		{"error text", 1, map[string]any{"$error": "x: required value is missing", "$result": nil}, ""},
		{"wrong result", 0, map[string]any{"$result": 3}, "row-f-0.$result = 3"},
		{"wrong validity", 1, map[string]any{"$isValid": true}, "row-f-1.$isValid = true"},
		{"missing row", 5, map[string]any{"x": 1}, "row not persisted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFinalState(r, Assertion{Type: AssertFinalState, Row: ptr(tt.row), Expect: tt.expect})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEvaluateAssertions(t *testing.T) {
	r := sampleResult()

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertTraceCount, Event: EventCalculation, Count: 3},
		{Type: AssertTraceContains, Event: EventCalculation, Trigger: "auto"},
		{Type: AssertFinalState},
		{Type: "bogus"},
	})
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "trace_contains")
	assert.Contains(t, errs[1], "final_state requires a row")
	assert.Contains(t, errs[2], `unknown assertion type "bogus"`)
}

func TestAssertionError_Format(t *testing.T) {
	r := sampleResult()
	err := &AssertionError{Type: AssertTraceCount, Expected: "2", Actual: "1", Trace: r.Trace}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "[1] edit row-f-0.x = 1 (valid=true)")
	assert.Contains(t, msg, "[2] calc row-f-0 [cell-update] -> 2")
	assert.Contains(t, msg, "[3] calc row-f-1 [manual] failed: x: required value is missing")
}
