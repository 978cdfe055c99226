package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/formulabench/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	FormulaID    string       `json:"formula_id"`
	Trace        []TraceEvent `json:"trace"`
}

// canonical converts a TraceSnapshot to an IRObject so it serializes with
// ir.MarshalCanonical.
func (s *TraceSnapshot) canonical() ir.IRObject {
	trace := make(ir.IRArray, len(s.Trace))
	for i, event := range s.Trace {
		trace[i] = event.canonical()
	}
	return ir.IRObject{
		"scenario_name": ir.IRString(s.ScenarioName),
		"formula_id":    ir.IRString(s.FormulaID),
		"trace":         trace,
	}
}

// MarshalSnapshot renders the snapshot as canonical JSON, indented for
// review, with a trailing newline.
func MarshalSnapshot(s *TraceSnapshot) ([]byte, error) {
	data, err := ir.MarshalCanonical(s.canonical())
	if err != nil {
		return nil, fmt.Errorf("marshal trace: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("indent trace: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalSnapshot(&TraceSnapshot{
		ScenarioName: scenarioName,
		FormulaID:    result.FormulaID,
		Trace:        result.Trace,
	})
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
