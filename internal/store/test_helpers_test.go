package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/formulabench/internal/ir"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new temporary store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSchema creates a two-input formula with its source hash set.
func createTestSchema(id, body string) ir.FormulaSchema {
	s := ir.FormulaSchema{
		ID:   id,
		Name: id,
		Inputs: []ir.FactorDef{
			{Name: "a", Type: ir.FactorType{BaseType: ir.BaseNumber}},
			{Name: "b", Type: ir.FactorType{BaseType: ir.BaseNumber}, Default: ir.IRNumber(1)},
		},
		Body: body,
	}
	s.SourceHash = ir.MustSourceHash(s)
	return s
}

// createTestCalculation creates a calculation event with minimal fields.
func createTestCalculation(id, formulaID, rowID string, seq int64, success bool) ir.CalculationEvent {
	ev := ir.CalculationEvent{
		ID:              id,
		FormulaID:       formulaID,
		RowID:           rowID,
		Trigger:         ir.TriggerManual,
		Success:         success,
		ExecutionTimeMs: 2,
		Seq:             seq,
		Timestamp:       testTime,
	}
	if success {
		ev.Result = ir.IRNumber(float64(seq))
	} else {
		ev.Error = "boom"
	}
	return ev
}
