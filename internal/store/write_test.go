package store

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/formulabench/internal/ir"
)

func TestSaveFormula_Upsert(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	schema := createTestSchema("sum", "a + b")
	if err := s.SaveFormula(ctx, schema, 3, testTime); err != nil {
		t.Fatalf("SaveFormula() failed: %v", err)
	}

	schema.Name = "Sum of two"
	if err := s.SaveFormula(ctx, schema, 5, testTime); err != nil {
		t.Fatalf("second SaveFormula() failed: %v", err)
	}

	rec, err := s.LoadFormula(ctx, "sum")
	if err != nil {
		t.Fatalf("LoadFormula() failed: %v", err)
	}
	if rec.Name != "Sum of two" || rec.RowCount != 5 {
		t.Errorf("got name=%q rows=%d, want updated record", rec.Name, rec.RowCount)
	}
	if rec.SourceHash != schema.SourceHash {
		t.Errorf("source hash = %q, want %q", rec.SourceHash, schema.SourceHash)
	}
	if !rec.SavedAt.Equal(testTime) {
		t.Errorf("saved_at = %v, want %v", rec.SavedAt, testTime)
	}
}

func TestSaveFormula_NewSourceDropsRows(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	schema := createTestSchema("sum", "a + b")
	if err := s.SaveFormula(ctx, schema, 1, testTime); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRows(ctx, "sum", []ir.Row{{ID: "row-sum-0", Values: ir.IRObject{"a": ir.IRNumber(1)}}}); err != nil {
		t.Fatal(err)
	}

	// Same source keeps rows.
	if err := s.SaveFormula(ctx, schema, 1, testTime); err != nil {
		t.Fatal(err)
	}
	rows, err := s.LoadRows(ctx, "sum")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows after same-source save = %d, want 1", len(rows))
	}

	changed := createTestSchema("sum", "a * b")
	if err := s.SaveFormula(ctx, changed, 1, testTime); err != nil {
		t.Fatal(err)
	}
	rows, err = s.LoadRows(ctx, "sum")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("rows after source change = %d, want 0", len(rows))
	}
}

func TestSaveRows_RequiresFormula(t *testing.T) {
	s := createTestStore(t)

	err := s.SaveRows(context.Background(), "missing", []ir.Row{{ID: "row-missing-0"}})
	if err == nil {
		t.Error("expected foreign key error for unsaved formula")
	}
}

func TestAppendCellUpdate_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ev := ir.CellUpdateEvent{
		ID:        "ev-1",
		FormulaID: "sum",
		RowID:     "row-sum-0",
		ColumnID:  "a",
		Value:     ir.IRNumber(3),
		IsValid:   true,
		Seq:       1,
		Timestamp: testTime,
	}
	for i := 0; i < 2; i++ {
		if err := s.AppendCellUpdate(ctx, ev); err != nil {
			t.Fatalf("AppendCellUpdate() #%d failed: %v", i, err)
		}
	}

	events, err := s.ReadCellUpdates(ctx, "sum")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}
}

func TestDeleteFormula(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.SaveFormula(ctx, createTestSchema("sum", "a + b"), 1, testTime); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRows(ctx, "sum", []ir.Row{{ID: "row-sum-0", Values: ir.IRObject{}}}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendCalculation(ctx, createTestCalculation("c1", "sum", "row-sum-0", 1, true)); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendCalculation(ctx, createTestCalculation("c2", "other", "row-other-0", 2, true)); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteFormula(ctx, "sum"); err != nil {
		t.Fatalf("DeleteFormula() failed: %v", err)
	}

	if _, err := s.LoadFormula(ctx, "sum"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadFormula() after delete: got %v, want ErrNotFound", err)
	}
	rows, _ := s.LoadRows(ctx, "sum")
	if len(rows) != 0 {
		t.Errorf("rows not cascaded: %d left", len(rows))
	}
	calcs, _ := s.ReadCalculations(ctx, "sum")
	if len(calcs) != 0 {
		t.Errorf("calculations not deleted: %d left", len(calcs))
	}
	others, _ := s.ReadCalculations(ctx, "other")
	if len(others) != 1 {
		t.Errorf("other formula's log touched: %d left", len(others))
	}

	if err := s.DeleteFormula(ctx, "never-saved"); err != nil {
		t.Errorf("deleting unknown formula: %v", err)
	}
}
