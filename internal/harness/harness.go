package harness

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/formulabench/internal/cache"
	"github.com/roach88/formulabench/internal/cellstore"
	"github.com/roach88/formulabench/internal/compiler"
	"github.com/roach88/formulabench/internal/engine"
	"github.com/roach88/formulabench/internal/ir"
	"github.com/roach88/formulabench/internal/store"
	"github.com/roach88/formulabench/internal/testutil"
	"github.com/roach88/formulabench/internal/tracker"
)

// epoch is the virtual start time of every scenario.
var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness drives one engine through a scenario's steps.
// Timers run on a virtual clock and ids are sequential, so two runs of the
// same scenario produce identical traces.
type Harness struct {
	store   *store.Store
	engine  *engine.Engine
	cells   *cellstore.Store
	tracker *tracker.Tracker
	sched   *testutil.FakeScheduler
	formula ir.FormulaSchema
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Load the formula and create a fresh engine backed by SQLite
// 2. Activate the formula with the requested number of rows
// 3. Apply each step, draining the engine's event queue after it
// 4. Persist the final rows and evaluate assertions against them
func Run(scenario *Scenario) (*Result, error) {
	schema, err := loadFormula(scenario.Formulas, scenario.Formula)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	sched := testutil.NewFakeScheduler(epoch)
	cells := cellstore.New()
	tr := tracker.New(tracker.WithSink(st))
	eng := engine.New(cells, cache.New(cache.WithClock(sched.Now)), tr,
		engine.WithScheduler(sched),
		engine.WithNow(sched.Now),
		engine.WithClock(engine.NewClock()),
		engine.WithIDGenerator(testutil.NewSequentialIDs("evt")),
	)
	defer eng.Close()

	h := &Harness{
		store:   st,
		engine:  eng,
		cells:   cells,
		tracker: tr,
		sched:   sched,
		formula: schema,
	}

	ctx := context.Background()
	if err := eng.SetFormula(ctx, schema, scenario.Rows); err != nil {
		return nil, fmt.Errorf("failed to activate formula %s: %w", schema.ID, err)
	}

	result := NewResult(schema.ID)
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if step.Expect != nil {
			for _, msg := range h.checkExpect(step.Expect) {
				result.AddError(fmt.Sprintf("steps[%d]: %s", i, msg))
			}
		}
	}

	h.collectTrace(result)

	if err := h.persist(ctx); err != nil {
		return nil, err
	}
	rows, err := st.LoadRows(ctx, schema.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load final rows: %w", err)
	}
	result.Rows = rows

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}

	return result, nil
}

// executeStep applies one step, then processes every event it queued.
func (h *Harness) executeStep(ctx context.Context, step Step) error {
	switch {
	case step.Edit != nil:
		var value ir.IRValue
		if !step.Edit.Clear {
			v, err := ir.FromAny(step.Edit.Value)
			if err != nil {
				return fmt.Errorf("edit value: %w", err)
			}
			value = v
		}
		rowID := ir.RowID(h.formula.ID, step.Edit.Row)
		if err := h.engine.HandleCellUpdate(rowID, step.Edit.Column, value); err != nil {
			return fmt.Errorf("edit %s.%s: %w", rowID, step.Edit.Column, err)
		}

	case step.Advance > 0:
		h.sched.Advance(step.Advance)

	case step.Calculate != nil:
		rowID := ir.RowID(h.formula.ID, step.Calculate.Row)
		if _, err := h.engine.RecalculateRow(ctx, rowID, ir.TriggerManual); err != nil {
			return err
		}

	case step.CalculateAll:
		h.engine.ExecuteAllRows(ctx)
	}

	h.engine.Drain(ctx)
	return nil
}

// checkExpect compares a row with an expect clause and returns the
// mismatches.
func (h *Harness) checkExpect(exp *ExpectClause) []string {
	rowID := ir.RowID(h.formula.ID, exp.Row)
	row := h.cells.Row(rowID)

	var errs []string
	if exp.Result != nil {
		want, err := ir.FromAny(exp.Result)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid expected result: %v", rowID, err))
		} else if !ir.Equal(want, row.Result) {
			errs = append(errs, fmt.Sprintf("%s: expected result %s, got %s", rowID, ir.String(want), ir.String(row.Result)))
		}
	}
	if exp.NoResult && row.HasResult() {
		errs = append(errs, fmt.Sprintf("%s: expected no result, got %s", rowID, ir.String(row.Result)))
	}
	if exp.Error != "" && row.Error != exp.Error {
		errs = append(errs, fmt.Sprintf("%s: expected error %q, got %q", rowID, exp.Error, row.Error))
	}
	if exp.Valid != nil && row.Valid() != *exp.Valid {
		errs = append(errs, fmt.Sprintf("%s: expected valid=%t, got %t", rowID, *exp.Valid, row.Valid()))
	}
	if exp.Phase != "" {
		if got := h.engine.Phase(rowID).String(); got != exp.Phase {
			errs = append(errs, fmt.Sprintf("%s: expected phase %s, got %s", rowID, exp.Phase, got))
		}
	}
	return errs
}

// collectTrace merges the tracker's edits and calculations in seq order.
func (h *Harness) collectTrace(result *Result) {
	for _, ev := range h.tracker.CellUpdates(h.formula.ID) {
		result.AddCellUpdateTrace(ev)
	}
	for _, ev := range h.tracker.Calculations(h.formula.ID) {
		result.AddCalculationTrace(ev)
	}
	slices.SortStableFunc(result.Trace, func(a, b TraceEvent) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
}

// persist saves the formula and its final rows.
func (h *Harness) persist(ctx context.Context) error {
	rows := h.engine.Snapshot()
	if err := h.store.SaveFormula(ctx, h.formula, len(rows), h.sched.Now()); err != nil {
		return fmt.Errorf("failed to save formula: %w", err)
	}
	if err := h.store.SaveRows(ctx, h.formula.ID, rows); err != nil {
		return fmt.Errorf("failed to save rows: %w", err)
	}
	return nil
}

// loadFormula compiles the CUE file at path and returns the formula with
// the given id, or the first formula when id is empty.
func loadFormula(path, id string) (ir.FormulaSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ir.FormulaSchema{}, fmt.Errorf("failed to read formulas: %w", err)
	}

	v := cuecontext.New().CompileBytes(data)
	formulas, err := compiler.LoadFormulas(v)
	if err != nil {
		return ir.FormulaSchema{}, fmt.Errorf("failed to compile %s: %w", path, err)
	}
	if len(formulas) == 0 {
		return ir.FormulaSchema{}, fmt.Errorf("no formulas defined in %s", path)
	}

	if id == "" {
		return formulas[0], nil
	}
	for _, f := range formulas {
		if f.ID == id {
			return f, nil
		}
	}
	return ir.FormulaSchema{}, fmt.Errorf("formula %q not defined in %s", id, path)
}
