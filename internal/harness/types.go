package harness

import (
	"github.com/roach88/formulabench/internal/ir"
)

// Trace event types.
const (
	EventCellUpdate  = "cell_update"
	EventCalculation = "calculation"
)

// TraceEvent is one recorded edit or calculation, in seq order.
// Ids, timestamps and execution times are left out so traces are
// reproducible.
type TraceEvent struct {
	Type     string     `json:"type"` // "cell_update" or "calculation"
	RowID    string     `json:"row"`
	ColumnID string     `json:"column,omitempty"`
	Value    ir.IRValue `json:"value,omitempty"`
	Valid    bool       `json:"valid,omitempty"`
	Trigger  ir.Trigger `json:"trigger,omitempty"`
	Success  bool       `json:"success,omitempty"`
	Result   ir.IRValue `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
	Stale    bool       `json:"stale,omitempty"`
	Seq      int64      `json:"seq"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every expect clause and assertion holds.
	Pass bool `json:"pass"`

	// FormulaID is the formula the scenario ran against.
	FormulaID string `json:"formula_id"`

	// Trace contains all edits and calculations in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Rows is the final row state as persisted at the end of the run.
	Rows []ir.Row `json:"rows,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult(formulaID string) *Result {
	return &Result{
		Pass:      true,
		FormulaID: formulaID,
		Trace:     []TraceEvent{},
		Errors:    []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddCellUpdateTrace adds an edit to the trace.
func (r *Result) AddCellUpdateTrace(ev ir.CellUpdateEvent) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:     EventCellUpdate,
		RowID:    ev.RowID,
		ColumnID: ev.ColumnID,
		Value:    ev.Value,
		Valid:    ev.IsValid,
		Seq:      ev.Seq,
	})
}

// AddCalculationTrace adds a calculation to the trace.
func (r *Result) AddCalculationTrace(ev ir.CalculationEvent) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:    EventCalculation,
		RowID:   ev.RowID,
		Trigger: ev.Trigger,
		Success: ev.Success,
		Result:  ev.Result,
		Error:   ev.Error,
		Stale:   ev.Stale,
		Seq:     ev.Seq,
	})
}

// canonical renders the event as an IRObject for golden comparison.
// Edits always carry value and valid; calculations always carry success.
func (e TraceEvent) canonical() ir.IRObject {
	obj := ir.IRObject{
		"type": ir.IRString(e.Type),
		"row":  ir.IRString(e.RowID),
		"seq":  ir.IRNumber(e.Seq),
	}
	switch e.Type {
	case EventCellUpdate:
		obj["column"] = ir.IRString(e.ColumnID)
		obj["value"] = orNull(e.Value)
		obj["valid"] = ir.IRBool(e.Valid)
	case EventCalculation:
		obj["trigger"] = ir.IRString(e.Trigger)
		obj["success"] = ir.IRBool(e.Success)
		if e.Result != nil {
			obj["result"] = e.Result
		}
		if e.Error != "" {
			obj["error"] = ir.IRString(e.Error)
		}
		if e.Stale {
			obj["stale"] = ir.IRBool(true)
		}
	}
	return obj
}

func orNull(v ir.IRValue) ir.IRValue {
	if v == nil {
		return ir.IRNull{}
	}
	return v
}
