package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/formulabench/internal/cellstore"
	"github.com/roach88/formulabench/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describeEvent(event))
		}
	}

	return buf.String()
}

func describeEvent(e TraceEvent) string {
	if e.Type == EventCellUpdate {
		return fmt.Sprintf("edit %s.%s = %s (valid=%t)", e.RowID, e.ColumnID, ir.String(e.Value), e.Valid)
	}
	if e.Success {
		return fmt.Sprintf("calc %s [%s] -> %s", e.RowID, e.Trigger, ir.String(e.Result))
	}
	return fmt.Sprintf("calc %s [%s] failed: %s", e.RowID, e.Trigger, e.Error)
}

// matchEvent reports whether event satisfies the assertion's filters.
func matchEvent(event TraceEvent, a Assertion, formulaID string) bool {
	if a.Event != "" && event.Type != a.Event {
		return false
	}
	if a.Row != nil && event.RowID != ir.RowID(formulaID, *a.Row) {
		return false
	}
	if a.Trigger != "" && string(event.Trigger) != a.Trigger {
		return false
	}
	if a.Success != nil && (event.Type != EventCalculation || event.Success != *a.Success) {
		return false
	}
	return true
}

func describeFilter(a Assertion, formulaID string) string {
	parts := []string{a.Event}
	if a.Row != nil {
		parts = append(parts, "row="+ir.RowID(formulaID, *a.Row))
	}
	if a.Trigger != "" {
		parts = append(parts, "trigger="+a.Trigger)
	}
	if a.Success != nil {
		parts = append(parts, fmt.Sprintf("success=%t", *a.Success))
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks that at least one event matches.
func assertTraceContains(result *Result, assertion Assertion) error {
	for _, event := range result.Trace {
		if matchEvent(event, assertion, result.FormulaID) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeFilter(assertion, result.FormulaID),
		Actual:   "not found in trace",
		Trace:    result.Trace,
	}
}

// assertTraceOrder checks that calculation triggers first occur in the
// specified order. Intervening events are allowed.
func assertTraceOrder(result *Result, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range result.Trace {
		if event.Type != EventCalculation {
			continue
		}
		trigger := string(event.Trigger)
		if _, seen := positions[trigger]; !seen {
			positions[trigger] = i + 1 // 1-indexed for readability
		}
	}

	for _, trigger := range assertion.Triggers {
		if positions[trigger] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all triggers present: %v", assertion.Triggers),
				Actual:   fmt.Sprintf("missing trigger: %s", trigger),
				Trace:    result.Trace,
			}
		}
	}

	for i := 1; i < len(assertion.Triggers); i++ {
		prev := assertion.Triggers[i-1]
		curr := assertion.Triggers[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("triggers in order: %v", assertion.Triggers),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: result.Trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(result *Result, assertion Assertion) error {
	count := 0
	for _, event := range result.Trace {
		if matchEvent(event, assertion, result.FormulaID) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, describeFilter(assertion, result.FormulaID)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    result.Trace,
		}
	}

	return nil
}

// assertFinalState compares a persisted row with the expected cells using
// subset semantics.
func assertFinalState(result *Result, assertion Assertion) error {
	rowID := ir.RowID(result.FormulaID, *assertion.Row)

	var row *ir.Row
	for i := range result.Rows {
		if result.Rows[i].ID == rowID {
			row = &result.Rows[i]
			break
		}
	}
	if row == nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row %s", rowID),
			Actual:   "row not persisted",
		}
	}

	for _, col := range slices.Sorted(maps.Keys(assertion.Expect)) {
		want, err := ir.FromAny(assertion.Expect[col])
		if err != nil {
			return fmt.Errorf("final_state %s.%s: invalid expected value: %w", rowID, col, err)
		}
		got := cellValue(*row, col)
		if ir.IsNull(want) && ir.IsNull(got) {
			continue
		}
		if !ir.Equal(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %s", rowID, col, ir.String(want)),
				Actual:   ir.String(got),
			}
		}
	}

	return nil
}

// cellValue reads an input or derived cell from a row.
func cellValue(row ir.Row, col string) ir.IRValue {
	switch col {
	case cellstore.ColResult:
		return row.Result
	case cellstore.ColError:
		if row.Error == "" {
			return nil
		}
		return ir.IRString(row.Error)
	case cellstore.ColExecutionTimeMs:
		if row.ExecutionTimeMs == nil {
			return nil
		}
		return ir.IRNumber(*row.ExecutionTimeMs)
	case cellstore.ColIsValid:
		if row.IsValid == nil {
			return nil
		}
		return ir.IRBool(*row.IsValid)
	default:
		return row.Values[col]
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result, assertion)
		case AssertFinalState:
			if assertion.Row == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a row", i)
			} else {
				err = assertFinalState(result, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
