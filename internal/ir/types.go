package ir

import (
	"context"
	"fmt"
	"time"
)

// BaseType is the scalar or structural kind of a factor.
type BaseType string

const (
	BaseNumber  BaseType = "number"
	BaseString  BaseType = "string"
	BaseBoolean BaseType = "boolean"
	BaseObject  BaseType = "object"
)

// ValidBaseTypes defines the allowed base types for factor declarations.
var ValidBaseTypes = map[BaseType]bool{
	BaseNumber:  true,
	BaseString:  true,
	BaseBoolean: true,
	BaseObject:  true,
}

// Constraints restrict the values a leaf factor accepts.
type Constraints struct {
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
	Enum    []string `json:"enum,omitempty"`
}

// FactorType describes one input's type. Properties recurse arbitrarily
// (object-of-object-of-array...).
type FactorType struct {
	BaseType    BaseType     `json:"base_type"`
	Nullable    bool         `json:"nullable"`
	Array       bool         `json:"array"`
	Properties  []FactorDef  `json:"properties,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
}

// Element returns the type of a single array element.
func (t FactorType) Element() FactorType {
	elem := t
	elem.Array = false
	return elem
}

// IsObject reports whether values of this type are objects with declared
// properties.
func (t FactorType) IsObject() bool {
	return t.BaseType == BaseObject && len(t.Properties) > 0
}

// FactorDef is a named factor: a formula input or a nested property.
type FactorDef struct {
	Name    string     `json:"name"`
	Type    FactorType `json:"type"`
	Default IRValue    `json:"default,omitempty"`
}

// FormulaSchema is a compiled formula: its ordered inputs and executable body.
type FormulaSchema struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Inputs      []FactorDef `json:"inputs"`
	Body        string      `json:"body"`
	SourceHash  string      `json:"source_hash"`
}

// InputNames returns the input names in declaration order.
func (s FormulaSchema) InputNames() []string {
	names := make([]string, len(s.Inputs))
	for i, in := range s.Inputs {
		names[i] = in.Name
	}
	return names
}

// Invocable is a compiled formula artifact. Arguments are positional in the
// schema's input order. Implementations must be safe for concurrent use.
type Invocable func(ctx context.Context, args []IRValue) (IRValue, error)

// RowID returns the stable row identifier for the index-th row of a formula.
// Stable across formula-switch round trips.
func RowID(formulaID string, index int) string {
	return fmt.Sprintf("row-%s-%d", formulaID, index)
}

// Row is the fixed envelope for one independent unit of input values and
// its calculation outcome. Values are keyed by flattened parameter path.
//
// Invariant: after a completed attempt exactly one of Result and Error is
// set; before any attempt both are absent.
type Row struct {
	ID              string   `json:"id"`
	Values          IRObject `json:"values"`
	Result          IRValue  `json:"result,omitempty"`
	ExecutionTimeMs *float64 `json:"execution_time_ms,omitempty"`
	Error           string   `json:"error,omitempty"`
	IsValid         *bool    `json:"is_valid,omitempty"`
}

// HasResult reports whether the row carries a result.
func (r Row) HasResult() bool {
	return r.Result != nil
}

// HasValues reports whether at least one value is non-empty.
func (r Row) HasValues() bool {
	for _, v := range r.Values {
		if !IsEmpty(v) {
			return true
		}
	}
	return false
}

// Valid reports IsValid, treating unknown as false.
func (r Row) Valid() bool {
	return r.IsValid != nil && *r.IsValid
}

// Trigger identifies what initiated a calculation.
type Trigger string

const (
	TriggerAuto       Trigger = "auto"
	TriggerCellUpdate Trigger = "cell-update"
	TriggerManual     Trigger = "manual"
	TriggerBatch      Trigger = "batch"
)

// CellUpdateEvent records one cell edit. Immutable once recorded.
type CellUpdateEvent struct {
	ID        string    `json:"id"`
	FormulaID string    `json:"formula_id"`
	RowID     string    `json:"row_id"`
	ColumnID  string    `json:"column_id"`
	Value     IRValue   `json:"value"`
	IsValid   bool      `json:"is_valid"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// CalculationEvent records one calculation attempt. Immutable once recorded.
type CalculationEvent struct {
	ID              string    `json:"id"`
	FormulaID       string    `json:"formula_id"`
	RowID           string    `json:"row_id"`
	Trigger         Trigger   `json:"trigger"`
	Success         bool      `json:"success"`
	Result          IRValue   `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	ExecutionTimeMs float64   `json:"execution_time_ms"`
	InputHash       string    `json:"input_hash,omitempty"`
	Stale           bool      `json:"stale,omitempty"`
	Seq             int64     `json:"seq"`
	Timestamp       time.Time `json:"timestamp"`
}

// RowState is a snapshot of a row used by the state table.
type RowState struct {
	RowID           string   `json:"row_id"`
	Values          IRObject `json:"values"`
	Result          IRValue  `json:"result,omitempty"`
	Error           string   `json:"error,omitempty"`
	ExecutionTimeMs *float64 `json:"execution_time_ms,omitempty"`
	IsValid         bool     `json:"is_valid"`
}

// StateOf snapshots a row.
func StateOf(r Row) RowState {
	return RowState{
		RowID:           r.ID,
		Values:          r.Values.Clone(),
		Result:          Clone(r.Result),
		Error:           r.Error,
		ExecutionTimeMs: r.ExecutionTimeMs,
		IsValid:         r.Valid(),
	}
}
