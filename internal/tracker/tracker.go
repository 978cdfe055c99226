// Package tracker keeps a per-formula, append-only log of cell-update and
// calculation events plus the latest snapshot of row states, and derives the
// diagnostics shown in the debug panel from them.
//
// The log is in-memory and clearable. An optional Sink receives every
// appended event for durable storage.
package tracker

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/formulabench/internal/ir"
)

// Sink persists events. Errors are logged and never fail recording.
type Sink interface {
	AppendCellUpdate(ctx context.Context, ev ir.CellUpdateEvent) error
	AppendCalculation(ctx context.Context, ev ir.CalculationEvent) error
}

// DebugInfo is the derived diagnostic view of one formula.
type DebugInfo struct {
	FormulaID              string     `json:"formula_id"`
	TotalUpdates           int        `json:"total_updates"`
	TotalCalculations      int        `json:"total_calculations"`
	SuccessfulCalculations int        `json:"successful_calculations"`
	FailedCalculations     int        `json:"failed_calculations"`
	StaleCalculations      int        `json:"stale_calculations"`
	LastUpdate             *time.Time `json:"last_update,omitempty"`
	LastCalculation        *time.Time `json:"last_calculation,omitempty"`
	PendingCalculations    int        `json:"pending_calculations"`
	RowsWithResults        int        `json:"rows_with_results"`
	RowsWithoutResults     int        `json:"rows_without_results"`
}

type formulaLog struct {
	updates []ir.CellUpdateEvent
	calcs   []ir.CalculationEvent
	states  []ir.RowState
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSink forwards every recorded event to s.
func WithSink(s Sink) Option {
	return func(t *Tracker) {
		t.sink = s
	}
}

// WithMaxEvents caps each per-formula event list, dropping the oldest
// events first. Zero means unbounded.
func WithMaxEvents(n int) Option {
	return func(t *Tracker) {
		t.maxEvents = n
	}
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	formulas  map[string]*formulaLog
	sink      Sink
	maxEvents int
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{formulas: make(map[string]*formulaLog)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) log(formulaID string) *formulaLog {
	l, ok := t.formulas[formulaID]
	if !ok {
		l = &formulaLog{}
		t.formulas[formulaID] = l
	}
	return l
}

// RecordCellUpdate appends a cell-update event.
func (t *Tracker) RecordCellUpdate(ctx context.Context, ev ir.CellUpdateEvent) {
	t.mu.Lock()
	l := t.log(ev.FormulaID)
	l.updates = trim(append(l.updates, ev), t.maxEvents)
	t.mu.Unlock()

	if t.sink != nil {
		if err := t.sink.AppendCellUpdate(ctx, ev); err != nil {
			slog.Warn("persist cell update failed",
				"formula", ev.FormulaID,
				"row", ev.RowID,
				"error", err,
			)
		}
	}
}

// RecordCalculation appends a calculation event.
func (t *Tracker) RecordCalculation(ctx context.Context, ev ir.CalculationEvent) {
	t.mu.Lock()
	l := t.log(ev.FormulaID)
	l.calcs = trim(append(l.calcs, ev), t.maxEvents)
	t.mu.Unlock()

	if t.sink != nil {
		if err := t.sink.AppendCalculation(ctx, ev); err != nil {
			slog.Warn("persist calculation failed",
				"formula", ev.FormulaID,
				"row", ev.RowID,
				"error", err,
			)
		}
	}
}

// RecordRowStates replaces the row-state snapshot of a formula.
func (t *Tracker) RecordRowStates(formulaID string, states []ir.RowState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log(formulaID).states = slices.Clone(states)
}

// GetDebugInfo derives diagnostics for formulaID. An unknown formula yields
// zero counts.
func (t *Tracker) GetDebugInfo(formulaID string) DebugInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info := DebugInfo{FormulaID: formulaID}
	l, ok := t.formulas[formulaID]
	if !ok {
		return info
	}

	info.TotalUpdates = len(l.updates)
	info.TotalCalculations = len(l.calcs)
	if n := len(l.updates); n > 0 {
		ts := l.updates[n-1].Timestamp
		info.LastUpdate = &ts
	}

	var lastSeq int64
	for _, c := range l.calcs {
		switch {
		case c.Stale:
			info.StaleCalculations++
			continue
		case c.Success:
			info.SuccessfulCalculations++
		default:
			info.FailedCalculations++
		}
		if c.Seq > lastSeq {
			lastSeq = c.Seq
		}
	}
	if n := len(l.calcs); n > 0 {
		ts := l.calcs[n-1].Timestamp
		info.LastCalculation = &ts
	}

	for _, u := range l.updates {
		if u.IsValid && u.Seq > lastSeq {
			info.PendingCalculations++
		}
	}

	for _, s := range l.states {
		if s.Result != nil {
			info.RowsWithResults++
		} else {
			info.RowsWithoutResults++
		}
	}
	return info
}

// GetStateTable returns the latest row-state snapshot of formulaID.
func (t *Tracker) GetStateTable(formulaID string) []ir.RowState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.formulas[formulaID]; ok {
		return slices.Clone(l.states)
	}
	return nil
}

// CellUpdates returns the recorded cell-update events of formulaID in order.
func (t *Tracker) CellUpdates(formulaID string) []ir.CellUpdateEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.formulas[formulaID]; ok {
		return slices.Clone(l.updates)
	}
	return nil
}

// Calculations returns the recorded calculation events of formulaID in order.
func (t *Tracker) Calculations(formulaID string) []ir.CalculationEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.formulas[formulaID]; ok {
		return slices.Clone(l.calcs)
	}
	return nil
}

// ClearFormula drops everything recorded for formulaID.
func (t *Tracker) ClearFormula(formulaID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.formulas, formulaID)
}

// ClearAll drops everything.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.formulas = make(map[string]*formulaLog)
}

// Formulas returns the formula IDs with recorded state, sorted.
func (t *Tracker) Formulas() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.formulas))
	for id := range t.formulas {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func trim[E any](events []E, limit int) []E {
	if limit <= 0 || len(events) <= limit {
		return events
	}
	return slices.Clone(events[len(events)-limit:])
}
