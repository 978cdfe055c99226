package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/formulabench/internal/argcheck"
	"github.com/roach88/formulabench/internal/cellstore"
	"github.com/roach88/formulabench/internal/ir"
)

var (
	// ErrReservedColumn is returned when a caller writes a derived column.
	ErrReservedColumn = errors.New("column is reserved")

	// ErrUnknownColumn is returned for a path the active formula does not
	// declare.
	ErrUnknownColumn = errors.New("unknown column")
)

// HandleCellUpdate writes a user edit to the store. The change notification
// starts the row's debounce timer.
func (e *Engine) HandleCellUpdate(rowID, colID string, value ir.IRValue) error {
	if cellstore.IsReserved(colID) {
		return fmt.Errorf("%w: %s", ErrReservedColumn, colID)
	}
	schema := e.Formula()
	if schema == nil {
		return ErrNoFormula
	}
	if !e.cells.HasRow(rowID) {
		return fmt.Errorf("%w: %s", ErrUnknownRow, rowID)
	}
	if _, ok := argcheck.Lookup(*schema, colID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, colID)
	}

	e.cells.SetValue(rowID, colID, value, false)
	return nil
}

// onCellChange is the CellStore listener. Writes to derived columns come
// from the engine itself and are ignored.
func (e *Engine) onCellChange(n cellstore.Notification) {
	var changed []cellstore.CellUpdate
	switch n.Kind {
	case cellstore.KindCell:
		if !cellstore.IsReserved(n.ColumnID) {
			changed = append(changed, cellstore.CellUpdate{RowID: n.RowID, ColumnID: n.ColumnID, Value: n.Value})
		}
	case cellstore.KindBatch:
		for _, u := range n.Updates {
			if !cellstore.IsReserved(u.ColumnID) {
				changed = append(changed, u)
			}
		}
	}
	if len(changed) == 0 {
		return
	}
	e.inputsChanged(changed)
}

// inputsChanged restarts the debounce timer of every edited row, refreshes
// its validity and records the edits.
func (e *Engine) inputsChanged(changed []cellstore.CellUpdate) {
	e.mu.Lock()
	if e.formula == nil {
		e.mu.Unlock()
		return
	}
	schema := *e.formula

	var rowIDs []string
	seen := make(map[string]bool)
	for _, u := range changed {
		rs, ok := e.rows[u.RowID]
		if !ok || seen[u.RowID] {
			continue
		}
		seen[u.RowID] = true
		rowIDs = append(rowIDs, u.RowID)

		rs.gen++
		rs.attempted = false
		rs.phase = PhaseEditing
		e.cancelAutoLocked(rs)
		e.resetDebounceLocked(u.RowID, rs)
	}
	e.mu.Unlock()

	validity := e.revalidate(schema, rowIDs)

	ctx := context.Background()
	now := e.now()
	for _, u := range changed {
		if !seen[u.RowID] {
			continue
		}
		e.tracker.RecordCellUpdate(ctx, ir.CellUpdateEvent{
			ID:        e.ids.Generate(),
			FormulaID: schema.ID,
			RowID:     u.RowID,
			ColumnID:  u.ColumnID,
			Value:     ir.Clone(u.Value),
			IsValid:   validity[u.RowID],
			Seq:       e.clock.Next(),
			Timestamp: now,
		})
	}
	e.recordStates()
	e.scheduleAuto()
}

// resetDebounceLocked replaces the row's pending debounce timer. Caller
// holds mu.
func (e *Engine) resetDebounceLocked(rowID string, rs *rowState) {
	if rs.debounce != nil {
		rs.debounce.Stop()
		e.metrics.DebounceReset()
	}
	e.nextToken++
	token, epoch := e.nextToken, e.epoch
	rs.debounceToken = token
	rs.debounce = e.scheduler.AfterFunc(e.debounce, func() {
		e.queue.Enqueue(Event{Type: EventTypeDebounce, RowID: rowID, Token: token, Epoch: epoch})
	})
}

// cancelAutoLocked drops the row's pending auto-trigger. Caller holds mu.
func (e *Engine) cancelAutoLocked(rs *rowState) {
	if rs.auto != nil {
		rs.auto.Stop()
		rs.auto = nil
	}
}

// scheduleAuto arms an auto-trigger timer for every eligible row, in row
// order. A row is eligible when it is valid, has values but no result, has
// no pending timer and has not been attempted since its last edit.
func (e *Engine) scheduleAuto() {
	rows := e.cells.Rows()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.formula == nil {
		return
	}

	for _, r := range rows {
		rs, ok := e.rows[r.ID]
		if !ok || rs.attempted || rs.debounce != nil || rs.auto != nil {
			continue
		}
		if !r.Valid() || r.HasResult() || !r.HasValues() {
			continue
		}

		rs.attempted = true
		e.nextToken++
		token, epoch, rowID := e.nextToken, e.epoch, r.ID
		rs.autoToken = token
		rs.auto = e.scheduler.AfterFunc(e.autoDelay, func() {
			e.queue.Enqueue(Event{Type: EventTypeAuto, RowID: rowID, Token: token, Epoch: epoch})
		})
	}
}

// fireDebounce handles a debounce timer. The row is re-read at fire time; an
// invalid row is not calculated and loses any stale outcome.
func (e *Engine) fireDebounce(ctx context.Context, event Event) error {
	e.mu.Lock()
	rs, ok := e.rows[event.RowID]
	if !ok || event.Epoch != e.epoch || rs.debounce == nil || rs.debounceToken != event.Token {
		e.mu.Unlock()
		slog.Debug("debounce superseded", "row", event.RowID, "token", event.Token)
		return nil
	}
	rs.debounce = nil
	e.mu.Unlock()

	row := e.cells.Row(event.RowID)
	if row.Valid() {
		_, err := e.RecalculateRow(ctx, event.RowID, ir.TriggerCellUpdate)
		return err
	}

	e.mu.Lock()
	if event.Epoch != e.epoch {
		e.mu.Unlock()
		return nil
	}
	rs.phase = PhaseInvalid
	e.mu.Unlock()

	e.cells.BatchUpdate([]cellstore.CellUpdate{
		{RowID: event.RowID, ColumnID: cellstore.ColResult},
		{RowID: event.RowID, ColumnID: cellstore.ColError},
		{RowID: event.RowID, ColumnID: cellstore.ColExecutionTimeMs},
	})
	e.refreshMetrics()
	e.recordStates()

	slog.Debug("debounced calculation skipped: row invalid", "row", event.RowID)
	return nil
}

// fireAuto handles an auto-trigger timer.
func (e *Engine) fireAuto(ctx context.Context, event Event) error {
	e.mu.Lock()
	rs, ok := e.rows[event.RowID]
	if !ok || event.Epoch != e.epoch || rs.auto == nil || rs.autoToken != event.Token {
		e.mu.Unlock()
		slog.Debug("auto-trigger superseded", "row", event.RowID, "token", event.Token)
		return nil
	}
	rs.auto = nil
	e.mu.Unlock()

	row := e.cells.Row(event.RowID)
	if !row.Valid() || row.HasResult() {
		return nil
	}
	_, err := e.RecalculateRow(ctx, event.RowID, ir.TriggerAuto)
	return err
}
