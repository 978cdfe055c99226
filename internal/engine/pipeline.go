package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/formulabench/internal/argcheck"
	"github.com/roach88/formulabench/internal/cellstore"
	"github.com/roach88/formulabench/internal/ir"
)

// Outcome is the result of one calculation attempt as seen by the caller.
//
// Exactly one of Result and Error is set. Stale outcomes were computed from
// inputs that changed before the result could be written; they are reported
// but never reach the row.
type Outcome struct {
	RowID           string     `json:"row_id"`
	Trigger         ir.Trigger `json:"trigger"`
	Success         bool       `json:"success"`
	Result          ir.IRValue `json:"result,omitempty"`
	ExecutionTimeMs float64    `json:"execution_time_ms"`
	Error           string     `json:"error,omitempty"`
	Err             error      `json:"-"`
	Stale           bool       `json:"stale,omitempty"`
}

// BatchResult summarizes ExecuteAllRows.
type BatchResult struct {
	Total      int       `json:"total"`
	Calculated int       `json:"calculated"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Stale      int       `json:"stale"`
	Skipped    int       `json:"skipped"`
	Outcomes   []Outcome `json:"outcomes"`
}

// evaluation carries one attempt from evaluate to commit.
type evaluation struct {
	formulaID string
	rowID     string
	trigger   ir.Trigger
	epoch     uint64
	gen       uint64
	inputHash string

	result   ir.IRValue
	err      *CalcError
	invalid  bool
	invoked  bool
	duration time.Duration
}

// stamp is the formula epoch and row generation observed before a row's
// values are read. An evaluation is committed only while both still hold.
type stamp struct {
	epoch uint64
	gen   uint64
}

// stampRows returns the current stamp of each known row in rowIDs.
func (e *Engine) stampRows(rowIDs ...string) map[string]stamp {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]stamp, len(rowIDs))
	for _, id := range rowIDs {
		if rs, ok := e.rows[id]; ok {
			out[id] = stamp{epoch: e.epoch, gen: rs.gen}
		}
	}
	return out
}

// CalculateRow validates values, invokes the compiled formula and writes the
// outcome into the row. Failures never escape: they are written to the
// row's error column and returned in the Outcome.
func (e *Engine) CalculateRow(ctx context.Context, rowID string, values ir.IRObject, trigger ir.Trigger) Outcome {
	st := e.stampRows(rowID)[rowID]
	ev := e.evaluate(ctx, rowID, values, trigger, st)
	return e.commit(ctx, []evaluation{ev})[0]
}

// RecalculateRow calculates a row from its current stored values. The row is
// stamped before its values are read, so an edit landing in between makes
// the outcome stale.
func (e *Engine) RecalculateRow(ctx context.Context, rowID string, trigger ir.Trigger) (Outcome, error) {
	if !e.cells.HasRow(rowID) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownRow, rowID)
	}
	st := e.stampRows(rowID)[rowID]
	ev := e.evaluate(ctx, rowID, e.cells.Row(rowID).Values, trigger, st)
	return e.commit(ctx, []evaluation{ev})[0], nil
}

// ExecuteAllRows calculates every valid row concurrently and applies all
// results in a single batched write. Invalid rows are skipped. One row's
// failure never affects another row.
func (e *Engine) ExecuteAllRows(ctx context.Context) BatchResult {
	ctx, span := tracer.Start(ctx, "engine.execute_all_rows")
	defer span.End()

	stamps := e.stampRows(e.cells.RowIDs()...)
	rows := e.cells.Rows()
	res := BatchResult{Total: len(rows)}

	var targets []ir.Row
	for _, r := range rows {
		if !r.Valid() {
			res.Skipped++
			continue
		}
		targets = append(targets, r)
	}

	evals := make([]evaluation, len(targets))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, r := range targets {
		g.Go(func() error {
			evals[i] = e.evaluate(ctx, r.ID, r.Values, ir.TriggerBatch, stamps[r.ID])
			return nil
		})
	}
	_ = g.Wait()

	res.Outcomes = e.commit(ctx, evals)
	for _, o := range res.Outcomes {
		res.Calculated++
		switch {
		case o.Stale:
			res.Stale++
		case o.Success:
			res.Succeeded++
		default:
			res.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("rows.total", res.Total),
		attribute.Int("rows.succeeded", res.Succeeded),
		attribute.Int("rows.failed", res.Failed),
	)
	slog.Info("batch calculation complete",
		"total", res.Total,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"stale", res.Stale,
		"skipped", res.Skipped,
	)
	return res
}

// evaluate runs validation, artifact lookup and invocation for one row
// without touching the store. st must be taken before values were read.
func (e *Engine) evaluate(ctx context.Context, rowID string, values ir.IRObject, trigger ir.Trigger, st stamp) evaluation {
	ctx, span := tracer.Start(ctx, "engine.calculate_row", trace.WithAttributes(
		attribute.String("row.id", rowID),
		attribute.String("trigger", string(trigger)),
	))
	defer span.End()

	ev := evaluation{rowID: rowID, trigger: trigger}

	e.mu.Lock()
	if e.formula == nil {
		e.mu.Unlock()
		ev.err = &CalcError{Code: ErrCodeArtifactMissing, Message: ErrNoFormula.Error(), RowID: rowID}
		span.SetStatus(codes.Error, ev.err.Message)
		return ev
	}
	schema := *e.formula
	ev.formulaID = schema.ID
	ev.epoch = st.epoch
	ev.gen = st.gen
	if rs, ok := e.rows[rowID]; ok {
		rs.phase = PhaseValidating
		rs.attempted = true
	}
	e.mu.Unlock()

	span.SetAttributes(attribute.String("formula.id", schema.ID))

	inputs := argcheck.Reconstruct(schema, values)
	if h, err := ir.InputHash(inputs); err == nil {
		ev.inputHash = h
	}

	if err := validate(schema, inputs); err != nil {
		ev.err = validationError(schema.ID, rowID, err)
		ev.invalid = true
		span.SetStatus(codes.Error, ev.err.Message)
		return ev
	}

	fn, ok := e.cache.Get(schema.ID, schema.SourceHash)
	if !ok && e.autoCompile {
		var err error
		fn, err = e.cache.GetOrCompile(ctx, schema.ID, schema.SourceHash, e.compileFunc(schema))
		if err != nil {
			slog.Warn("recompile on cache miss failed", "formula", schema.ID, "error", err)
		}
		ok = err == nil
	}
	if !ok {
		ev.err = NewArtifactMissingError(schema.ID, rowID)
		span.SetStatus(codes.Error, ev.err.Message)
		return ev
	}

	start := e.now()
	result, err := e.invoke(ctx, fn, argcheck.Args(schema, inputs))
	ev.duration = e.now().Sub(start)
	ev.invoked = true

	if err != nil {
		ev.err = invocationError(schema.ID, rowID, err, e.invokeTimeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, ev.err.Message)
		return ev
	}
	if result == nil {
		result = ir.IRNull{}
	}
	ev.result = result
	return ev
}

// invoke runs fn on its own goroutine under the invocation timeout. A panic
// in fn is recovered and reported as an error.
func (e *Engine) invoke(ctx context.Context, fn ir.Invocable, args []ir.IRValue) (ir.IRValue, error) {
	ctx, cancel := context.WithTimeout(ctx, e.invokeTimeout)
	defer cancel()

	type reply struct {
		value ir.IRValue
		err   error
	}
	done := make(chan reply, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("formula panicked: %v", r)}
			}
		}()
		v, err := fn(ctx, args)
		done <- reply{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// commit writes the outcome of each evaluation into the store in one batch,
// records calculation events and refreshes metrics. Evaluations whose row
// was edited, or whose formula was switched, while they ran are stale and
// are not written.
func (e *Engine) commit(ctx context.Context, evals []evaluation) []Outcome {
	outcomes := make([]Outcome, len(evals))
	stale := make([]bool, len(evals))
	var updates []cellstore.CellUpdate

	e.mu.Lock()
	for i, ev := range evals {
		if ev.formulaID == "" {
			continue
		}
		rs, ok := e.rows[ev.rowID]
		if !ok || ev.epoch != e.epoch || ev.gen != rs.gen {
			stale[i] = true
			continue
		}
		switch {
		case ev.err == nil:
			rs.phase = PhaseComputed
		case ev.invalid:
			rs.phase = PhaseInvalid
		default:
			rs.phase = PhaseFailed
		}
		updates = append(updates, derivedUpdates(ev)...)
	}
	e.mu.Unlock()

	if len(updates) > 0 {
		e.cells.BatchUpdate(updates)
	}

	now := e.now()
	for i, ev := range evals {
		o := Outcome{
			RowID:           ev.rowID,
			Trigger:         ev.trigger,
			Success:         ev.err == nil,
			Result:          ev.result,
			ExecutionTimeMs: millis(ev.duration),
			Stale:           stale[i],
		}
		if ev.err != nil {
			o.Error = ev.err.Message
			o.Err = ev.err
		}
		outcomes[i] = o

		if ev.formulaID == "" {
			continue
		}

		outcome := outcomeLabel(o, ev.invalid)
		if o.Stale {
			e.metrics.StaleResult()
			slog.Debug("discarded stale result", "formula", ev.formulaID, "row", ev.rowID, "trigger", ev.trigger)
		}
		e.metrics.Calculated(string(ev.trigger), outcome, ev.invoked, ev.duration)

		e.tracker.RecordCalculation(ctx, ir.CalculationEvent{
			ID:              e.ids.Generate(),
			FormulaID:       ev.formulaID,
			RowID:           ev.rowID,
			Trigger:         ev.trigger,
			Success:         o.Success,
			Result:          ir.Clone(o.Result),
			Error:           o.Error,
			ExecutionTimeMs: o.ExecutionTimeMs,
			InputHash:       ev.inputHash,
			Stale:           o.Stale,
			Seq:             e.clock.Next(),
			Timestamp:       now,
		})
	}

	e.refreshMetrics()
	e.recordStates()
	return outcomes
}

// derivedUpdates returns the derived-column writes for a committed
// evaluation. A nil Value deletes the cell.
func derivedUpdates(ev evaluation) []cellstore.CellUpdate {
	cell := func(col string, v ir.IRValue) cellstore.CellUpdate {
		return cellstore.CellUpdate{RowID: ev.rowID, ColumnID: col, Value: v}
	}

	switch {
	case ev.err == nil:
		return []cellstore.CellUpdate{
			cell(cellstore.ColResult, ev.result),
			cell(cellstore.ColError, nil),
			cell(cellstore.ColExecutionTimeMs, ir.IRNumber(millis(ev.duration))),
			cell(cellstore.ColIsValid, ir.IRBool(true)),
		}
	case ev.invalid:
		return []cellstore.CellUpdate{
			cell(cellstore.ColResult, nil),
			cell(cellstore.ColError, ir.IRString(ev.err.Message)),
			cell(cellstore.ColExecutionTimeMs, nil),
			cell(cellstore.ColIsValid, ir.IRBool(false)),
		}
	default:
		var ms ir.IRValue
		if ev.invoked {
			ms = ir.IRNumber(millis(ev.duration))
		}
		return []cellstore.CellUpdate{
			cell(cellstore.ColResult, nil),
			cell(cellstore.ColError, ir.IRString(ev.err.Message)),
			cell(cellstore.ColExecutionTimeMs, ms),
			cell(cellstore.ColIsValid, ir.IRBool(true)),
		}
	}
}

// validationError converts an argcheck failure into a CalcError.
func validationError(formulaID, rowID string, err error) *CalcError {
	ce := &CalcError{
		Code:      ErrCodeValidationFailed,
		Message:   err.Error(),
		FormulaID: formulaID,
		RowID:     rowID,
		Err:       err,
	}
	var ve *argcheck.ValidationError
	if errors.As(err, &ve) {
		ce.Path = ve.Path
		if ve.Kind == argcheck.KindConstraint {
			ce.Code = ErrCodeConstraintViolated
		}
	}
	return ce
}

// invocationError converts a formula failure into a CalcError.
func invocationError(formulaID, rowID string, err error, timeout time.Duration) *CalcError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &CalcError{
			Code:      ErrCodeInvocationTimeout,
			Message:   fmt.Sprintf("formula timed out after %s", timeout),
			FormulaID: formulaID,
			RowID:     rowID,
			Err:       err,
		}
	}
	return &CalcError{
		Code:      ErrCodeInvocationFailed,
		Message:   err.Error(),
		FormulaID: formulaID,
		RowID:     rowID,
		Err:       err,
	}
}

func outcomeLabel(o Outcome, invalid bool) string {
	switch {
	case o.Stale:
		return "stale"
	case o.Success:
		return "success"
	case invalid:
		return "invalid"
	default:
		return "failed"
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
