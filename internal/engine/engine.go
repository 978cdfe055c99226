package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/roach88/formulabench/internal/argcheck"
	"github.com/roach88/formulabench/internal/cache"
	"github.com/roach88/formulabench/internal/cellstore"
	"github.com/roach88/formulabench/internal/compiler"
	"github.com/roach88/formulabench/internal/ir"
	"github.com/roach88/formulabench/internal/metrics"
	"github.com/roach88/formulabench/internal/tracker"
)

var tracer = otel.Tracer("formulabench.engine")

// Default timings and limits.
const (
	DefaultDebounce      = 300 * time.Millisecond
	DefaultAutoDelay     = 100 * time.Millisecond
	DefaultInvokeTimeout = 10 * time.Second
	DefaultConcurrency   = 8
)

// ErrNoFormula is returned by operations that need an active formula.
var ErrNoFormula = errors.New("no active formula")

// ErrUnknownRow is returned for a row id outside the active formula's rows.
var ErrUnknownRow = errors.New("unknown row")

// Compiler turns a formula into an executable artifact.
type Compiler func(schema ir.FormulaSchema) (ir.Invocable, error)

// RowMetrics summarizes execution times across the active rows.
type RowMetrics struct {
	TotalTime      float64 `json:"total_time"`
	AverageTime    float64 `json:"average_time"`
	CalculatedRows int     `json:"calculated_rows"`
	TotalRows      int     `json:"total_rows"`
}

// rowState is the engine's bookkeeping for one row. Guarded by Engine.mu.
type rowState struct {
	gen       uint64 // bumped on every input edit
	phase     Phase
	attempted bool

	debounce      Timer
	debounceToken uint64
	auto          Timer
	autoToken     uint64
}

// Engine is the calculation pipeline and auto-trigger controller for one
// active formula.
//
// Cell edits arrive through the CellStore subscription. Debounce and
// auto-trigger timers enqueue events that are processed one at a time by
// Run (or Drain), so timer-driven calculations never race each other.
// Formula invocations run on their own goroutines and may overlap across
// rows; the per-row generation counter discards results that finish after a
// newer edit.
//
// Thread-safety model:
//   - HandleCellUpdate, CalculateRow, RecalculateRow, ExecuteAllRows: safe
//     from any goroutine
//   - Run: must be called from exactly one goroutine
//   - Drain: must not run concurrently with Run
type Engine struct {
	cells   *cellstore.Store
	cache   *cache.Cache
	tracker *tracker.Tracker
	metrics *metrics.Metrics

	clock     *Clock
	ids       IDGenerator
	scheduler Scheduler
	now       func() time.Time
	compiler  Compiler

	debounce      time.Duration
	autoDelay     time.Duration
	invokeTimeout time.Duration
	concurrency   int
	autoCompile   bool

	queue       *eventQueue
	unsubscribe func()

	mu         sync.Mutex
	formula    *ir.FormulaSchema
	epoch      uint64 // bumped on every formula switch
	rows       map[string]*rowState
	nextToken  uint64
	rowMetrics RowMetrics
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock sets the logical clock used to stamp events.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the event id generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithScheduler sets the timer source for debounce and auto-trigger.
func WithScheduler(s Scheduler) EngineOption {
	return func(e *Engine) {
		e.scheduler = s
	}
}

// WithNow sets the wall clock used for timestamps and durations.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCompiler replaces the formula compiler.
func WithCompiler(c Compiler) EngineOption {
	return func(e *Engine) {
		e.compiler = c
	}
}

// WithMetrics reports pipeline activity to m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithDebounce sets the trailing debounce for cell-update calculations.
func WithDebounce(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.debounce = d
	}
}

// WithAutoDelay sets the delay before an eligible row is auto-calculated.
func WithAutoDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.autoDelay = d
	}
}

// WithInvokeTimeout bounds a single formula invocation.
func WithInvokeTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.invokeTimeout = d
	}
}

// WithConcurrency bounds parallel invocations in ExecuteAllRows.
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) {
		e.concurrency = n
	}
}

// WithAutoCompile recompiles the active formula on a cache miss instead of
// failing the row with "formula not compiled".
func WithAutoCompile(enabled bool) EngineOption {
	return func(e *Engine) {
		e.autoCompile = enabled
	}
}

// New creates an Engine over the given services and subscribes to cell
// changes. Call Close to release the subscription and pending timers.
func New(cells *cellstore.Store, artifacts *cache.Cache, tr *tracker.Tracker, opts ...EngineOption) *Engine {
	e := &Engine{
		cells:         cells,
		cache:         artifacts,
		tracker:       tr,
		clock:         NewClock(),
		ids:           UUIDv7Generator{},
		scheduler:     realScheduler{},
		now:           time.Now,
		compiler:      compiler.CompileBody,
		debounce:      DefaultDebounce,
		autoDelay:     DefaultAutoDelay,
		invokeTimeout: DefaultInvokeTimeout,
		concurrency:   DefaultConcurrency,
		queue:         newEventQueue(),
		rows:          make(map[string]*rowState),
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}

	e.unsubscribe = cells.Subscribe(e.onCellChange)
	return e
}

// Run starts the single-writer event loop.
// Blocks until context is cancelled or Close() is called.
//
// ERROR HANDLING: On event processing failure, the error is logged with full
// event context and processing continues. Row-level failures never reach
// here; they are recorded in the row itself.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting")

	for {
		event, ok := e.queue.TryDequeue()
		if ok {
			if err := e.processEvent(ctx, event); err != nil {
				logEventError(event, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes with the queue, so this case also
			// fires on Close.
			if e.queue.Len() == 0 && e.queue.isClosed() {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain processes every queued event on the calling goroutine and returns
// the number processed. Used by tests and one-shot CLI commands in place of
// Run.
func (e *Engine) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		event, ok := e.queue.TryDequeue()
		if !ok {
			return n
		}
		if err := e.processEvent(ctx, event); err != nil {
			logEventError(event, err)
		}
		n++
	}
	return n
}

// Close cancels pending timers, unsubscribes from the cell store and stops
// the Run loop.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.stopTimersLocked()
	e.mu.Unlock()

	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.queue.Close()
	return nil
}

// processEvent routes an event to the appropriate handler.
func (e *Engine) processEvent(ctx context.Context, event Event) error {
	switch event.Type {
	case EventTypeDebounce:
		return e.fireDebounce(ctx, event)
	case EventTypeAuto:
		return e.fireAuto(ctx, event)
	default:
		return fmt.Errorf("unknown event type: %d", event.Type)
	}
}

// logEventError logs event processing errors with context.
func logEventError(event Event, err error) {
	slog.Error("event processing failed",
		"type", event.Type.String(),
		"row", event.RowID,
		"token", event.Token,
		"error", err,
	)
}

// SetFormula makes schema the active formula with rowCount fresh rows.
//
// Every row, timer, attempted mark and diagnostic of the previous formula is
// discarded; the new rows start Untouched and hold only the schema defaults.
// The artifact is compiled immediately. A compile error is returned but the
// formula stays active, so rows report "formula not compiled" until a
// successful Compile.
func (e *Engine) SetFormula(ctx context.Context, schema ir.FormulaSchema, rowCount int) error {
	if schema.SourceHash == "" {
		h, err := ir.SourceHash(schema)
		if err != nil {
			return fmt.Errorf("activate formula %s: %w", schema.ID, err)
		}
		schema.SourceHash = h
	}

	ids := make([]string, rowCount)
	e.mu.Lock()
	previous := ""
	if e.formula != nil {
		previous = e.formula.ID
	}
	e.stopTimersLocked()
	e.epoch++
	e.formula = &schema
	e.rows = make(map[string]*rowState, rowCount)
	for i := range ids {
		ids[i] = ir.RowID(schema.ID, i)
		e.rows[ids[i]] = &rowState{phase: PhaseUntouched}
	}
	e.mu.Unlock()

	e.tracker.ClearAll()
	e.cells.ClearAllData()
	e.cells.SyncStructure(ids, argcheck.Columns(schema))

	defaults := argcheck.Defaults(schema)
	for _, id := range ids {
		for col, v := range defaults {
			e.cells.SetValue(id, col, ir.Clone(v), true)
		}
	}
	e.revalidate(schema, ids)
	e.refreshMetrics()
	e.recordStates()

	slog.Info("formula activated",
		"formula", schema.ID,
		"previous", previous,
		"rows", rowCount,
		"source_hash", schema.SourceHash,
	)

	compileErr := e.Compile(ctx)
	e.scheduleAuto()
	if compileErr != nil {
		return fmt.Errorf("activate formula %s: %w", schema.ID, compileErr)
	}
	return nil
}

// Formula returns a copy of the active formula, or nil.
func (e *Engine) Formula() *ir.FormulaSchema {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.formula == nil {
		return nil
	}
	f := *e.formula
	return &f
}

// Compile compiles the active formula and replaces its cached artifact.
func (e *Engine) Compile(ctx context.Context) error {
	schema := e.Formula()
	if schema == nil {
		return ErrNoFormula
	}

	e.cache.Delete(schema.ID)
	_, err := e.cache.GetOrCompile(ctx, schema.ID, schema.SourceHash, e.compileFunc(*schema))
	if err != nil {
		slog.Warn("formula compile failed", "formula", schema.ID, "error", err)
		return err
	}
	slog.Debug("formula compiled", "formula", schema.ID, "source_hash", schema.SourceHash)
	return nil
}

func (e *Engine) compileFunc(schema ir.FormulaSchema) cache.CompileFunc {
	return func(ctx context.Context) (ir.Invocable, error) {
		return e.compiler(schema)
	}
}

// Snapshot returns every row of the active formula in row order.
func (e *Engine) Snapshot() []ir.Row {
	return e.cells.Rows()
}

// Restore writes previously saved rows back into the store. Rows that do
// not belong to the active formula are skipped. Validity is recomputed
// rather than trusted.
func (e *Engine) Restore(ctx context.Context, rows []ir.Row) error {
	e.mu.Lock()
	if e.formula == nil {
		e.mu.Unlock()
		return ErrNoFormula
	}
	schema := *e.formula
	known := make(map[string]bool, len(e.rows))
	for id := range e.rows {
		known[id] = true
	}
	e.mu.Unlock()

	var restored []string
	for _, row := range rows {
		if !known[row.ID] {
			slog.Warn("restore skipped unknown row", "formula", schema.ID, "row", row.ID)
			continue
		}
		for col, v := range row.Values {
			e.cells.SetValue(row.ID, col, ir.Clone(v), true)
		}
		for _, u := range derivedOf(row) {
			e.cells.SetValue(u.RowID, u.ColumnID, u.Value, true)
		}
		restored = append(restored, row.ID)
	}

	e.revalidate(schema, restored)
	e.refreshMetrics()
	e.recordStates()
	e.scheduleAuto()

	slog.Info("rows restored", "formula", schema.ID, "rows", len(restored))
	return ctx.Err()
}

// derivedOf returns the derived-column writes that reproduce row's outcome.
func derivedOf(row ir.Row) []cellstore.CellUpdate {
	var ms ir.IRValue
	if row.ExecutionTimeMs != nil {
		ms = ir.IRNumber(*row.ExecutionTimeMs)
	}
	var errVal ir.IRValue
	if row.Error != "" {
		errVal = ir.IRString(row.Error)
	}
	return []cellstore.CellUpdate{
		{RowID: row.ID, ColumnID: cellstore.ColResult, Value: ir.Clone(row.Result)},
		{RowID: row.ID, ColumnID: cellstore.ColError, Value: errVal},
		{RowID: row.ID, ColumnID: cellstore.ColExecutionTimeMs, Value: ms},
	}
}

// Metrics returns the row metrics as of the last execution-time change.
func (e *Engine) Metrics() RowMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rowMetrics
}

// Phase returns the auto-trigger phase of a row. Unknown rows are Untouched.
func (e *Engine) Phase(rowID string) Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs, ok := e.rows[rowID]; ok {
		return rs.phase
	}
	return PhaseUntouched
}

// DebugInfo returns the tracker diagnostics of the active formula.
func (e *Engine) DebugInfo() tracker.DebugInfo {
	schema := e.Formula()
	if schema == nil {
		return tracker.DebugInfo{}
	}
	return e.tracker.GetDebugInfo(schema.ID)
}

// StateTable returns the last recorded row states of the active formula.
func (e *Engine) StateTable() []ir.RowState {
	schema := e.Formula()
	if schema == nil {
		return nil
	}
	return e.tracker.GetStateTable(schema.ID)
}

// refreshMetrics recomputes RowMetrics from the store.
func (e *Engine) refreshMetrics() {
	rows := e.cells.Rows()

	m := RowMetrics{TotalRows: len(rows)}
	for _, r := range rows {
		if r.ExecutionTimeMs == nil {
			continue
		}
		m.TotalTime += *r.ExecutionTimeMs
		m.CalculatedRows++
	}
	if m.CalculatedRows > 0 {
		m.AverageTime = m.TotalTime / float64(m.CalculatedRows)
	}

	e.mu.Lock()
	e.rowMetrics = m
	e.mu.Unlock()
	e.metrics.Rows(m.TotalRows, m.CalculatedRows)
}

// recordStates hands the current row snapshot to the tracker.
func (e *Engine) recordStates() {
	schema := e.Formula()
	if schema == nil {
		return
	}
	rows := e.cells.Rows()
	states := make([]ir.RowState, len(rows))
	for i, r := range rows {
		states[i] = ir.StateOf(r)
	}
	e.tracker.RecordRowStates(schema.ID, states)
}

// validate runs the required-field check and then the constraint check.
func validate(schema ir.FormulaSchema, inputs ir.IRObject) error {
	if err := argcheck.Check(schema, inputs); err != nil {
		return err
	}
	return argcheck.CheckConstraints(schema, inputs)
}

// revalidate recomputes the validity column of rows.
func (e *Engine) revalidate(schema ir.FormulaSchema, rowIDs []string) map[string]bool {
	validity := make(map[string]bool, len(rowIDs))
	for _, id := range rowIDs {
		inputs := argcheck.Reconstruct(schema, e.cells.Row(id).Values)
		valid := validate(schema, inputs) == nil
		validity[id] = valid
		e.cells.SetValue(id, cellstore.ColIsValid, ir.IRBool(valid), true)
	}
	return validity
}

// stopTimersLocked cancels every pending timer. Caller holds mu.
func (e *Engine) stopTimersLocked() {
	for _, rs := range e.rows {
		if rs.debounce != nil {
			rs.debounce.Stop()
			rs.debounce = nil
		}
		if rs.auto != nil {
			rs.auto.Stop()
			rs.auto = nil
		}
	}
}
