package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/formulabench/internal/ir"
)

// ErrNotFound is returned when a formula has never been saved.
var ErrNotFound = errors.New("not found")

// FormulaRecord is the saved metadata of a formula.
type FormulaRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Body        string    `json:"body"`
	SourceHash  string    `json:"source_hash"`
	RowCount    int       `json:"row_count"`
	SavedAt     time.Time `json:"saved_at"`
}

// FormulaSummary aggregates the calculation log of one formula.
type FormulaSummary struct {
	FormulaID       string  `json:"formula_id"`
	Calculations    int     `json:"calculations"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	Stale           int     `json:"stale"`
	AverageTimeMs   float64 `json:"average_time_ms"`
	RowsWithResults int     `json:"rows_with_results"`
}

// LoadFormula returns the saved metadata of a formula, or ErrNotFound.
func (s *Store) LoadFormula(ctx context.Context, formulaID string) (FormulaRecord, error) {
	var rec FormulaRecord
	var savedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, body, source_hash, row_count, saved_at
		FROM formulas
		WHERE id = ?
	`, formulaID).Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Body, &rec.SourceHash, &rec.RowCount, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FormulaRecord{}, fmt.Errorf("load formula %s: %w", formulaID, ErrNotFound)
	}
	if err != nil {
		return FormulaRecord{}, fmt.Errorf("load formula %s: %w", formulaID, err)
	}

	if rec.SavedAt, err = parseTime(savedAt); err != nil {
		return FormulaRecord{}, fmt.Errorf("load formula %s: %w", formulaID, err)
	}
	return rec, nil
}

// ListFormulas returns every saved formula ordered by id.
func (s *Store) ListFormulas(ctx context.Context) ([]FormulaRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, body, source_hash, row_count, saved_at
		FROM formulas
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query formulas: %w", err)
	}
	defer rows.Close()

	records := []FormulaRecord{}
	for rows.Next() {
		var rec FormulaRecord
		var savedAt string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Body, &rec.SourceHash, &rec.RowCount, &savedAt); err != nil {
			return nil, fmt.Errorf("scan formula: %w", err)
		}
		if rec.SavedAt, err = parseTime(savedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate formulas: %w", err)
	}
	return records, nil
}

// LoadRows returns the saved rows of a formula in their saved order.
// Returns an empty slice (not nil) if nothing was saved.
func (s *Store) LoadRows(ctx context.Context, formulaID string) ([]ir.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, input_values, result, error, execution_time_ms, is_valid
		FROM saved_rows
		WHERE formula_id = ?
		ORDER BY position ASC
	`, formulaID)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	out := []ir.Row{}
	for rows.Next() {
		var (
			r          ir.Row
			valuesJSON string
			resultJSON sql.NullString
			ms         sql.NullFloat64
			valid      sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &valuesJSON, &resultJSON, &r.Error, &ms, &valid); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if r.Values, err = unmarshalValues(valuesJSON); err != nil {
			return nil, fmt.Errorf("row %s: %w", r.ID, err)
		}
		if r.Result, err = unmarshalValue(resultJSON); err != nil {
			return nil, fmt.Errorf("row %s: %w", r.ID, err)
		}
		if ms.Valid {
			v := ms.Float64
			r.ExecutionTimeMs = &v
		}
		if valid.Valid {
			v := valid.Int64 != 0
			r.IsValid = &v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest seq in either event log, or 0 when both are
// empty. A restarted engine continues numbering after it.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT MAX(seq) FROM cell_updates), 0),
			COALESCE((SELECT MAX(seq) FROM calculations), 0)
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq, nil
}

// ReadCellUpdates returns the cell-update log of a formula.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC COLLATE BINARY.
func (s *Store) ReadCellUpdates(ctx context.Context, formulaID string) ([]ir.CellUpdateEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, formula_id, row_id, column_id, value, is_valid, seq, ts
		FROM cell_updates
		WHERE formula_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, formulaID)
	if err != nil {
		return nil, fmt.Errorf("query cell updates: %w", err)
	}
	defer rows.Close()

	events := []ir.CellUpdateEvent{}
	for rows.Next() {
		var (
			ev        ir.CellUpdateEvent
			valueJSON sql.NullString
			valid     int
			ts        string
		)
		if err := rows.Scan(&ev.ID, &ev.FormulaID, &ev.RowID, &ev.ColumnID, &valueJSON, &valid, &ev.Seq, &ts); err != nil {
			return nil, fmt.Errorf("scan cell update: %w", err)
		}
		if ev.Value, err = unmarshalValue(valueJSON); err != nil {
			return nil, fmt.Errorf("cell update %s: %w", ev.ID, err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("cell update %s: %w", ev.ID, err)
		}
		ev.IsValid = valid != 0
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cell updates: %w", err)
	}
	return events, nil
}

// ReadCalculations returns the calculation log of a formula.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC COLLATE BINARY.
func (s *Store) ReadCalculations(ctx context.Context, formulaID string) ([]ir.CalculationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, formula_id, row_id, trigger_kind, success, result, error,
		       execution_time_ms, input_hash, stale, seq, ts
		FROM calculations
		WHERE formula_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, formulaID)
	if err != nil {
		return nil, fmt.Errorf("query calculations: %w", err)
	}
	defer rows.Close()

	events := []ir.CalculationEvent{}
	for rows.Next() {
		var (
			ev             ir.CalculationEvent
			trigger        string
			success, stale int
			resultJSON     sql.NullString
			ts             string
		)
		if err := rows.Scan(&ev.ID, &ev.FormulaID, &ev.RowID, &trigger, &success, &resultJSON, &ev.Error,
			&ev.ExecutionTimeMs, &ev.InputHash, &stale, &ev.Seq, &ts); err != nil {
			return nil, fmt.Errorf("scan calculation: %w", err)
		}
		if ev.Result, err = unmarshalValue(resultJSON); err != nil {
			return nil, fmt.Errorf("calculation %s: %w", ev.ID, err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("calculation %s: %w", ev.ID, err)
		}
		ev.Trigger = ir.Trigger(trigger)
		ev.Success = success != 0
		ev.Stale = stale != 0
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calculations: %w", err)
	}
	return events, nil
}

// ResultsByFormula aggregates the calculation log and saved rows per
// formula, ordered by formula id. Stale calculations count toward neither
// Succeeded nor Failed, and are excluded from the average time.
func (s *Store) ResultsByFormula(ctx context.Context) ([]FormulaSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.formula_id,
		       COALESCE(c.total, 0),
		       COALESCE(c.succeeded, 0),
		       COALESCE(c.failed, 0),
		       COALESCE(c.stale, 0),
		       COALESCE(c.avg_ms, 0),
		       COALESCE(r.with_results, 0)
		FROM (
			SELECT formula_id FROM calculations
			UNION
			SELECT id FROM formulas
		) f
		LEFT JOIN (
			SELECT formula_id,
			       COUNT(*) AS total,
			       SUM(CASE WHEN stale = 0 AND success = 1 THEN 1 ELSE 0 END) AS succeeded,
			       SUM(CASE WHEN stale = 0 AND success = 0 THEN 1 ELSE 0 END) AS failed,
			       SUM(stale) AS stale,
			       AVG(CASE WHEN stale = 0 THEN execution_time_ms END) AS avg_ms
			FROM calculations
			GROUP BY formula_id
		) c ON c.formula_id = f.formula_id
		LEFT JOIN (
			SELECT formula_id, COUNT(*) AS with_results
			FROM saved_rows
			WHERE result IS NOT NULL
			GROUP BY formula_id
		) r ON r.formula_id = f.formula_id
		ORDER BY f.formula_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query results by formula: %w", err)
	}
	defer rows.Close()

	summaries := []FormulaSummary{}
	for rows.Next() {
		var sum FormulaSummary
		if err := rows.Scan(&sum.FormulaID, &sum.Calculations, &sum.Succeeded, &sum.Failed,
			&sum.Stale, &sum.AverageTimeMs, &sum.RowsWithResults); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return summaries, nil
}
