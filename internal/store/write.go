package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/formulabench/internal/ir"
)

// SaveFormula records the metadata of an activated formula. Saving a formula
// whose source hash changed drops its saved rows, since they were computed
// by a different body.
func (s *Store) SaveFormula(ctx context.Context, schema ir.FormulaSchema, rowCount int, savedAt time.Time) error {
	inputsJSON, err := marshalInputs(schema.Inputs)
	if err != nil {
		return fmt.Errorf("save formula: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save formula: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT source_hash FROM formulas WHERE id = ?`, schema.ID).Scan(&previous)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("save formula: query previous: %w", err)
	case previous != schema.SourceHash:
		if _, err := tx.ExecContext(ctx, `DELETE FROM saved_rows WHERE formula_id = ?`, schema.ID); err != nil {
			return fmt.Errorf("save formula: drop stale rows: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO formulas
		(id, name, description, body, inputs, source_hash, row_count, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			body = excluded.body,
			inputs = excluded.inputs,
			source_hash = excluded.source_hash,
			row_count = excluded.row_count,
			saved_at = excluded.saved_at
	`,
		schema.ID,
		schema.Name,
		schema.Description,
		schema.Body,
		inputsJSON,
		schema.SourceHash,
		rowCount,
		formatTime(savedAt),
	)
	if err != nil {
		return fmt.Errorf("save formula: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save formula: commit: %w", err)
	}
	return nil
}

// SaveRows replaces the saved snapshot of a formula's rows. The formula must
// have been saved first (foreign key constraint). Row order is preserved.
func (s *Store) SaveRows(ctx context.Context, formulaID string, rows []ir.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save rows: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM saved_rows WHERE formula_id = ?`, formulaID); err != nil {
		return fmt.Errorf("save rows: clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO saved_rows
		(formula_id, row_id, position, input_values, result, error, execution_time_ms, is_valid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save rows: prepare: %w", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		valuesJSON, err := marshalValues(r.Values)
		if err != nil {
			return fmt.Errorf("save rows: row %s: %w", r.ID, err)
		}
		resultJSON, err := marshalValue(r.Result)
		if err != nil {
			return fmt.Errorf("save rows: row %s: %w", r.ID, err)
		}

		var ms sql.NullFloat64
		if r.ExecutionTimeMs != nil {
			ms = sql.NullFloat64{Float64: *r.ExecutionTimeMs, Valid: true}
		}
		var valid sql.NullInt64
		if r.IsValid != nil {
			valid = sql.NullInt64{Int64: int64(boolToInt(*r.IsValid)), Valid: true}
		}

		if _, err := stmt.ExecContext(ctx, formulaID, r.ID, i, valuesJSON, resultJSON, r.Error, ms, valid); err != nil {
			return fmt.Errorf("save rows: row %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save rows: commit: %w", err)
	}
	return nil
}

// AppendCellUpdate inserts a cell-update event.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) AppendCellUpdate(ctx context.Context, ev ir.CellUpdateEvent) error {
	valueJSON, err := marshalValue(ev.Value)
	if err != nil {
		return fmt.Errorf("append cell update: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cell_updates
		(id, formula_id, row_id, column_id, value, is_valid, seq, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.FormulaID,
		ev.RowID,
		ev.ColumnID,
		valueJSON,
		boolToInt(ev.IsValid),
		ev.Seq,
		formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append cell update: %w", err)
	}
	return nil
}

// AppendCalculation inserts a calculation event.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) AppendCalculation(ctx context.Context, ev ir.CalculationEvent) error {
	resultJSON, err := marshalValue(ev.Result)
	if err != nil {
		return fmt.Errorf("append calculation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calculations
		(id, formula_id, row_id, trigger_kind, success, result, error, execution_time_ms, input_hash, stale, seq, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.FormulaID,
		ev.RowID,
		string(ev.Trigger),
		boolToInt(ev.Success),
		resultJSON,
		ev.Error,
		ev.ExecutionTimeMs,
		ev.InputHash,
		boolToInt(ev.Stale),
		ev.Seq,
		formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append calculation: %w", err)
	}
	return nil
}

// DeleteFormula removes a formula, its saved rows and both event logs.
// Deleting an unknown formula is not an error.
func (s *Store) DeleteFormula(ctx context.Context, formulaID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete formula: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, q := range []string{
		`DELETE FROM cell_updates WHERE formula_id = ?`,
		`DELETE FROM calculations WHERE formula_id = ?`,
		`DELETE FROM formulas WHERE id = ?`, // rows cascade
	} {
		if _, err := tx.ExecContext(ctx, q, formulaID); err != nil {
			return fmt.Errorf("delete formula: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete formula: commit: %w", err)
	}
	return nil
}
