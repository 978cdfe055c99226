package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/formulabench/internal/ir"
)

// tsLayout is the TEXT encoding of timestamps.
const tsLayout = time.RFC3339Nano

// marshalValues converts a row's flattened values to canonical JSON TEXT.
func marshalValues(values ir.IRObject) (string, error) {
	if values == nil {
		values = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(values)
	if err != nil {
		return "", fmt.Errorf("marshal values: %w", err)
	}
	return string(data), nil
}

// marshalValue converts a single value to canonical JSON TEXT. An undefined
// (nil) value maps to SQL NULL.
func marshalValue(v ir.IRValue) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal value: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// marshalInputs converts factor definitions to JSON TEXT. Inputs are stored
// for inspection only and never read back into a schema.
func marshalInputs(inputs []ir.FactorDef) (string, error) {
	if inputs == nil {
		inputs = []ir.FactorDef{}
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal inputs: %w", err)
	}
	return string(data), nil
}

// unmarshalValues parses canonical JSON TEXT to IRObject.
// Uses ir.IRObject.UnmarshalJSON, which keeps large integers exact via
// json.Number.
func unmarshalValues(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal values: %w", err)
	}
	return obj, nil
}

// unmarshalValue parses a nullable JSON column. SQL NULL yields nil.
func unmarshalValue(data sql.NullString) (ir.IRValue, error) {
	if !data.Valid {
		return nil, nil
	}
	v, err := ir.ParseJSON([]byte(data.String))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
