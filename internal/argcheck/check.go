package argcheck

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/formulabench/internal/ir"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindMissing    Kind = "missing"
	KindShape      Kind = "shape"
	KindType       Kind = "type"
	KindConstraint Kind = "constraint"
)

// ValidationError reports the first offending path.
type ValidationError struct {
	Path   string `json:"path"`
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// IsConstraint reports whether err is a constraint violation.
func IsConstraint(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Kind == KindConstraint
}

// PreArgsCheck reports whether inputs satisfy the required-field and shape
// rules of schema. See Check.
func PreArgsCheck(schema ir.FormulaSchema, inputs ir.IRObject) bool {
	return Check(schema, inputs) == nil
}

// Check walks schema inputs in declaration order and returns the first
// violation:
//   - a nullable input is skipped entirely
//   - a missing (null or undefined) non-nullable value fails immediately
//   - an array input must hold an array; every element is checked with the
//     element type under "name[i]"
//   - an object input with declared properties must hold an object and
//     recurses under "parent.child"
//   - scalar values must match the base type after coercion
//
// Checking stops at the first failure so error reporting is deterministic.
func Check(schema ir.FormulaSchema, inputs ir.IRObject) error {
	for _, def := range schema.Inputs {
		if def.Type.Nullable {
			continue
		}
		if err := checkValue(def.Type, inputs[def.Name], def.Name); err != nil {
			slog.Debug("argument check failed",
				"formula", schema.ID,
				"path", err.Path,
				"reason", err.Reason,
			)
			return err
		}
	}
	return nil
}

func checkValue(t ir.FactorType, v ir.IRValue, path string) *ValidationError {
	if ir.IsNull(v) {
		if t.Nullable {
			return nil
		}
		return &ValidationError{Path: path, Kind: KindMissing, Reason: "required value is missing"}
	}

	if t.Array {
		arr, ok := v.(ir.IRArray)
		if !ok {
			return &ValidationError{Path: path, Kind: KindShape, Reason: "expected array"}
		}
		elem := t.Element()
		for i, e := range arr {
			if err := checkValue(elem, e, indexPath(path, i)); err != nil {
				return err
			}
		}
		return nil
	}

	switch t.BaseType {
	case ir.BaseObject:
		obj, ok := v.(ir.IRObject)
		if !ok {
			return &ValidationError{Path: path, Kind: KindShape, Reason: "expected object"}
		}
		for _, p := range t.Properties {
			if err := checkValue(p.Type, obj[p.Name], propPath(path, p.Name)); err != nil {
				return err
			}
		}
	case ir.BaseNumber:
		if _, ok := v.(ir.IRNumber); !ok {
			return &ValidationError{Path: path, Kind: KindType, Reason: fmt.Sprintf("expected number, got %q", ir.String(v))}
		}
	case ir.BaseBoolean:
		if _, ok := v.(ir.IRBool); !ok {
			return &ValidationError{Path: path, Kind: KindType, Reason: "expected boolean"}
		}
	case ir.BaseString:
		if _, ok := v.(ir.IRString); !ok {
			return &ValidationError{Path: path, Kind: KindType, Reason: "expected string"}
		}
	}
	return nil
}
