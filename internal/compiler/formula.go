package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/formulabench/internal/ir"
)

// CompileFormula parses a CUE value into a FormulaSchema.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the formula struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`formula: bmi: { ... }`)
//	schema, err := CompileFormula(v.LookupPath(cue.ParsePath("formula.bmi")))
//
// The returned schema carries its SourceHash. Structural checks beyond
// parsing are done by Validate.
func CompileFormula(v cue.Value) (*ir.FormulaSchema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := &ir.FormulaSchema{}

	// Formula id comes from the struct label
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		schema.ID = unquoteLabel(labels[len(labels)-1].String())
	}

	name, err := optionalString(v, "name")
	if err != nil {
		return nil, err
	}
	schema.Name = name
	if schema.Name == "" {
		schema.Name = schema.ID
	}

	schema.Description, err = optionalString(v, "description")
	if err != nil {
		return nil, err
	}

	// Body (required)
	bodyVal := v.LookupPath(cue.ParsePath("body"))
	if !bodyVal.Exists() {
		return nil, &CompileError{
			Field:   "body",
			Message: "body is required",
			Pos:     v.Pos(),
		}
	}
	schema.Body, err = bodyVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}

	inputsVal := v.LookupPath(cue.ParsePath("inputs"))
	if inputsVal.Exists() {
		schema.Inputs, err = parseFactors(inputsVal, "inputs")
		if err != nil {
			return nil, err
		}
	}

	schema.SourceHash, err = ir.SourceHash(*schema)
	if err != nil {
		return nil, fmt.Errorf("formula %s: %w", schema.ID, err)
	}
	return schema, nil
}

// LoadFormulas compiles every formula under the top-level "formula" field,
// in source order.
func LoadFormulas(v cue.Value) ([]ir.FormulaSchema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	formulasVal := v.LookupPath(cue.ParsePath("formula"))
	if !formulasVal.Exists() {
		return nil, nil
	}

	iter, err := formulasVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []ir.FormulaSchema
	for iter.Next() {
		schema, err := CompileFormula(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("formula %s: %w", iter.Selector().String(), err)
		}
		out = append(out, *schema)
	}
	return out, nil
}

// parseFactors parses a CUE list of factor declarations.
func parseFactors(v cue.Value, field string) ([]ir.FactorDef, error) {
	iter, err := v.List()
	if err != nil {
		return nil, &CompileError{
			Field:   field,
			Message: "must be a list of factor declarations",
			Pos:     v.Pos(),
		}
	}

	var defs []ir.FactorDef
	for i := 0; iter.Next(); i++ {
		def, err := parseFactor(iter.Value(), fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func parseFactor(v cue.Value, field string) (ir.FactorDef, error) {
	var def ir.FactorDef

	nameVal := v.LookupPath(cue.ParsePath("name"))
	if !nameVal.Exists() {
		return def, &CompileError{
			Field:   field + ".name",
			Message: "name is required",
			Pos:     v.Pos(),
		}
	}
	name, err := nameVal.String()
	if err != nil {
		return def, formatCUEError(err)
	}
	def.Name = name

	base, err := optionalString(v, "base")
	if err != nil {
		return def, err
	}
	if base == "" {
		return def, &CompileError{
			Field:   field + ".base",
			Message: fmt.Sprintf("base type is required for %q", name),
			Pos:     v.Pos(),
		}
	}
	def.Type.BaseType = ir.BaseType(base)

	if def.Type.Nullable, err = optionalBool(v, "nullable"); err != nil {
		return def, err
	}
	if def.Type.Array, err = optionalBool(v, "array"); err != nil {
		return def, err
	}

	propsVal := v.LookupPath(cue.ParsePath("properties"))
	if propsVal.Exists() {
		def.Type.Properties, err = parseFactors(propsVal, field+".properties")
		if err != nil {
			return def, err
		}
	}

	consVal := v.LookupPath(cue.ParsePath("constraints"))
	if consVal.Exists() {
		def.Type.Constraints, err = parseConstraints(consVal, field+".constraints")
		if err != nil {
			return def, err
		}
	}

	defVal := v.LookupPath(cue.ParsePath("default"))
	if defVal.Exists() {
		def.Default, err = cueToIR(defVal)
		if err != nil {
			return def, err
		}
	}

	return def, nil
}

func parseConstraints(v cue.Value, field string) (*ir.Constraints, error) {
	c := &ir.Constraints{}

	for _, bound := range []struct {
		name string
		dst  **float64
	}{{"min", &c.Min}, {"max", &c.Max}} {
		bv := v.LookupPath(cue.ParsePath(bound.name))
		if !bv.Exists() {
			continue
		}
		f, err := bv.Float64()
		if err != nil {
			return nil, &CompileError{
				Field:   field + "." + bound.name,
				Message: "must be a number",
				Pos:     bv.Pos(),
			}
		}
		*bound.dst = &f
	}

	pattern, err := optionalString(v, "pattern")
	if err != nil {
		return nil, err
	}
	c.Pattern = pattern

	enumVal := v.LookupPath(cue.ParsePath("enum"))
	if enumVal.Exists() {
		iter, err := enumVal.List()
		if err != nil {
			return nil, &CompileError{
				Field:   field + ".enum",
				Message: "must be a list of strings",
				Pos:     enumVal.Pos(),
			}
		}
		for iter.Next() {
			s, err := iter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			c.Enum = append(c.Enum, s)
		}
	}

	return c, nil
}

// cueToIR converts a concrete CUE value into an IRValue.
func cueToIR(v cue.Value) (ir.IRValue, error) {
	switch v.Kind() {
	case cue.NullKind:
		return ir.IRNull{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRBool(b), nil
	case cue.IntKind, cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRNumber(f), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRString(s), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.IRArray{}
		for iter.Next() {
			elem, err := cueToIR(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.IRObject{}
		for iter.Next() {
			elem, err := cueToIR(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[unquoteLabel(iter.Selector().String())] = elem
		}
		return obj, nil
	default:
		return nil, &CompileError{
			Field:   "default",
			Message: fmt.Sprintf("default must be concrete, got %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, field string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

// unquoteLabel strips the quotes CUE puts around labels that are not
// identifiers, e.g. "unit-price".
func unquoteLabel(label string) string {
	if len(label) >= 2 && label[0] == '"' && label[len(label)-1] == '"' {
		return label[1 : len(label)-1]
	}
	return label
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
