package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formulabench/internal/ir"
)

func ptr(f float64) *float64 { return &f }

func validSchema() *ir.FormulaSchema {
	return &ir.FormulaSchema{
		ID:   "bmi",
		Name: "Body mass index",
		Inputs: []ir.FactorDef{
			{Name: "weight", Type: ir.FactorType{
				BaseType:    ir.BaseNumber,
				Constraints: &ir.Constraints{Min: ptr(0)},
			}},
			{Name: "height", Type: ir.FactorType{BaseType: ir.BaseNumber}, Default: ir.IRNumber(1.75)},
		},
		Body: "weight / (height * height)",
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateFormulaValid(t *testing.T) {
	assert.Empty(t, Validate(validSchema()))
	assert.Empty(t, Validate(*validSchema()), "value form is accepted too")
}

func TestValidateUnsupportedType(t *testing.T) {
	errs := Validate("not a schema")
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnsupportedIRType, errs[0].Code)
}

func TestValidateFormulaErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *ir.FormulaSchema)
		want   []string
	}{
		{
			name:   "empty body",
			mutate: func(s *ir.FormulaSchema) { s.Body = "  " },
			want:   []string{ErrBodyEmpty},
		},
		{
			name:   "bad id",
			mutate: func(s *ir.FormulaSchema) { s.ID = "has space" },
			want:   []string{ErrInvalidIdentifier},
		},
		{
			name: "duplicate input",
			mutate: func(s *ir.FormulaSchema) {
				s.Inputs = append(s.Inputs, s.Inputs[0])
			},
			want: []string{ErrDuplicateName},
		},
		{
			name:   "invalid input name",
			mutate: func(s *ir.FormulaSchema) { s.Inputs[1].Name = "2height" },
			want:   []string{ErrInvalidIdentifier, ErrUndeclaredInput},
		},
		{
			name:   "float base type",
			mutate: func(s *ir.FormulaSchema) { s.Inputs[1].Type.BaseType = "float" },
			want:   []string{ErrInvalidBaseType, ErrDefaultMismatch},
		},
		{
			name: "properties on number",
			mutate: func(s *ir.FormulaSchema) {
				s.Inputs[1].Type.Properties = []ir.FactorDef{{Name: "x", Type: ir.FactorType{BaseType: ir.BaseNumber}}}
			},
			want: []string{ErrPropertiesMisplace},
		},
		{
			name: "min greater than max",
			mutate: func(s *ir.FormulaSchema) {
				s.Inputs[0].Type.Constraints = &ir.Constraints{Min: ptr(5), Max: ptr(1)}
			},
			want: []string{ErrInvalidConstraint},
		},
		{
			name: "pattern on number",
			mutate: func(s *ir.FormulaSchema) {
				s.Inputs[0].Type.Constraints = &ir.Constraints{Pattern: "^a$"}
			},
			want: []string{ErrInvalidConstraint},
		},
		{
			name: "default mismatch",
			mutate: func(s *ir.FormulaSchema) {
				s.Inputs[1].Default = ir.IRString("tall")
			},
			want: []string{ErrDefaultMismatch},
		},
		{
			name:   "undeclared input",
			mutate: func(s *ir.FormulaSchema) { s.Body = "weight / age" },
			want:   []string{ErrUndeclaredInput},
		},
		{
			name:   "unknown function",
			mutate: func(s *ir.FormulaSchema) { s.Body = "sqrt(weight)" },
			want:   []string{ErrUnknownFunction},
		},
		{
			name:   "syntax error",
			mutate: func(s *ir.FormulaSchema) { s.Body = "weight /" },
			want:   []string{ErrBodySyntax},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSchema()
			tt.mutate(s)
			assert.Equal(t, tt.want, codes(Validate(s)))
		})
	}
}

func TestValidateNestedProperties(t *testing.T) {
	s := &ir.FormulaSchema{
		ID: "order",
		Inputs: []ir.FactorDef{{
			Name: "items",
			Type: ir.FactorType{
				BaseType: ir.BaseObject,
				Array:    true,
				Properties: []ir.FactorDef{
					{Name: "qty", Type: ir.FactorType{BaseType: ir.BaseNumber}},
					{Name: "qty", Type: ir.FactorType{BaseType: "decimal"}},
				},
			},
		}},
		Body: "length(items)",
	}

	errs := Validate(s)
	require.Len(t, errs, 2)
	assert.Equal(t, "inputs[0].properties[1].name", errs[0].Field)
	assert.Equal(t, ErrDuplicateName, errs[0].Code)
	assert.Equal(t, "inputs[0].properties[1].base", errs[1].Field)
	assert.Equal(t, ErrInvalidBaseType, errs[1].Code)
}

func TestValidateSyntaxErrorHasLine(t *testing.T) {
	s := validSchema()
	s.Body = "weight +\n\n*"

	errs := Validate(s)
	require.NotEmpty(t, errs)
	assert.Equal(t, ErrBodySyntax, errs[0].Code)
	assert.Positive(t, errs[0].Line)
	assert.Contains(t, errs[0].Error(), "line")
}

func TestValueFits(t *testing.T) {
	obj := ir.FactorType{
		BaseType:   ir.BaseObject,
		Properties: []ir.FactorDef{{Name: "n", Type: ir.FactorType{BaseType: ir.BaseNumber}}},
	}

	tests := []struct {
		name string
		t    ir.FactorType
		v    ir.IRValue
		want bool
	}{
		{"number", ir.FactorType{BaseType: ir.BaseNumber}, ir.IRNumber(1), true},
		{"string for number", ir.FactorType{BaseType: ir.BaseNumber}, ir.IRString("1"), false},
		{"null nullable", ir.FactorType{BaseType: ir.BaseString, Nullable: true}, ir.IRNull{}, true},
		{"null required", ir.FactorType{BaseType: ir.BaseString}, ir.IRNull{}, false},
		{"bool array", ir.FactorType{BaseType: ir.BaseBoolean, Array: true}, ir.IRArray{ir.IRBool(true)}, true},
		{"mixed array", ir.FactorType{BaseType: ir.BaseBoolean, Array: true}, ir.IRArray{ir.IRBool(true), ir.IRNumber(1)}, false},
		{"object", obj, ir.IRObject{"n": ir.IRNumber(2)}, true},
		{"object partial", obj, ir.IRObject{}, true},
		{"object wrong property", obj, ir.IRObject{"n": ir.IRString("x")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valueFits(tt.t, tt.v))
		})
	}
}
