package argcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formulabench/internal/ir"
)

func num() ir.FactorType  { return ir.FactorType{BaseType: ir.BaseNumber} }
func str() ir.FactorType  { return ir.FactorType{BaseType: ir.BaseString} }
func flag() ir.FactorType { return ir.FactorType{BaseType: ir.BaseBoolean} }

func object(props ...ir.FactorDef) ir.FactorType {
	return ir.FactorType{BaseType: ir.BaseObject, Properties: props}
}

func nullable(t ir.FactorType) ir.FactorType {
	t.Nullable = true
	return t
}

func array(t ir.FactorType) ir.FactorType {
	t.Array = true
	return t
}

func def(name string, t ir.FactorType) ir.FactorDef {
	return ir.FactorDef{Name: name, Type: t}
}

// nestedSchema is {a: number, b: {c: string}}, all required.
func nestedSchema() ir.FormulaSchema {
	return ir.FormulaSchema{
		ID: "nested",
		Inputs: []ir.FactorDef{
			def("a", num()),
			def("b", object(def("c", str()))),
		},
	}
}

func TestPreArgsCheck_NestedMissingShortCircuits(t *testing.T) {
	schema := nestedSchema()
	inputs := ir.IRObject{"a": ir.IRNumber(1), "b": ir.IRObject{}}

	assert.False(t, PreArgsCheck(schema, inputs))

	err := Check(schema, inputs)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "b.c", ve.Path)
	assert.Equal(t, KindMissing, ve.Kind)
}

func TestCheck_FirstFailureInDeclarationOrder(t *testing.T) {
	schema := nestedSchema()

	err := Check(schema, ir.IRObject{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "a", ve.Path, "a is declared first, b is never checked")
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		schema   ir.FormulaSchema
		inputs   ir.IRObject
		wantPath string
		wantKind Kind
	}{
		{
			name:   "valid nested",
			schema: nestedSchema(),
			inputs: ir.IRObject{"a": ir.IRNumber(1), "b": ir.IRObject{"c": ir.IRString("x")}},
		},
		{
			name:   "nullable input skipped",
			schema: ir.FormulaSchema{Inputs: []ir.FactorDef{def("a", nullable(num()))}},
			inputs: ir.IRObject{},
		},
		{
			name:   "empty string satisfies required string",
			schema: ir.FormulaSchema{Inputs: []ir.FactorDef{def("s", str())}},
			inputs: ir.IRObject{"s": ir.IRString("")},
		},
		{
			name:     "explicit null on required",
			schema:   ir.FormulaSchema{Inputs: []ir.FactorDef{def("a", num())}},
			inputs:   ir.IRObject{"a": ir.IRNull{}},
			wantPath: "a",
			wantKind: KindMissing,
		},
		{
			name:     "scalar where object expected",
			schema:   nestedSchema(),
			inputs:   ir.IRObject{"a": ir.IRNumber(1), "b": ir.IRString("x")},
			wantPath: "b",
			wantKind: KindShape,
		},
		{
			name:     "non-numeric string for number",
			schema:   ir.FormulaSchema{Inputs: []ir.FactorDef{def("a", num())}},
			inputs:   ir.IRObject{"a": ir.IRString("abc")},
			wantPath: "a",
			wantKind: KindType,
		},
		{
			name:   "nullable nested property may be missing",
			schema: ir.FormulaSchema{Inputs: []ir.FactorDef{def("o", object(def("x", nullable(num())), def("y", num())))}},
			inputs: ir.IRObject{"o": ir.IRObject{"y": ir.IRNumber(2)}},
		},
		{
			name: "array of objects checked per element",
			schema: ir.FormulaSchema{Inputs: []ir.FactorDef{
				def("items", array(object(def("x", num())))),
			}},
			inputs: ir.IRObject{"items": ir.IRArray{
				ir.IRObject{"x": ir.IRNumber(1)},
				ir.IRObject{"x": ir.IRNumber(2)},
				ir.IRObject{},
			}},
			wantPath: "items[2].x",
			wantKind: KindMissing,
		},
		{
			name:     "array expected",
			schema:   ir.FormulaSchema{Inputs: []ir.FactorDef{def("tags", array(str()))}},
			inputs:   ir.IRObject{"tags": ir.IRString("a")},
			wantPath: "tags",
			wantKind: KindShape,
		},
		{
			name:   "empty array is present",
			schema: ir.FormulaSchema{Inputs: []ir.FactorDef{def("tags", array(str()))}},
			inputs: ir.IRObject{"tags": ir.IRArray{}},
		},
		{
			name:     "boolean type",
			schema:   ir.FormulaSchema{Inputs: []ir.FactorDef{def("f", flag())}},
			inputs:   ir.IRObject{"f": ir.IRNumber(1)},
			wantPath: "f",
			wantKind: KindType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.schema, tt.inputs)
			if tt.wantPath == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantPath, ve.Path)
			assert.Equal(t, tt.wantKind, ve.Kind)
		})
	}
}

func TestCheckConstraints(t *testing.T) {
	lo, hi := 0.0, 10.0
	bounded := num()
	bounded.Constraints = &ir.Constraints{Min: &lo, Max: &hi}
	code := str()
	code.Constraints = &ir.Constraints{Pattern: `^[A-Z]{3}$`}
	unit := nullable(str())
	unit.Constraints = &ir.Constraints{Enum: []string{"kg", "lb"}}

	schema := ir.FormulaSchema{Inputs: []ir.FactorDef{
		def("n", bounded),
		def("code", code),
		def("unit", unit),
		def("doses", array(object(def("mg", bounded)))),
	}}

	valid := ir.IRObject{
		"n":     ir.IRNumber(5),
		"code":  ir.IRString("ABC"),
		"doses": ir.IRArray{ir.IRObject{"mg": ir.IRNumber(10)}},
	}
	assert.NoError(t, CheckConstraints(schema, valid))

	tests := []struct {
		name     string
		patch    ir.IRObject
		wantPath string
	}{
		{"below min", ir.IRObject{"n": ir.IRNumber(-1)}, "n"},
		{"above max", ir.IRObject{"n": ir.IRNumber(11)}, "n"},
		{"pattern", ir.IRObject{"code": ir.IRString("abc")}, "code"},
		{"enum on nullable", ir.IRObject{"unit": ir.IRString("g")}, "unit"},
		{"nested in array", ir.IRObject{"doses": ir.IRArray{ir.IRObject{"mg": ir.IRNumber(1)}, ir.IRObject{"mg": ir.IRNumber(99)}}}, "doses[1].mg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs := valid.Clone()
			for k, v := range tt.patch {
				inputs[k] = v
			}
			err := CheckConstraints(schema, inputs)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantPath, ve.Path)
			assert.True(t, IsConstraint(err))
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Path: "b.c", Kind: KindMissing, Reason: "required value is missing"}
	assert.Equal(t, "b.c: required value is missing", err.Error())
	assert.False(t, IsConstraint(err))
}
