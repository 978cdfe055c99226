package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() FormulaSchema {
	return FormulaSchema{
		ID:   "bmi",
		Name: "Body mass index",
		Inputs: []FactorDef{
			{Name: "weight", Type: FactorType{BaseType: BaseNumber}},
			{Name: "height", Type: FactorType{BaseType: BaseNumber}},
		},
		Body: "weight / (height * height)",
	}
}

func TestSourceHashDeterminism(t *testing.T) {
	h1, err := SourceHash(testSchema())
	require.NoError(t, err)
	h2, err := SourceHash(testSchema())
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "SourceHash must be deterministic")
	assert.Len(t, h1, 64, "SHA-256 hex is 64 characters")
}

func TestSourceHashChangesWithDefinition(t *testing.T) {
	base := MustSourceHash(testSchema())

	body := testSchema()
	body.Body = "weight / height"

	reordered := testSchema()
	reordered.Inputs[0], reordered.Inputs[1] = reordered.Inputs[1], reordered.Inputs[0]

	nullable := testSchema()
	nullable.Inputs[0].Type.Nullable = true

	constrained := testSchema()
	lo := 0.0
	constrained.Inputs[0].Type.Constraints = &Constraints{Min: &lo}

	assert.NotEqual(t, base, MustSourceHash(body), "body edit must change hash")
	assert.NotEqual(t, base, MustSourceHash(reordered), "input order must change hash")
	assert.NotEqual(t, base, MustSourceHash(nullable), "nullability must change hash")
	assert.NotEqual(t, base, MustSourceHash(constrained), "constraints must change hash")
}

func TestSourceHashIgnoresDisplayName(t *testing.T) {
	renamed := testSchema()
	renamed.Name = "BMI"
	assert.Equal(t, MustSourceHash(testSchema()), MustSourceHash(renamed))
}

func TestInputHash(t *testing.T) {
	a, err := InputHash(IRObject{"x": IRNumber(1), "y": IRString("a")})
	require.NoError(t, err)
	b, err := InputHash(IRObject{"y": IRString("a"), "x": IRNumber(1)})
	require.NoError(t, err)
	c, err := InputHash(IRObject{"x": IRNumber(2), "y": IRString("a")})
	require.NoError(t, err)

	assert.Equal(t, a, b, "key order must not matter")
	assert.NotEqual(t, a, c)
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, hashWithDomain(DomainSource, data), hashWithDomain(DomainInput, data))
}
