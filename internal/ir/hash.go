package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed hashes.
// Version suffix enables future algorithm migration.
const (
	DomainSource = "formulabench/source/v1"
	DomainInput  = "formulabench/input/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SourceHash computes the identity of a formula's compiled artifact.
//
// The hash covers the body text and the ordered input declarations, so
// renaming, reordering or retyping an input invalidates cached artifacts the
// same way editing the body does.
func SourceHash(schema FormulaSchema) (string, error) {
	inputs := make(IRArray, len(schema.Inputs))
	for i, in := range schema.Inputs {
		inputs[i] = in.describe()
	}

	obj := IRObject{
		"id":     IRString(schema.ID),
		"body":   IRString(schema.Body),
		"inputs": inputs,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("SourceHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSource, canonical), nil
}

// InputHash fingerprints the reconstructed arguments of a calculation.
// Two calculations with the same InputHash against the same SourceHash must
// produce the same result.
func InputHash(inputs IRObject) (string, error) {
	canonical, err := MarshalCanonical(inputs)
	if err != nil {
		return "", fmt.Errorf("InputHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainInput, canonical), nil
}

// MustSourceHash is like SourceHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustSourceHash(schema FormulaSchema) string {
	h, err := SourceHash(schema)
	if err != nil {
		panic(err)
	}
	return h
}

// describe renders a factor definition into a hashable value.
func (d FactorDef) describe() IRValue {
	obj := IRObject{
		"name":     IRString(d.Name),
		"base":     IRString(d.Type.BaseType),
		"nullable": IRBool(d.Type.Nullable),
		"array":    IRBool(d.Type.Array),
	}
	if len(d.Type.Properties) > 0 {
		props := make(IRArray, len(d.Type.Properties))
		for i, p := range d.Type.Properties {
			props[i] = p.describe()
		}
		obj["properties"] = props
	}
	if c := d.Type.Constraints; c != nil {
		cons := IRObject{}
		if c.Min != nil {
			cons["min"] = IRNumber(*c.Min)
		}
		if c.Max != nil {
			cons["max"] = IRNumber(*c.Max)
		}
		if c.Pattern != "" {
			cons["pattern"] = IRString(c.Pattern)
		}
		if len(c.Enum) > 0 {
			enum := make(IRArray, len(c.Enum))
			for i, e := range c.Enum {
				enum[i] = IRString(e)
			}
			cons["enum"] = enum
		}
		obj["constraints"] = cons
	}
	return obj
}
