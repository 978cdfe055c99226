package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"

	"github.com/roach88/formulabench/internal/ir"
)

// Validation error codes (E200-E299)
const (
	// General validation errors (E200)
	ErrUnsupportedIRType = "E200" // unsupported IR type for validation

	// FormulaSchema errors (E201-E209)
	ErrBodyEmpty          = "E201" // body is required
	ErrDuplicateName      = "E202" // duplicate input/property name
	ErrInvalidBaseType    = "E203" // base type not one of number|string|boolean|object
	ErrPropertiesMisplace = "E204" // properties declared on a non-object factor
	ErrInvalidConstraint  = "E205" // constraint does not fit the factor type
	ErrDefaultMismatch    = "E206" // default value does not match the factor type
	ErrUndeclaredInput    = "E207" // body refers to an undeclared input
	ErrInvalidIdentifier  = "E208" // formula id or factor name is not an identifier
	ErrUnknownFunction    = "E209" // body calls a function that does not exist
	ErrBodySyntax         = "E210" // body does not parse
)

// identPattern matches names usable as HCL variables and flattened path
// segments.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// formulaIDPattern also admits dashes; ids are only used as keys.
var formulaIDPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates a compiled formula against schema rules.
// Returns all errors found (does not fail-fast).
func Validate(v any) []ValidationError {
	switch schema := v.(type) {
	case *ir.FormulaSchema:
		return validateFormula(schema)
	case ir.FormulaSchema:
		return validateFormula(&schema)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

func validateFormula(schema *ir.FormulaSchema) []ValidationError {
	var errs []ValidationError

	// E208: formula id
	if !formulaIDPattern.MatchString(schema.ID) {
		errs = append(errs, ValidationError{
			Field:   "id",
			Message: fmt.Sprintf("invalid formula id %q", schema.ID),
			Code:    ErrInvalidIdentifier,
		})
	}

	errs = append(errs, validateFactors(schema.Inputs, "inputs")...)

	// E201: body is required
	if strings.TrimSpace(schema.Body) == "" {
		errs = append(errs, ValidationError{
			Field:   "body",
			Message: "body is required and must be non-empty",
			Code:    ErrBodyEmpty,
		})
		return errs
	}

	return append(errs, validateBody(schema)...)
}

// validateFactors checks one level of factor declarations and recurses into
// object properties.
func validateFactors(defs []ir.FactorDef, field string) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool, len(defs))

	for i, def := range defs {
		path := fmt.Sprintf("%s[%d]", field, i)

		// E208: names become variables and path segments
		if !identPattern.MatchString(def.Name) {
			errs = append(errs, ValidationError{
				Field:   path + ".name",
				Message: fmt.Sprintf("invalid name %q", def.Name),
				Code:    ErrInvalidIdentifier,
			})
		}

		// E202: duplicate name
		if seen[def.Name] {
			errs = append(errs, ValidationError{
				Field:   path + ".name",
				Message: fmt.Sprintf("duplicate name: %q", def.Name),
				Code:    ErrDuplicateName,
			})
		}
		seen[def.Name] = true

		// E203: base type
		if !ir.ValidBaseTypes[def.Type.BaseType] {
			errs = append(errs, ValidationError{
				Field:   path + ".base",
				Message: fmt.Sprintf("invalid base type %q for %q", def.Type.BaseType, def.Name),
				Code:    ErrInvalidBaseType,
			})
		}

		// E204: properties only on objects
		if len(def.Type.Properties) > 0 {
			if def.Type.BaseType != ir.BaseObject {
				errs = append(errs, ValidationError{
					Field:   path + ".properties",
					Message: fmt.Sprintf("%q has properties but base type %q", def.Name, def.Type.BaseType),
					Code:    ErrPropertiesMisplace,
				})
			} else {
				errs = append(errs, validateFactors(def.Type.Properties, path+".properties")...)
			}
		}

		errs = append(errs, validateConstraints(def, path+".constraints")...)

		// E206: default must fit the declared type
		if def.Default != nil && !valueFits(def.Type, def.Default) {
			errs = append(errs, ValidationError{
				Field:   path + ".default",
				Message: fmt.Sprintf("default %s does not match type of %q", ir.String(def.Default), def.Name),
				Code:    ErrDefaultMismatch,
			})
		}
	}

	return errs
}

func validateConstraints(def ir.FactorDef, field string) []ValidationError {
	c := def.Type.Constraints
	if c == nil {
		return nil
	}

	var errs []ValidationError
	fail := func(msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg, Code: ErrInvalidConstraint})
	}

	if (c.Min != nil || c.Max != nil) && def.Type.BaseType != ir.BaseNumber {
		fail(fmt.Sprintf("min/max on non-number %q", def.Name))
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		fail(fmt.Sprintf("min %v greater than max %v", *c.Min, *c.Max))
	}
	if c.Pattern != "" {
		if def.Type.BaseType != ir.BaseString {
			fail(fmt.Sprintf("pattern on non-string %q", def.Name))
		}
		if _, err := regexp.Compile(c.Pattern); err != nil {
			fail(fmt.Sprintf("invalid pattern: %v", err))
		}
	}
	if len(c.Enum) > 0 && def.Type.BaseType == ir.BaseObject {
		fail(fmt.Sprintf("enum on object %q", def.Name))
	}
	return errs
}

// valueFits reports whether v is a valid value of type t.
func valueFits(t ir.FactorType, v ir.IRValue) bool {
	if ir.IsNull(v) {
		return t.Nullable
	}
	if t.Array {
		arr, ok := v.(ir.IRArray)
		if !ok {
			return false
		}
		elem := t.Element()
		for _, e := range arr {
			if !valueFits(elem, e) {
				return false
			}
		}
		return true
	}

	switch t.BaseType {
	case ir.BaseNumber:
		_, ok := v.(ir.IRNumber)
		return ok
	case ir.BaseString:
		_, ok := v.(ir.IRString)
		return ok
	case ir.BaseBoolean:
		_, ok := v.(ir.IRBool)
		return ok
	case ir.BaseObject:
		obj, ok := v.(ir.IRObject)
		if !ok {
			return false
		}
		for _, p := range t.Properties {
			if pv, present := obj[p.Name]; present && !valueFits(p.Type, pv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// validateBody parses the body and checks its references.
func validateBody(schema *ir.FormulaSchema) []ValidationError {
	expr, diags := hclsyntax.ParseExpression([]byte(schema.Body), schema.ID, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		var errs []ValidationError
		for _, d := range diags.Errs() {
			ve := ValidationError{Field: "body", Message: d.Error(), Code: ErrBodySyntax}
			if diag, ok := d.(*hcl.Diagnostic); ok && diag.Subject != nil {
				ve.Line = diag.Subject.Start.Line
				ve.Message = diag.Summary + ": " + diag.Detail
			}
			errs = append(errs, ve)
		}
		return errs
	}

	declared := make(map[string]bool, len(schema.Inputs))
	for _, in := range schema.Inputs {
		declared[in.Name] = true
	}

	var errs []ValidationError
	vars, funcs := bodyReferences(expr)
	for _, name := range vars {
		if !declared[name] {
			errs = append(errs, ValidationError{
				Field:   "body",
				Message: fmt.Sprintf("undeclared input %q", name),
				Code:    ErrUndeclaredInput,
			})
		}
	}
	for _, name := range funcs {
		if _, ok := bodyFunctions[name]; !ok {
			errs = append(errs, ValidationError{
				Field:   "body",
				Message: fmt.Sprintf("unknown function %q", name),
				Code:    ErrUnknownFunction,
			})
		}
	}
	return errs
}
