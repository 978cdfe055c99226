package argcheck

import (
	"fmt"
	"regexp"
	"slices"
	"sync"

	"github.com/roach88/formulabench/internal/ir"
)

var patternCache sync.Map // string -> *regexp.Regexp

func compilePattern(p string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	patternCache.Store(p, re)
	return re, nil
}

// CheckConstraints checks min/max, pattern and enum constraints on every
// present value, nullable inputs included. Missing values are Check's
// concern and are ignored here. Returns the first violation.
func CheckConstraints(schema ir.FormulaSchema, inputs ir.IRObject) error {
	for _, def := range schema.Inputs {
		if err := constrainValue(def.Type, inputs[def.Name], def.Name); err != nil {
			return err
		}
	}
	return nil
}

func constrainValue(t ir.FactorType, v ir.IRValue, path string) *ValidationError {
	if ir.IsNull(v) {
		return nil
	}

	if t.Array {
		arr, ok := v.(ir.IRArray)
		if !ok {
			return nil
		}
		elem := t.Element()
		for i, e := range arr {
			if err := constrainValue(elem, e, indexPath(path, i)); err != nil {
				return err
			}
		}
		return nil
	}

	if t.BaseType == ir.BaseObject {
		obj, ok := v.(ir.IRObject)
		if !ok {
			return nil
		}
		for _, p := range t.Properties {
			if err := constrainValue(p.Type, obj[p.Name], propPath(path, p.Name)); err != nil {
				return err
			}
		}
		return nil
	}

	c := t.Constraints
	if c == nil {
		return nil
	}
	violation := func(format string, args ...any) *ValidationError {
		return &ValidationError{Path: path, Kind: KindConstraint, Reason: fmt.Sprintf(format, args...)}
	}

	if n, ok := v.(ir.IRNumber); ok {
		if c.Min != nil && float64(n) < *c.Min {
			return violation("must be >= %s", ir.String(ir.IRNumber(*c.Min)))
		}
		if c.Max != nil && float64(n) > *c.Max {
			return violation("must be <= %s", ir.String(ir.IRNumber(*c.Max)))
		}
	}
	if s, ok := v.(ir.IRString); ok && c.Pattern != "" {
		re, err := compilePattern(c.Pattern)
		if err != nil {
			return violation("invalid pattern %q: %v", c.Pattern, err)
		}
		if !re.MatchString(string(s)) {
			return violation("must match %q", c.Pattern)
		}
	}
	if len(c.Enum) > 0 && !slices.Contains(c.Enum, ir.String(v)) {
		return violation("must be one of %v", c.Enum)
	}
	return nil
}
