package compiler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/roach88/formulabench/internal/ir"
)

// bodyFunctions is the function table available to formula bodies.
var bodyFunctions = map[string]function.Function{
	"abs":       stdlib.AbsoluteFunc,
	"ceil":      stdlib.CeilFunc,
	"floor":     stdlib.FloorFunc,
	"log":       stdlib.LogFunc,
	"max":       stdlib.MaxFunc,
	"min":       stdlib.MinFunc,
	"pow":       stdlib.PowFunc,
	"signum":    stdlib.SignumFunc,
	"int":       stdlib.IntFunc,
	"parseint":  stdlib.ParseIntFunc,
	"upper":     stdlib.UpperFunc,
	"lower":     stdlib.LowerFunc,
	"strlen":    stdlib.StrlenFunc,
	"substr":    stdlib.SubstrFunc,
	"join":      stdlib.JoinFunc,
	"trimspace": stdlib.TrimSpaceFunc,
	"length":    stdlib.LengthFunc,
	"coalesce":  stdlib.CoalesceFunc,
	"concat":    stdlib.ConcatFunc,
	"contains":  stdlib.ContainsFunc,
	"keys":      stdlib.KeysFunc,
	"lookup":    stdlib.LookupFunc,
	"format":    stdlib.FormatFunc,
	"sum":       sumFunc,
	"round":     roundFunc,
	"fail":      failFunc,
}

// FunctionNames returns the names callable from a formula body, sorted.
func FunctionNames() []string {
	names := make([]string, 0, len(bodyFunctions))
	for name := range bodyFunctions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sumFunc adds numbers. Each argument is a number or a collection of
// numbers; nulls are rejected.
var sumFunc = function.New(&function.Spec{
	VarParam: &function.Parameter{
		Name: "values",
		Type: cty.DynamicPseudoType,
	},
	Type: function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		total := cty.Zero
		var add func(v cty.Value) error
		add = func(v cty.Value) error {
			if v.IsNull() {
				return errors.New("sum: null value")
			}
			ty := v.Type()
			switch {
			case ty == cty.Number:
				total = total.Add(v)
				return nil
			case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
				for it := v.ElementIterator(); it.Next(); {
					_, elem := it.Element()
					if err := add(elem); err != nil {
						return err
					}
				}
				return nil
			default:
				return fmt.Errorf("sum: expected number, got %s", ty.FriendlyName())
			}
		}
		for _, arg := range args {
			if err := add(arg); err != nil {
				return cty.NilVal, err
			}
		}
		return total, nil
	},
})

// roundFunc rounds half away from zero to the given number of decimal places.
var roundFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "num", Type: cty.Number},
		{Name: "places", Type: cty.Number},
	},
	Type: function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		f, _ := args[0].AsBigFloat().Float64()
		places, _ := args[1].AsBigFloat().Int64()
		scale := math.Pow(10, float64(places))
		return cty.NumberFloatVal(math.Round(f*scale) / scale), nil
	},
})

// failFunc aborts evaluation with a message. Bodies use it to reject inputs
// the type schema cannot express.
var failFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "message", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.DynamicPseudoType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		return cty.NilVal, errors.New(args[0].AsString())
	},
})

// parseBody parses a formula body as an HCL expression.
func parseBody(schema ir.FormulaSchema) (hclsyntax.Expression, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(schema.Body), schema.ID, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse body: %s", diags.Error())
	}
	return expr, nil
}

// bodyReferences returns the root variable names and the function names a
// body refers to, each sorted and deduplicated.
func bodyReferences(expr hclsyntax.Expression) (vars, funcs []string) {
	seenVars := map[string]bool{}
	for _, traversal := range expr.Variables() {
		root := traversal.RootName()
		if !seenVars[root] {
			seenVars[root] = true
			vars = append(vars, root)
		}
	}

	seenFuncs := map[string]bool{}
	hclsyntax.VisitAll(expr, func(node hclsyntax.Node) hcl.Diagnostics {
		if call, ok := node.(*hclsyntax.FunctionCallExpr); ok && !seenFuncs[call.Name] {
			seenFuncs[call.Name] = true
			funcs = append(funcs, call.Name)
		}
		return nil
	})

	sort.Strings(vars)
	sort.Strings(funcs)
	return vars, funcs
}

// CompileBody turns a formula body into an executable artifact. Arguments are
// bound to the schema's inputs by position. The returned Invocable holds no
// mutable state and is safe for concurrent use.
func CompileBody(schema ir.FormulaSchema) (ir.Invocable, error) {
	expr, err := parseBody(schema)
	if err != nil {
		return nil, &CompileError{Field: "body", Message: err.Error()}
	}

	declared := make(map[string]bool, len(schema.Inputs))
	for _, in := range schema.Inputs {
		declared[in.Name] = true
	}
	vars, funcs := bodyReferences(expr)
	for _, name := range vars {
		if !declared[name] {
			return nil, &CompileError{Field: "body", Message: fmt.Sprintf("undeclared input %q", name)}
		}
	}
	for _, name := range funcs {
		if _, ok := bodyFunctions[name]; !ok {
			return nil, &CompileError{Field: "body", Message: fmt.Sprintf("unknown function %q", name)}
		}
	}

	names := schema.InputNames()
	return func(ctx context.Context, args []ir.IRValue) (ir.IRValue, error) {
		if len(args) != len(names) {
			return nil, fmt.Errorf("expected %d arguments, got %d", len(names), len(args))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		variables := make(map[string]cty.Value, len(names))
		for i, name := range names {
			v, err := toCty(args[i])
			if err != nil {
				return nil, fmt.Errorf("argument %s: %w", name, err)
			}
			variables[name] = v
		}

		out, diags := expr.Value(&hcl.EvalContext{
			Variables: variables,
			Functions: bodyFunctions,
		})
		if diags.HasErrors() {
			return nil, errors.New(diags.Error())
		}
		return fromCty(out)
	}, nil
}

// toCty converts an IRValue into a cty value for evaluation. Undefined and
// null both become a dynamic null.
func toCty(v ir.IRValue) (cty.Value, error) {
	switch val := v.(type) {
	case nil, ir.IRNull:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case ir.IRString:
		return cty.StringVal(string(val)), nil
	case ir.IRNumber:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return cty.NilVal, fmt.Errorf("non-finite number %v", f)
		}
		return cty.NumberFloatVal(f), nil
	case ir.IRBool:
		return cty.BoolVal(bool(val)), nil
	case ir.IRArray:
		elems := make([]cty.Value, len(val))
		for i, elem := range val {
			c, err := toCty(elem)
			if err != nil {
				return cty.NilVal, fmt.Errorf("[%d]: %w", i, err)
			}
			elems[i] = c
		}
		return cty.TupleVal(elems), nil
	case ir.IRObject:
		attrs := make(map[string]cty.Value, len(val))
		for k, elem := range val {
			c, err := toCty(elem)
			if err != nil {
				return cty.NilVal, fmt.Errorf(".%s: %w", k, err)
			}
			attrs[k] = c
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported value type %T", v)
	}
}

// fromCty converts an evaluation result back into an IRValue. Non-finite
// numbers (e.g. division by zero) are errors.
func fromCty(v cty.Value) (ir.IRValue, error) {
	if !v.IsKnown() {
		return nil, errors.New("result is not known")
	}
	if v.IsNull() {
		return ir.IRNull{}, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return ir.IRString(v.AsString()), nil
	case ty == cty.Bool:
		return ir.IRBool(v.True()), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInf() {
			return nil, errors.New("result is not a finite number")
		}
		f, acc := bf.Float64()
		if math.IsInf(f, 0) && acc != big.Exact {
			return nil, errors.New("result overflows float64")
		}
		return ir.IRNumber(f), nil
	case ty.IsObjectType() || ty.IsMapType():
		obj := ir.IRObject{}
		for it := v.ElementIterator(); it.Next(); {
			k, elem := it.Element()
			conv, err := fromCty(elem)
			if err != nil {
				return nil, err
			}
			obj[k.AsString()] = conv
		}
		return obj, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		arr := ir.IRArray{}
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			conv, err := fromCty(elem)
			if err != nil {
				return nil, err
			}
			arr = append(arr, conv)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported result type %s", ty.FriendlyName())
	}
}
