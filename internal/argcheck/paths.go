package argcheck

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/formulabench/internal/ir"
)

// MaxArrayLength bounds the arrays addressed by indexed cell paths. Lookup
// rejects indices at or past it and Reconstruct ignores such cells.
const MaxArrayLength = 1024

func propPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func indexPath(parent string, i int) string {
	return fmt.Sprintf("%s[%d]", parent, i)
}

// Columns returns the grid columns for schema: one per scalar leaf, in
// declaration order. Arrays are a single column holding the whole list.
func Columns(schema ir.FormulaSchema) []string {
	var cols []string
	for _, def := range schema.Inputs {
		cols = appendColumns(cols, def.Type, def.Name)
	}
	return cols
}

func appendColumns(cols []string, t ir.FactorType, path string) []string {
	if t.Array || !t.IsObject() {
		return append(cols, path)
	}
	for _, p := range t.Properties {
		cols = appendColumns(cols, p.Type, propPath(path, p.Name))
	}
	return cols
}

// Flatten converts a nested argument object into path-keyed cell values,
// one per column of Columns. Undefined values produce no cell. Arrays and
// empty objects are kept whole so that Reconstruct can restore them.
func Flatten(schema ir.FormulaSchema, obj ir.IRObject) ir.IRObject {
	out := ir.IRObject{}
	for _, def := range schema.Inputs {
		flattenValue(def.Type, obj[def.Name], def.Name, out)
	}
	return out
}

func flattenValue(t ir.FactorType, v ir.IRValue, path string, out ir.IRObject) {
	if v == nil {
		return
	}

	if obj, ok := v.(ir.IRObject); ok && !t.Array && t.IsObject() {
		if len(obj) == 0 {
			out[path] = ir.IRObject{}
			return
		}
		for _, p := range t.Properties {
			flattenValue(p.Type, obj[p.Name], propPath(path, p.Name), out)
		}
		return
	}

	out[path] = ir.Clone(v)
}

// Reconstruct rebuilds the nested argument object from path-keyed cells,
// coercing values to the declared types:
//   - numeric strings become numbers
//   - for booleans, "true" and "1" become true and any other string false
//   - an empty string becomes null for nullable fields, is dropped
//     (undefined) for required non-string fields and is kept for required
//     strings
//
// A value stored at an array or object path itself is used as a whole.
// Inputs with no cells at all are left undefined.
func Reconstruct(schema ir.FormulaSchema, flat ir.IRObject) ir.IRObject {
	out := ir.IRObject{}
	for _, def := range schema.Inputs {
		if v, ok := reconstructValue(def.Type, flat, def.Name); ok {
			out[def.Name] = v
		}
	}
	return out
}

func reconstructValue(t ir.FactorType, flat ir.IRObject, path string) (ir.IRValue, bool) {
	if v, ok := flat[path]; ok && v != nil {
		return coerce(t, v)
	}

	if t.Array {
		indices := arrayIndices(flat, path)
		if len(indices) == 0 {
			return nil, false
		}
		arr := make(ir.IRArray, indices[len(indices)-1]+1)
		elem := t.Element()
		for i := range arr {
			if v, ok := reconstructValue(elem, flat, indexPath(path, i)); ok {
				arr[i] = v
			} else {
				arr[i] = ir.IRNull{}
			}
		}
		return arr, true
	}

	if t.IsObject() {
		obj := ir.IRObject{}
		found := false
		for _, p := range t.Properties {
			if v, ok := reconstructValue(p.Type, flat, propPath(path, p.Name)); ok {
				obj[p.Name] = v
				found = true
			}
		}
		if !found {
			return nil, false
		}
		return obj, true
	}

	return nil, false
}

// arrayIndices returns the sorted distinct indices i for which some key
// starts with "path[i]".
func arrayIndices(flat ir.IRObject, path string) []int {
	prefix := path + "["
	seen := map[int]bool{}
	for key := range flat {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		end := strings.IndexByte(rest, ']')
		if end <= 0 {
			continue
		}
		i, err := strconv.Atoi(rest[:end])
		if err != nil || i < 0 || i >= MaxArrayLength {
			continue
		}
		seen[i] = true
	}

	indices := make([]int, 0, len(seen))
	for i := range seen {
		indices = append(indices, i)
	}
	slices.Sort(indices)
	return indices
}

// coerce converts a stored cell value to the declared type. The second
// result is false when the value should be treated as undefined.
func coerce(t ir.FactorType, v ir.IRValue) (ir.IRValue, bool) {
	if _, ok := v.(ir.IRNull); ok {
		return v, true
	}

	if t.Array {
		arr, ok := v.(ir.IRArray)
		if !ok {
			return coerceScalar(t, v)
		}
		elem := t.Element()
		out := make(ir.IRArray, len(arr))
		for i, e := range arr {
			if c, ok := coerce(elem, e); ok {
				out[i] = c
			} else {
				out[i] = ir.IRNull{}
			}
		}
		return out, true
	}

	if t.BaseType == ir.BaseObject {
		obj, ok := v.(ir.IRObject)
		if !ok || len(t.Properties) == 0 {
			return coerceScalar(t, v)
		}
		out := make(ir.IRObject, len(obj))
		for k, val := range obj {
			out[k] = ir.Clone(val)
		}
		for _, p := range t.Properties {
			val, present := obj[p.Name]
			if !present || val == nil {
				continue
			}
			if c, ok := coerce(p.Type, val); ok {
				out[p.Name] = c
			} else {
				delete(out, p.Name)
			}
		}
		return out, true
	}

	return coerceScalar(t, v)
}

func coerceScalar(t ir.FactorType, v ir.IRValue) (ir.IRValue, bool) {
	s, isString := v.(ir.IRString)
	if isString && strings.TrimSpace(string(s)) == "" {
		switch {
		case t.Nullable:
			return ir.IRNull{}, true
		case t.BaseType == ir.BaseString && !t.Array:
			return v, true
		default:
			return nil, false
		}
	}

	switch t.BaseType {
	case ir.BaseNumber:
		if isString {
			if f, err := strconv.ParseFloat(strings.TrimSpace(string(s)), 64); err == nil {
				return ir.IRNumber(f), true
			}
		}
	case ir.BaseBoolean:
		if isString {
			str := strings.TrimSpace(string(s))
			return ir.IRBool(str == "true" || str == "1"), true
		}
	case ir.BaseString:
		switch v.(type) {
		case ir.IRNumber, ir.IRBool:
			return ir.IRString(ir.String(v)), true
		}
	}
	return v, true
}

// Args returns the positional arguments for an invocation in schema input
// order. Undefined inputs are passed as null.
func Args(schema ir.FormulaSchema, obj ir.IRObject) []ir.IRValue {
	args := make([]ir.IRValue, len(schema.Inputs))
	for i, def := range schema.Inputs {
		v := obj[def.Name]
		if v == nil {
			v = ir.IRNull{}
		}
		args[i] = v
	}
	return args
}

// Defaults returns the flattened default values declared by schema.
func Defaults(schema ir.FormulaSchema) ir.IRObject {
	nested := ir.IRObject{}
	for _, def := range schema.Inputs {
		if def.Default != nil {
			nested[def.Name] = def.Default
		}
	}
	return Flatten(schema, nested)
}

// Lookup resolves a cell path against schema, returning the declared type at
// that path. Array elements are addressed with brackets and must be below
// MaxArrayLength.
func Lookup(schema ir.FormulaSchema, path string) (ir.FactorType, bool) {
	segs, err := splitPath(path)
	if err != nil || len(segs) == 0 || segs[0].index >= 0 {
		return ir.FactorType{}, false
	}

	var cur ir.FactorType
	found := false
	for _, def := range schema.Inputs {
		if def.Name == segs[0].name {
			cur, found = def.Type, true
			break
		}
	}
	if !found {
		return ir.FactorType{}, false
	}

	for _, seg := range segs[1:] {
		if seg.index >= 0 {
			if !cur.Array || seg.index >= MaxArrayLength {
				return ir.FactorType{}, false
			}
			cur = cur.Element()
			continue
		}
		if cur.Array || !cur.IsObject() {
			return ir.FactorType{}, false
		}
		next, ok := property(cur, seg.name)
		if !ok {
			return ir.FactorType{}, false
		}
		cur = next
	}
	return cur, true
}

func property(t ir.FactorType, name string) (ir.FactorType, bool) {
	for _, p := range t.Properties {
		if p.Name == name {
			return p.Type, true
		}
	}
	return ir.FactorType{}, false
}

// segment is one step of a path: a property name or, when index >= 0, an
// array index.
type segment struct {
	name  string
	index int
}

func splitPath(path string) ([]segment, error) {
	var segs []segment
	for i := 0; i < len(path); {
		switch path[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated index in %q", path)
			}
			n, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid index in %q", path)
			}
			segs = append(segs, segment{index: n})
			i += end + 1
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			segs = append(segs, segment{name: path[i:j], index: -1})
			i = j
		}
	}
	return segs, nil
}
