// Package template renders "{{var}}"/dotted-path expressions and evaluates
// the narrow boolean-condition grammar used by logic, transform (filter)
// and verification nodes. It intentionally does not embed a general-purpose
// expression language: the grammar is fixed and small enough that a
// sandboxed hand-written evaluator is both simpler and safer than wrapping
// one to the same restricted surface.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var varRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)

// Render replaces every "{{path}}" occurrence in s with the string form of
// the value looked up at that dotted path in vars. Unresolvable paths are
// left untouched so a caller can detect them via the validator instead of
// silently producing an empty string.
func Render(s string, vars map[string]any) string {
	return varRe.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(varRe.FindStringSubmatch(match)[1])
		v, ok := Lookup(path, vars)
		if !ok {
			return match
		}
		return stringify(v)
	})
}

// RenderValue walks v recursively, rendering every string leaf and every
// map/slice it contains. Used on step params before dispatch.
func RenderValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		return Render(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = RenderValue(vv, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = RenderValue(vv, vars)
		}
		return out
	default:
		return v
	}
}

// Lookup resolves a dotted path ("a.b.c") against a nested map/slice
// structure. Numeric path segments index into slices.
func Lookup(path string, vars map[string]any) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = vars
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
