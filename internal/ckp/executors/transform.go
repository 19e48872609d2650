package executors

import (
	"context"
	"fmt"
	"sort"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/template"
)

// Transform applies each transformation in order against the current
// variable set, writing every result to its own output variable so
// later transformations in the same node can build on earlier ones.
func Transform(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	payload, ok := node.Payload.(ir.TransformPayload)
	if !ok {
		return "", nil, fmt.Errorf("node %s: not a transform payload", node.ID)
	}

	for _, t := range payload.Transformations {
		source, _ := template.Lookup(t.SourceVariable, ec.Snapshot())
		items, _ := source.([]any)

		var result any
		switch t.OpType {
		case "filter":
			result = filterItems(items, t.Expression, ec.Snapshot())
		case "map":
			result = mapItems(items, t.Expression, ec.Snapshot())
		case "aggregate":
			result = aggregateItems(items, t.Params)
		case "sort":
			result = sortItems(items, t.Params)
		case "unique":
			result = uniqueItems(items)
		default:
			return "", nil, fmt.Errorf("node %s: unsupported transform op %q", node.ID, t.OpType)
		}

		if t.OutputVariable != "" {
			ec.Set(t.OutputVariable, result)
		}
	}

	return node.NextNodeID, nil, nil
}

func filterItems(items []any, expr string, vars map[string]any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		scoped := cloneVars(vars)
		scoped["item"] = item
		ok, err := template.EvaluateCondition(expr, scoped)
		if err == nil && ok {
			out = append(out, item)
		}
	}
	return out
}

func mapItems(items []any, expr string, vars map[string]any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		scoped := cloneVars(vars)
		scoped["item"] = item
		out = append(out, template.Render(expr, scoped))
	}
	return out
}

func aggregateItems(items []any, params map[string]any) any {
	op, _ := params["op"].(string)
	switch op {
	case "count":
		return len(items)
	case "sum":
		sum := 0.0
		for _, item := range items {
			sum += toFloat(item)
		}
		return sum
	case "avg":
		if len(items) == 0 {
			return 0.0
		}
		sum := 0.0
		for _, item := range items {
			sum += toFloat(item)
		}
		return sum / float64(len(items))
	default:
		return len(items)
	}
}

func sortItems(items []any, params map[string]any) []any {
	out := make([]any, len(items))
	copy(out, items)
	desc, _ := params["descending"].(bool)
	sort.SliceStable(out, func(i, j int) bool {
		less := toFloat(out[i]) < toFloat(out[j])
		if desc {
			return !less
		}
		return less
	})
	return out
}

func uniqueItems(items []any) []any {
	seen := make(map[string]bool, len(items))
	out := make([]any, 0, len(items))
	for _, item := range items {
		key := fmt.Sprintf("%v", item)
		if !seen[key] {
			seen[key] = true
			out = append(out, item)
		}
	}
	return out
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func cloneVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		out[k] = v
	}
	return out
}
