package activity

import (
	"fmt"

	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/pipe"
)

// evaluateGuard walks a condition tree, resolving "match" leaves via Pipe
// and combining children with "and"/"or" (spec section 4.4, Transition
// guards). A nil guard always passes.
func evaluateGuard(registry *pipe.Registry, ctx pipe.Context, g *graph.Guard) (bool, error) {
	if g == nil {
		return true, nil
	}
	switch g.Op {
	case graph.GuardMatch:
		return evaluateMatch(registry, ctx, g)
	case graph.GuardAnd:
		for _, child := range g.Children {
			ok, err := evaluateGuard(registry, ctx, child)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case graph.GuardOr:
		for _, child := range g.Children {
			ok, err := evaluateGuard(registry, ctx, child)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("activity: unknown guard op %q", g.Op)
	}
}

func evaluateMatch(registry *pipe.Registry, ctx pipe.Context, g *graph.Guard) (bool, error) {
	left, err := registry.Resolve(ctx, g.Left)
	if err != nil {
		return false, err
	}
	right, err := resolveOperand(registry, ctx, g.Right)
	if err != nil {
		return false, err
	}
	switch g.Operator {
	case "eq", "":
		return fmt.Sprint(left) == fmt.Sprint(right), nil
	case "ne":
		return fmt.Sprint(left) != fmt.Sprint(right), nil
	case "gt":
		lf, rf, ok := bothFloat(left, right)
		return ok && lf > rf, nil
	case "lt":
		lf, rf, ok := bothFloat(left, right)
		return ok && lf < rf, nil
	case "gte":
		lf, rf, ok := bothFloat(left, right)
		return ok && lf >= rf, nil
	case "lte":
		lf, rf, ok := bothFloat(left, right)
		return ok && lf <= rf, nil
	default:
		return false, fmt.Errorf("activity: unknown guard operator %q", g.Operator)
	}
}

// resolveOperand treats Right as a pipe expression when it looks like one
// (braced, or an "@fn" call); otherwise it is a literal string compared
// as-is, so guard authors can write plain constants without braces.
func resolveOperand(registry *pipe.Registry, ctx pipe.Context, raw string) (any, error) {
	if len(raw) > 0 && (raw[0] == '{' || raw[0] == '@') {
		return registry.Resolve(ctx, raw)
	}
	return raw, nil
}

func bothFloat(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(t, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
