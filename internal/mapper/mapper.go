// Package mapper applies an activity's input/output/job/hook mapping rules
// — each rule a target path paired with a pipe expression — against job
// state to produce the values written to the next record.
package mapper

import (
	"fmt"
	"strings"

	"github.com/hotmeshio/hotmesh-go/internal/pipe"
)

// Rule binds a target field path to a pipe expression resolved against job
// context at apply time.
type Rule struct {
	Target     string
	Expression string
}

// RuleSet is an ordered list of rules, e.g. an activity's `input.maps` or
// `job.maps` descriptor.
type RuleSet []Rule

// Mapper applies RuleSets against a pipe.Context using a shared function
// registry.
type Mapper struct {
	registry *pipe.Registry
}

// New constructs a Mapper. Pass nil to use the default builtin registry.
func New(registry *pipe.Registry) *Mapper {
	if registry == nil {
		registry = pipe.NewRegistry()
	}
	return &Mapper{registry: registry}
}

// Apply evaluates every rule in rules against ctx and returns the resulting
// flat target-path -> value map. An expression containing no "{" is a
// literal string value and is copied as is. Rules are evaluated in order; a later rule
// may reference a path written by an earlier one via the "output" domain of
// ctx, which callers are responsible for updating incrementally if that
// chaining behavior is needed.
func (m *Mapper) Apply(ctx pipe.Context, rules RuleSet) (map[string]any, error) {
	out := make(map[string]any, len(rules))
	for _, rule := range rules {
		if !strings.Contains(rule.Expression, "{") {
			out[rule.Target] = rule.Expression
			continue
		}
		val, err := m.registry.Resolve(ctx, rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("mapper: rule %q: %w", rule.Target, err)
		}
		out[rule.Target] = val
	}
	return out, nil
}

// ApplyInto evaluates rules and merges the resulting values into dst,
// following dotted/slashed target paths the same way pipe.Resolve walks
// source paths. This is the mechanism by which `job.maps` rules update
// job.data and `output.maps` rules populate an activity's output record.
func (m *Mapper) ApplyInto(ctx pipe.Context, rules RuleSet, dst map[string]any) error {
	values, err := m.Apply(ctx, rules)
	if err != nil {
		return err
	}
	for target, val := range values {
		segs := strings.Split(strings.Trim(strings.ReplaceAll(target, ".", "/"), "/"), "/")
		setPath(dst, segs, val)
	}
	return nil
}

func setPath(dst map[string]any, segs []string, val any) {
	cur := dst
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = val
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
}
