package mapper

import (
	"testing"

	"github.com/hotmeshio/hotmesh-go/internal/pipe"
)

func TestApplyResolvesEachRule(t *testing.T) {
	m := New(nil)
	ctx := pipe.Context{"data": map[string]any{"name": "ada"}}
	rules := RuleSet{
		{Target: "greeting", Expression: "{data.name}"},
		{Target: "literal", Expression: "fixed"},
	}

	out, err := m.Apply(ctx, rules)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out["greeting"] != "ada" {
		t.Errorf("greeting = %v, want ada", out["greeting"])
	}
	if out["literal"] != "fixed" {
		t.Errorf("literal = %v, want fixed", out["literal"])
	}
}

func TestApplyPropagatesRuleError(t *testing.T) {
	m := New(nil)
	ctx := pipe.Context{"data": map[string]any{}}
	rules := RuleSet{{Target: "missing", Expression: "{data.nope}"}}

	if _, err := m.Apply(ctx, rules); err == nil {
		t.Fatal("expected an error for an unresolvable path")
	}
}

func TestApplyIntoWritesDottedTargetAsNestedPath(t *testing.T) {
	m := New(nil)
	ctx := pipe.Context{"data": map[string]any{"name": "ada"}}
	rules := RuleSet{{Target: "profile.name", Expression: "{data.name}"}}

	dst := map[string]any{}
	if err := m.ApplyInto(ctx, rules, dst); err != nil {
		t.Fatalf("ApplyInto: %v", err)
	}
	profile, ok := dst["profile"].(map[string]any)
	if !ok {
		t.Fatalf("dst[profile] = %#v, want a nested map", dst["profile"])
	}
	if profile["name"] != "ada" {
		t.Errorf("profile.name = %v, want ada", profile["name"])
	}
}

func TestApplyIntoMergesIntoExistingNestedMap(t *testing.T) {
	m := New(nil)
	ctx := pipe.Context{"data": map[string]any{"age": 30.0}}
	rules := RuleSet{{Target: "profile.age", Expression: "{data.age}"}}

	dst := map[string]any{"profile": map[string]any{"name": "ada"}}
	if err := m.ApplyInto(ctx, rules, dst); err != nil {
		t.Fatalf("ApplyInto: %v", err)
	}
	profile := dst["profile"].(map[string]any)
	if profile["name"] != "ada" {
		t.Errorf("profile.name was clobbered: %v", profile["name"])
	}
	if profile["age"] != 30.0 {
		t.Errorf("profile.age = %v, want 30", profile["age"])
	}
}
