package pipe

import "testing"

func TestResolvePath(t *testing.T) {
	r := NewRegistry()
	ctx := Context{
		"data": map[string]any{
			"name": "ada",
			"tags": []any{"x", "y"},
		},
	}

	got, err := r.Resolve(ctx, "{data.name}")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "ada" {
		t.Errorf("got %v, want %q", got, "ada")
	}

	got, err = r.Resolve(ctx, "{data/tags/1}")
	if err != nil {
		t.Fatalf("Resolve index: %v", err)
	}
	if got != "y" {
		t.Errorf("got %v, want %q", got, "y")
	}
}

func TestResolvePathMissingField(t *testing.T) {
	r := NewRegistry()
	ctx := Context{"data": map[string]any{}}
	if _, err := r.Resolve(ctx, "{data.missing}"); err == nil {
		t.Error("expected error resolving missing field")
	}
}

func TestResolveCallBuiltins(t *testing.T) {
	r := NewRegistry()
	ctx := Context{"data": map[string]any{"a": 3.0, "b": 4.0}}

	got, err := r.Resolve(ctx, "{@number.add, {data.a}, {data.b}}")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != 7.0 {
		t.Errorf("number.add = %v, want 7", got)
	}

	got, err = r.Resolve(ctx, "{@number.gt, {data.b}, {data.a}}")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != true {
		t.Errorf("number.gt = %v, want true", got)
	}
}

func TestResolveCallUnknownFunction(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve(Context{}, "{@nope.nope}"); err == nil {
		t.Error("expected error for unknown function")
	}
}

func TestRegisterOverridesBuiltin(t *testing.T) {
	r := NewRegistry()
	r.Register("number.add", func(args []any) (any, error) { return "overridden", nil })

	got, err := r.Resolve(Context{}, "{@number.add, 1, 2}")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "overridden" {
		t.Errorf("got %v, want overridden registered function result", got)
	}
}

func TestResolveStringInterpolation(t *testing.T) {
	r := NewRegistry()
	ctx := Context{"data": map[string]any{"name": "ada", "age": 36.0}}

	got, err := r.ResolveString(ctx, "hello {data.name}, age {data.age}")
	if err != nil {
		t.Fatalf("ResolveString: %v", err)
	}
	if got != "hello ada, age 36" {
		t.Errorf("got %q", got)
	}
}

func TestResolveStringNoExpressions(t *testing.T) {
	r := NewRegistry()
	got, err := r.ResolveString(Context{}, "a plain string")
	if err != nil {
		t.Fatalf("ResolveString: %v", err)
	}
	if got != "a plain string" {
		t.Errorf("got %q", got)
	}
}

func TestLiteralArgsPassThrough(t *testing.T) {
	r := NewRegistry()
	got, err := r.Resolve(Context{}, `{@string.concat, "hello", " ", "world"}`)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q", got)
	}
}
