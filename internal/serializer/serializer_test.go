package serializer

import (
	"reflect"
	"testing"
)

func TestToStringFromStringScalars(t *testing.T) {
	cases := []any{
		nil,
		"hello",
		true,
		false,
		3.5,
		42,
		int64(-9),
	}
	for _, c := range cases {
		enc, err := ToString(c)
		if err != nil {
			t.Fatalf("ToString(%v): %v", c, err)
		}
		got, err := FromString(enc)
		if err != nil {
			t.Fatalf("FromString(%q): %v", enc, err)
		}
		want := c
		switch want.(type) {
		case int:
			want = float64(want.(int))
		case int64:
			want = float64(want.(int64))
		}
		if want == nil {
			if got != nil {
				t.Errorf("round trip %v: got %v, want nil", c, got)
			}
			continue
		}
		if got != want {
			t.Errorf("round trip %v: got %v, want %v", c, got, want)
		}
	}
}

func TestFromStringMalformed(t *testing.T) {
	if _, err := FromString(""); err == nil {
		t.Error("expected error for empty string")
	}
	if _, err := FromString("x:bad"); err == nil {
		t.Error("expected error for unknown tag")
	}
	if _, err := FromString("b:notabool"); err == nil {
		t.Error("expected error for malformed bool")
	}
}

func TestFlattenRestoreHierarchyRoundTrip(t *testing.T) {
	cases := []map[string]any{
		{"name": "alice", "age": 30.0},
		{"nested": map[string]any{"a": 1.0, "b": "x"}},
		{"list": []any{1.0, 2.0, 3.0}},
		{"mixed": map[string]any{"tags": []any{"a", "b"}, "count": 2.0}},
		{"deep": []any{map[string]any{"id": 1.0}, map[string]any{"id": 2.0}}},
	}
	for _, c := range cases {
		flat := make(map[string]string)
		if err := Flatten("", c, flat); err != nil {
			t.Fatalf("Flatten(%v): %v", c, err)
		}
		got, err := RestoreHierarchy(flat)
		if err != nil {
			t.Fatalf("RestoreHierarchy: %v", err)
		}
		if !reflect.DeepEqual(got, c) {
			t.Errorf("round trip %v:\n got  %#v\n want %#v", c, got, c)
		}
	}
}

func TestRestoreHierarchyNullLeafKeepsParentMap(t *testing.T) {
	flat := map[string]string{"outer/inner": tagNull}
	got, err := RestoreHierarchy(flat)
	if err != nil {
		t.Fatalf("RestoreHierarchy: %v", err)
	}
	outer, ok := got["outer"].(map[string]any)
	if !ok {
		t.Fatalf("expected outer to be a map, got %T", got["outer"])
	}
	if outer["inner"] != nil {
		t.Errorf("expected inner to be nil, got %v", outer["inner"])
	}
}
