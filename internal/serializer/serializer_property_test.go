package serializer

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRestoreHierarchyFlattenRoundTripProperty verifies the section 8 round-trip
// law: RestoreHierarchy(Flatten(x)) == x for arbitrary job-data-shaped values.
func TestRestoreHierarchyFlattenRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	jobData := gen.MapOf(
		gen.AlphaString(),
		gen.OneGenOf(
			gen.AlphaString().Map(func(s string) any { return s }),
			gen.Float64Range(-1e6, 1e6).Map(func(f float64) any { return f }),
			gen.Bool().Map(func(b bool) any { return b }),
			gen.SliceOf(gen.AlphaString()).Map(func(ss []string) any {
				out := make([]any, len(ss))
				for i, s := range ss {
					out[i] = s
				}
				return out
			}),
		),
	).Map(func(m map[string]any) any { return map[string]any(m) })

	properties.Property("restoreHierarchy undoes flatten", prop.ForAll(
		func(v any) bool {
			m := v.(map[string]any)
			flat := make(map[string]string)
			if err := Flatten("", m, flat); err != nil {
				return false
			}
			got, err := RestoreHierarchy(flat)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(got, m)
		},
		jobData,
	))

	properties.TestingRun(t)
}
