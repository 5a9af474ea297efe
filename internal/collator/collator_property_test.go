package collator

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store/memory"
)

// TestSemaphoreNeverNegativeAtCompletionProperty verifies property 4: for any
// sequence of fan-out (+N) and terminal (-1) adjustments that sums to zero,
// the semaphore never goes negative and fires completion exactly once.
func TestSemaphoreNeverNegativeAtCompletionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("semaphore stays non-negative and completes once", prop.ForAll(
		func(fanouts []int64) bool {
			ctx := context.Background()
			c := New(memory.New(), keys.New("test", "appN"))

			var total int64
			for _, f := range fanouts {
				total += f
			}
			if total <= 0 {
				total = 1
				fanouts = append(fanouts, 1)
			}

			if _, err := c.AdjustSemaphore(ctx, "jidN", total); err != nil {
				return false
			}

			completions := 0
			remaining := total
			for remaining > 0 {
				res, err := c.AdjustAndCheck(ctx, "jidN", -1)
				if err != nil {
					return false
				}
				if res.After < 0 {
					return false
				}
				if res.Completed {
					completions++
				}
				remaining--
			}
			return completions == 1
		},
		gen.SliceOfN(5, gen.Int64Range(1, 5)),
	))

	properties.TestingRun(t)
}
