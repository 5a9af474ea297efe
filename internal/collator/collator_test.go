package collator

import (
	"context"
	"sync"
	"testing"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store/memory"
)

func newTestCollator() *Collator {
	return New(memory.New(), keys.New("test", "app1"))
}

func TestCommitLegDuplicateDetection(t *testing.T) {
	ctx := context.Background()
	c := newTestCollator()

	dup, err := c.CommitLeg(ctx, "jid1", "a1", "0", "entry")
	if err != nil {
		t.Fatalf("CommitLeg: %v", err)
	}
	if dup {
		t.Fatal("first commit reported as duplicate")
	}

	dup, err = c.CommitLeg(ctx, "jid1", "a1", "0", "entry")
	if err != nil {
		t.Fatalf("CommitLeg (second): %v", err)
	}
	if !dup {
		t.Fatal("second commit of same leg-step not reported as duplicate")
	}
}

func TestCommitLegDistinctSteps(t *testing.T) {
	ctx := context.Background()
	c := newTestCollator()

	for _, step := range []string{"entry", "exit", "edge0"} {
		dup, err := c.CommitLeg(ctx, "jid1", "a1", "0", step)
		if err != nil {
			t.Fatalf("CommitLeg(%s): %v", step, err)
		}
		if dup {
			t.Fatalf("step %q reported duplicate on first commit", step)
		}
	}
}

func TestAdjustAndCheckSingleCaller(t *testing.T) {
	ctx := context.Background()
	c := newTestCollator()

	if _, err := c.AdjustSemaphore(ctx, "jid1", 2); err != nil {
		t.Fatalf("AdjustSemaphore: %v", err)
	}

	res, err := c.AdjustAndCheck(ctx, "jid1", -1)
	if err != nil {
		t.Fatalf("AdjustAndCheck: %v", err)
	}
	if res.Completed {
		t.Fatal("job should not complete while semaphore remains positive")
	}
	if res.After != 1 {
		t.Fatalf("After = %d, want 1", res.After)
	}

	res, err = c.AdjustAndCheck(ctx, "jid1", -1)
	if err != nil {
		t.Fatalf("AdjustAndCheck (final): %v", err)
	}
	if !res.Completed {
		t.Fatal("expected completion on crossing to zero")
	}
	if res.Before != 1 || res.After != 0 {
		t.Fatalf("Before/After = %d/%d, want 1/0", res.Before, res.After)
	}
}

// TestAdjustAndCheckAtomicCrossing asserts property 1 (exactly-once
// completion publication): under concurrent decrements racing toward the
// same semaphore crossing zero, exactly one caller observes Completed.
func TestAdjustAndCheckAtomicCrossing(t *testing.T) {
	ctx := context.Background()
	c := newTestCollator()

	const n = 50
	if _, err := c.AdjustSemaphore(ctx, "jid1", n); err != nil {
		t.Fatalf("AdjustSemaphore: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.AdjustAndCheck(ctx, "jid1", -1)
			if err != nil {
				t.Errorf("AdjustAndCheck: %v", err)
				return
			}
			if res.Completed {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if completions != 1 {
		t.Fatalf("completions = %d, want exactly 1", completions)
	}
}

func TestMintStepGUIDDistinctEdges(t *testing.T) {
	ctx := context.Background()
	c := newTestCollator()

	f0, dup, err := c.MintStepGUID(ctx, "jid1", "a1", "0", 0)
	if err != nil {
		t.Fatalf("MintStepGUID(0): %v", err)
	}
	if dup {
		t.Fatal("edge 0 reported duplicate on first mint")
	}

	f1, dup, err := c.MintStepGUID(ctx, "jid1", "a1", "0", 1)
	if err != nil {
		t.Fatalf("MintStepGUID(1): %v", err)
	}
	if dup {
		t.Fatal("edge 1 reported duplicate on first mint")
	}
	if f0 == f1 {
		t.Fatalf("expected distinct ledger fields for distinct edges, got %q == %q", f0, f1)
	}

	_, dup, err = c.MintStepGUID(ctx, "jid1", "a1", "0", 0)
	if err != nil {
		t.Fatalf("MintStepGUID(0) repeat: %v", err)
	}
	if !dup {
		t.Fatal("repeat mint of edge 0 not reported as duplicate")
	}
}
