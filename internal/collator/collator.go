// Package collator implements the GUID ledger and status semaphore that
// together give every activity leg at-most-once entry and exactly-once
// fan-in completion (spec section 4.3).
package collator

import (
	"context"
	"fmt"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store"
)

// Collator coordinates GUID-ledger commits and semaphore transitions for
// one job's process record.
type Collator struct {
	provider store.Provider
	keys     *keys.Builder
}

// New constructs a Collator bound to a job's hash key.
func New(provider store.Provider, keyBuilder *keys.Builder) *Collator {
	return &Collator{provider: provider, keys: keyBuilder}
}

// ledgerField derives the GUID ledger hash field for one (aid, dad, step).
func ledgerField(aid, dad, step string) string {
	return fmt.Sprintf("-%s/%s/%s", aid, dad, step)
}

// CommitLeg attempts to claim the leg-step GUID for (jid, aid, dad, step).
// It returns duplicate=true without external effects if this step has
// already been committed by a prior delivery (spec: hincrByFloat(field,+1)
// returning >1 signals a duplicate).
func (c *Collator) CommitLeg(ctx context.Context, jid, aid, dad, step string) (duplicate bool, err error) {
	field := ledgerField(aid, dad, step)
	n, err := c.provider.HIncrByFloat(ctx, c.keys.JobKey(jid), field, 1)
	if err != nil {
		return false, fmt.Errorf("collator: commit leg: %w", err)
	}
	return n > 1, nil
}

// AdjustSemaphore applies delta to the job's status semaphore (`js`) and
// returns the resulting value. Every activity that fans out to N adjacents
// calls AdjustSemaphore(jid, N-1); every terminal leg calls
// AdjustSemaphore(jid, -1). The semaphore crossing from positive to zero is
// the job-completion gate.
func (c *Collator) AdjustSemaphore(ctx context.Context, jid string, delta int64) (int64, error) {
	n, err := c.provider.HIncrByInt(ctx, c.keys.JobKey(jid), "js", delta)
	if err != nil {
		return 0, fmt.Errorf("collator: adjust semaphore: %w", err)
	}
	return n, nil
}

// Semaphore returns the job's current status semaphore value.
func (c *Collator) Semaphore(ctx context.Context, jid string) (int64, error) {
	vals, err := c.provider.HGetMany(ctx, c.keys.JobKey(jid), []string{"js"})
	if err != nil {
		return 0, fmt.Errorf("collator: semaphore: %w", err)
	}
	v, ok := vals["js"]
	if !ok {
		return 0, nil
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("collator: semaphore: parse %q: %w", v, err)
	}
	return n, nil
}

// StepResult reports whether a semaphore transition crossed from positive
// to zero — the single-shot job-completion gate (spec: "k>0 → k=0").
type StepResult struct {
	Before    int64
	After     int64
	Completed bool
}

// AdjustAndCheck applies delta and reports whether this call is the one
// that crossed the semaphore from positive to zero, so the caller (the
// activity engine) can trigger completion-publication exactly once.
//
// "before" is derived from the atomic increment's own return value
// (after-delta), never from a separate read: a read-then-write pair would
// race against concurrent legs adjusting the same semaphore and could let
// two callers both observe before>0, after==0, double-firing completion
// (spec section 8, property 1, exactly-once completion publication).
func (c *Collator) AdjustAndCheck(ctx context.Context, jid string, delta int64) (StepResult, error) {
	after, err := c.AdjustSemaphore(ctx, jid, delta)
	if err != nil {
		return StepResult{}, err
	}
	before := after - delta
	return StepResult{Before: before, After: after, Completed: before > 0 && after == 0}, nil
}

// MintStepGUID reserves and returns the next sub-step GUID for a
// multi-edge leg-1 fan-out, so each outgoing edge is written as its own
// transition message stamped with a distinct, replay-safe identifier.
func (c *Collator) MintStepGUID(ctx context.Context, jid, aid, dad string, edgeIndex int) (string, bool, error) {
	step := fmt.Sprintf("edge%d", edgeIndex)
	dup, err := c.CommitLeg(ctx, jid, aid, dad, step)
	if err != nil {
		return "", false, err
	}
	return ledgerField(aid, dad, step), dup, nil
}
