package workflow

import (
	"fmt"
	"math/rand"
	"time"
)

// maxAllBranches bounds the number of concurrent branches a single all()
// call may batch into one composite interruption (spec section 4.6,
// implementation hint: 25), capping replay-table growth per frame.
const maxAllBranches = 25

// deterministicRandom returns the same float64 in [0,1) for a given
// (jid, execIndex) pair across every replay, so random() never diverges
// between the original execution and a later resumption (spec section 4.6,
// Determinism contracts).
func deterministicRandom(jid string, execIndex int) float64 {
	seed := fnv64(jid) ^ uint64(execIndex)*0x9E3779B97F4A7C15
	src := rand.NewSource(int64(seed))
	return rand.New(src).Float64()
}

// fnv64 is a tiny FNV-1a hash used only to fold jid into a random seed; it
// is not a cryptographic hash and carries no ledger/dedup role.
func fnv64(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// resolveDuration parses a textual duration expression. Durations are
// never read from a wall clock inside a workflow function; the driver
// resolves the expression to a concrete time.Duration once, at the moment
// the sleep interruption is first dispatched (spec section 4.6: "Time is
// never read directly; durations are expressed in textual units resolved
// to seconds at interruption time").
func resolveDuration(expr string) (time.Duration, error) {
	d, err := time.ParseDuration(expr)
	if err != nil {
		return 0, fmt.Errorf("workflow: duration %q: %w", expr, err)
	}
	return d, nil
}
