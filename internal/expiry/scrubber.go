// Package expiry implements the Scrubber: a sorted-set-backed deletion
// schedule for completed job state, the same shape as internal/task's
// time-hook store but popping due entries into a hard delete rather than a
// dispatch (spec section 3, "Expiry/Scrubber").
package expiry

import (
	"context"
	"time"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store"
	"github.com/hotmeshio/hotmesh-go/internal/telemetry"
)

// Scrubber schedules and performs deletion of a job's hash once its
// expiry window elapses. A job whose TTL is zero or negative is deleted
// immediately rather than scheduled — the "interrupt specifies immediate
// expiry" case (spec section 3, Lifecycle).
type Scrubber struct {
	store  store.Provider
	keys   *keys.Builder
	logger telemetry.Logger

	interval time.Duration
	cancel   context.CancelFunc
}

// NewScrubber constructs a Scrubber. interval governs how often Run pops
// and deletes due entries.
func NewScrubber(provider store.Provider, keyBuilder *keys.Builder, interval time.Duration, logger telemetry.Logger) *Scrubber {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Scrubber{store: provider, keys: keyBuilder, interval: interval, logger: logger}
}

// Schedule arranges for jid's job hash to be deleted once ttl elapses. A
// non-positive ttl deletes it immediately rather than registering a wake
// entry — there is nothing to gain from parking a zero-delay deletion on
// the schedule.
func (s *Scrubber) Schedule(ctx context.Context, jid string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.expireNow(ctx, jid)
	}
	fireAt := time.Now().Add(ttl)
	return s.store.ZAdd(ctx, s.keys.ExpiryKey(), float64(fireAt.Unix()), jid)
}

// expireNow deletes jid's job hash directly.
func (s *Scrubber) expireNow(ctx context.Context, jid string) error {
	return s.store.Del(ctx, s.keys.JobKey(jid))
}

// Run blocks, popping and deleting due entries every interval until ctx is
// canceled.
func (s *Scrubber) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop cancels the scrubber loop.
func (s *Scrubber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scrubber) tick(ctx context.Context) {
	due, err := s.store.ZPopBelow(ctx, s.keys.ExpiryKey(), float64(time.Now().Unix()), 0)
	if err != nil {
		s.logger.Error(ctx, "expiry: pop due failed", "err", err.Error())
		return
	}
	for _, jid := range due {
		if err := s.expireNow(ctx, jid); err != nil {
			s.logger.Error(ctx, "expiry: delete failed", "jid", jid, "err", err.Error())
		}
	}
}
