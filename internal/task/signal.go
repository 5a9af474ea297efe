package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store"
)

// SignalIndex fans out external signal payloads to every paused job
// registered against a resolved `key_name:key_value` (spec section 4.4,
// Signal). Unlike the web-hook index it is multi-valued: more than one job
// may wait on the same signal key at once.
type SignalIndex struct {
	provider store.Provider
	keys     *keys.Builder
}

// NewSignalIndex constructs a SignalIndex.
func NewSignalIndex(provider store.Provider, keyBuilder *keys.Builder) *SignalIndex {
	return &SignalIndex{provider: provider, keys: keyBuilder}
}

// Register adds (jid, dad) to the set of waiters for a resolved signal key,
// recorded at the waiting activity's registration time.
func (s *SignalIndex) Register(ctx context.Context, key string, target HookTarget) error {
	field := target.JID + "::" + target.DAD
	if err := s.provider.HSetMany(ctx, s.keys.SignalsKey(key), map[string]string{field: target.encode()}); err != nil {
		return fmt.Errorf("task: register signal waiter: %w", err)
	}
	return nil
}

// Resolve returns every waiter currently registered for a resolved signal
// key. A missing index is not an error — it means no job is paused on this
// signal yet, and the fan-out is a silent no-op.
func (s *SignalIndex) Resolve(ctx context.Context, key string) ([]HookTarget, error) {
	raw, err := s.provider.HGetAll(ctx, s.keys.SignalsKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task: resolve signal waiters: %w", err)
	}
	out := make([]HookTarget, 0, len(raw))
	for _, v := range raw {
		if target, ok := decodeHookTarget(v); ok {
			out = append(out, target)
		}
	}
	return out, nil
}

// Scrub deletes the entire waiter set for a signal key. Called when the
// matched signal activity has `scrub:true` (spec section 4.4, Signal).
func (s *SignalIndex) Scrub(ctx context.Context, key string) error {
	return s.provider.Del(ctx, s.keys.SignalsKey(key))
}

// Unregister removes a single waiter without disturbing others registered
// on the same key — used when a waiting job is interrupted before its
// signal arrives.
func (s *SignalIndex) Unregister(ctx context.Context, key string, target HookTarget) error {
	field := target.JID + "::" + target.DAD
	if err := s.provider.HDelFields(ctx, s.keys.SignalsKey(key), []string{field}); err != nil {
		return fmt.Errorf("task: unregister signal waiter: %w", err)
	}
	return nil
}
