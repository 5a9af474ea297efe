// Package task implements the Task Service: a time-hook sorted set plus a
// distributed scout loop that wakes sleeping activities, and a web-hook
// index that resolves inbound external signals to the paused activity
// record awaiting them (spec section 4.5).
package task

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store"
)

// TimehookKind selects which activity leg a fired time-hook wakes.
type TimehookKind string

const (
	KindSleep      TimehookKind = "sleep"
	KindAwaitCycle TimehookKind = "await-cycle"
	// KindWorkflowSleep wakes a suspended Reentrant Workflow Runtime frame
	// (spec section 4.6, sleepFor) rather than a hook activity; Index names
	// the execution index the workflow driver must resolve.
	KindWorkflowSleep TimehookKind = "workflow-sleep"
)

// Timehook is one scheduled wake entry. Index is only meaningful for
// Kind==KindWorkflowSleep; every other kind leaves it at zero.
type Timehook struct {
	JID   string
	GID   string
	AID   string
	DAD   string
	Kind  TimehookKind
	Index int
}

func (t Timehook) encode() string {
	return strings.Join([]string{t.JID, t.GID, t.AID, t.DAD, string(t.Kind), strconv.Itoa(t.Index)}, "\x1f")
}

func decodeTimehook(s string) (Timehook, error) {
	parts := strings.Split(s, "\x1f")
	if len(parts) != 6 {
		return Timehook{}, fmt.Errorf("task: malformed timehook entry %q", s)
	}
	idx, _ := strconv.Atoi(parts[5])
	return Timehook{JID: parts[0], GID: parts[1], AID: parts[2], DAD: parts[3], Kind: TimehookKind(parts[4]), Index: idx}, nil
}

// TimehookStore registers and resolves fire-time-ordered wake entries.
type TimehookStore struct {
	provider store.Provider
	keys     *keys.Builder
}

// NewTimehookStore constructs a TimehookStore.
func NewTimehookStore(provider store.Provider, keyBuilder *keys.Builder) *TimehookStore {
	return &TimehookStore{provider: provider, keys: keyBuilder}
}

// Register schedules hook to fire at fireAt.
func (s *TimehookStore) Register(ctx context.Context, hook Timehook, fireAt time.Time) error {
	score := float64(fireAt.Unix())
	if err := s.provider.ZAdd(ctx, s.keys.TimehooksKey(), score, hook.encode()); err != nil {
		return fmt.Errorf("task: register timehook: %w", err)
	}
	return nil
}

// PopDue removes and returns every hook whose fire time is now or earlier.
func (s *TimehookStore) PopDue(ctx context.Context, now time.Time) ([]Timehook, error) {
	members, err := s.provider.ZPopBelow(ctx, s.keys.TimehooksKey(), float64(now.Unix()), 0)
	if err != nil {
		return nil, fmt.Errorf("task: pop due timehooks: %w", err)
	}
	out := make([]Timehook, 0, len(members))
	for _, m := range members {
		hook, err := decodeTimehook(m)
		if err != nil {
			continue
		}
		out = append(out, hook)
	}
	return out, nil
}
