package task

import (
	"context"
	"time"

	"goa.design/pulse/pool"

	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/telemetry"
)

// Dispatcher appends a transition message for a fired timehook. The
// Activity Engine supplies this so the scout loop stays store-agnostic
// about transition encoding.
type Dispatcher interface {
	DispatchTimehook(ctx context.Context, hook Timehook) error
}

// Scout wakes sleeping activities by popping due time-hooks on a fixed
// cadence. Only one engine in the cluster actually ticks at a time: the
// cadence itself rides a Pulse distributed ticker (goa.design/pulse/pool),
// so adding engines does not cause duplicate wake storms, the same pattern
// the health tracker uses for its ping loop.
type Scout struct {
	store      *TimehookStore
	dispatcher Dispatcher
	node       *pool.Node
	interval   time.Duration
	logger     telemetry.Logger

	cancel context.CancelFunc
}

// NewScout constructs a Scout. node may be nil, in which case the scout
// falls back to a plain local ticker (single-process deployments, tests).
func NewScout(store *TimehookStore, dispatcher Dispatcher, node *pool.Node, interval time.Duration, logger telemetry.Logger) *Scout {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Scout{store: store, dispatcher: dispatcher, node: node, interval: interval, logger: logger}
}

// Run blocks, waking every interval (or on the distributed ticker's tick)
// until ctx is canceled.
func (s *Scout) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.node != nil {
		ticker, err := s.node.NewTicker(ctx, "hotmesh:scout", s.interval)
		if err != nil {
			return errors.Wrap(errors.KindStreamFatal, errors.CodeUnknown, "scout: distributed ticker", err)
		}
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

// Stop cancels the scout loop.
func (s *Scout) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scout) tick(ctx context.Context) {
	due, err := s.store.PopDue(ctx, time.Now())
	if err != nil {
		s.logger.Error(ctx, "scout: pop due failed", "err", err.Error())
		return
	}
	for _, hook := range due {
		if err := s.dispatcher.DispatchTimehook(ctx, hook); err != nil {
			s.logger.Error(ctx, "scout: dispatch failed", "jid", hook.JID, "aid", hook.AID, "err", err.Error())
		}
	}
}
