package quorum

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"
)

// Throttle tracks the cluster-wide, per-topic (or global) minimum delay the
// stream router must wait between reads; a message's GUID is not tracked.
// Engines broadcast a throttle and every member — including the broadcaster —
// applies it locally, a per-topic setting via a golang.org/x/time/rate
// limiter, so backpressure takes effect without a round trip back through
// Redis on every read.
type Throttle struct {
	gossip *rmap.Map

	mu       sync.RWMutex
	global   time.Duration
	byTopic  map[string]time.Duration
	limiters map[string]*rate.Limiter
}

// NewThrottle constructs a Throttle backed by the quorum's replicated map.
// BroadcastThrottle persists the last throttle there; NewThrottle does not
// read it back, so a new member starts unthrottled until it observes a
// throttle message.
func NewThrottle(gossip *rmap.Map) *Throttle {
	return &Throttle{
		gossip:   gossip,
		byTopic:  make(map[string]time.Duration),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Broadcast publishes a new throttle value. topic == "" sets the global
// floor; guid is carried for audit/observability only (spec: throttle
// messages may target a single job's GUID to ease one misbehaving
// consumer without penalizing the whole topic).
func (q *Quorum) BroadcastThrottle(ctx context.Context, topic, guid string, delay time.Duration) error {
	if _, err := q.gossip.Set(ctx, throttleGossipKey(topic), strconv.FormatInt(delay.Milliseconds(), 10)); err != nil {
		return err
	}
	return q.Publish(ctx, Message{Kind: KindThrottle, Topic: topic, GUID: guid, ThrottleMS: delay.Milliseconds()})
}

func throttleGossipKey(topic string) string {
	if topic == "" {
		return "throttle:*"
	}
	return "throttle:" + topic
}

// observe applies an inbound throttle message to local state.
func (t *Throttle) observe(msg Message) {
	delay := time.Duration(msg.ThrottleMS) * time.Millisecond
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.Topic == "" {
		t.global = delay
		return
	}
	t.byTopic[msg.Topic] = delay
	if delay <= 0 {
		delete(t.limiters, msg.Topic)
		return
	}
	t.limiters[msg.Topic] = rate.NewLimiter(rate.Every(delay), 1)
}

// Delay returns the current wait the router should apply before its next
// read for topic, the greater of the global floor and the topic-specific
// setting.
func (t *Throttle) Delay(topic string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d := t.global
	if td, ok := t.byTopic[topic]; ok && td > d {
		d = td
	}
	return d
}

// Wait blocks until topic's limiter admits the next read, or returns
// immediately if no throttle is active for topic.
func (t *Throttle) Wait(ctx context.Context, topic string) error {
	t.mu.RLock()
	lim, ok := t.limiters[topic]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return lim.Wait(ctx)
}
