// Package redispulse implements store.Provider over Redis, following the
// same "wrap a *redis.Client behind a typed interface" layering the Pulse
// client wrapper uses. Stream consumer-group semantics (XREADGROUP, XACK,
// XCLAIM, XPENDING) are driven directly against go-redis since the Pulse
// streaming package's Sink abstraction does not expose per-message claim
// and pending-list inspection, which the stream router's reclaim step
// requires.
package redispulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hotmeshio/hotmesh-go/internal/store"
)

// Provider is a store.Provider backed by a single Redis connection.
type Provider struct {
	rdb *redis.Client
}

var _ store.Provider = (*Provider)(nil)

// New wraps an existing *redis.Client. The caller owns the client's
// lifecycle beyond Close.
func New(rdb *redis.Client) *Provider {
	return &Provider{rdb: rdb}
}

func (p *Provider) HGetMany(ctx context.Context, key string, fields []string) (map[string]string, error) {
	vals, err := p.rdb.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("redispulse: hmget %s: %w", key, err)
	}
	out := make(map[string]string, len(fields))
	for i, f := range fields {
		if vals[i] == nil {
			continue
		}
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		out[f] = s
	}
	return out, nil
}

func (p *Provider) HSetMany(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := p.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redispulse: hset %s: %w", key, err)
	}
	return nil
}

func (p *Provider) HIncrByInt(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := p.rdb.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redispulse: hincrby %s %s: %w", key, field, err)
	}
	return n, nil
}

func (p *Provider) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	f, err := p.rdb.HIncrByFloat(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redispulse: hincrbyfloat %s %s: %w", key, field, err)
	}
	return f, nil
}

func (p *Provider) HDelFields(ctx context.Context, key string, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := p.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("redispulse: hdel %s: %w", key, err)
	}
	return nil
}

func (p *Provider) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := p.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redispulse: hgetall %s: %w", key, err)
	}
	if len(m) == 0 {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, key).Err()
}

func (p *Provider) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return p.rdb.Expire(ctx, key, ttl).Err()
}

func (p *Provider) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return p.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (p *Provider) ZPopBelow(ctx context.Context, key string, score float64, limit int64) ([]string, error) {
	members, err := p.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", score),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redispulse: zrangebyscore %s: %w", key, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	if err := p.rdb.ZRem(ctx, key, toAnySlice(members)...).Err(); err != nil {
		return nil, fmt.Errorf("redispulse: zrem %s: %w", key, err)
	}
	return members, nil
}

func (p *Provider) StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error) {
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Result()
	if err != nil {
		return "", fmt.Errorf("redispulse: xadd %s: %w", stream, err)
	}
	return id, nil
}

func (p *Provider) EnsureGroup(ctx context.Context, stream, group string) error {
	err := p.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		if isBusyGroupErr(err) {
			return nil
		}
		return fmt.Errorf("redispulse: xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (p *Provider) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]store.Entry, error) {
	res, err := p.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redispulse: xreadgroup %s/%s: %w", stream, group, err)
	}
	var entries []store.Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	return entries, nil
}

func (p *Provider) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return p.rdb.XAck(ctx, stream, group, ids...).Err()
}

func (p *Provider) Pending(ctx context.Context, stream, group string, idle time.Duration, count int64) ([]store.Pending, error) {
	res, err := p.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   idle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redispulse: xpending %s/%s: %w", stream, group, err)
	}
	out := make([]store.Pending, 0, len(res))
	for _, r := range res {
		out = append(out, store.Pending{
			ID:            r.ID,
			Consumer:      r.Consumer,
			IdleTime:      r.Idle,
			DeliveryCount: r.RetryCount,
		})
	}
	return out, nil
}

func (p *Provider) Claim(ctx context.Context, stream, group, consumer string, idle time.Duration, ids ...string) ([]store.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := p.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  idle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redispulse: xclaim %s/%s: %w", stream, group, err)
	}
	entries := make([]store.Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	return entries, nil
}

func (p *Provider) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.rdb.Publish(ctx, topic, payload).Err()
}

func (p *Provider) Subscribe(ctx context.Context, topic string) (store.Subscription, error) {
	sub := p.rdb.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redispulse: subscribe %s: %w", topic, err)
	}
	return newSubscription(sub), nil
}

func (p *Provider) PSubscribe(ctx context.Context, pattern string) (store.Subscription, error) {
	sub := p.rdb.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redispulse: psubscribe %s: %w", pattern, err)
	}
	return newSubscription(sub), nil
}

// BatchExec applies ops inside a single Redis transaction (MULTI/EXEC via
// TxPipelined). This satisfies the engine's requirement that a crash
// mid-protocol leaves the GUID ledger as the sole source of truth: either
// every op in the batch lands, or none does.
func (p *Provider) BatchExec(ctx context.Context, ops []store.BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			switch {
			case op.HSet != nil:
				args := make([]any, 0, len(op.HSet.Fields)*2)
				for k, v := range op.HSet.Fields {
					args = append(args, k, v)
				}
				pipe.HSet(ctx, op.HSet.Key, args...)
			case op.HIncrBy != nil:
				pipe.HIncrByFloat(ctx, op.HIncrBy.Key, op.HIncrBy.Field, op.HIncrBy.Delta)
			case op.HDel != nil:
				pipe.HDel(ctx, op.HDel.Key, op.HDel.Fields...)
			case op.StreamAdd != nil:
				pipe.XAdd(ctx, &redis.XAddArgs{Stream: op.StreamAdd.Stream, Values: op.StreamAdd.Fields})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redispulse: batch exec: %w", err)
	}
	return nil
}

func (p *Provider) Close(ctx context.Context) error {
	return p.rdb.Close()
}

func toEntry(msg redis.XMessage) store.Entry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return store.Entry{ID: msg.ID, Fields: fields}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

type subscription struct {
	sub *redis.PubSub
	ch  chan []byte
	done chan struct{}
}

func newSubscription(sub *redis.PubSub) *subscription {
	s := &subscription{sub: sub, ch: make(chan []byte, 64), done: make(chan struct{})}
	go s.pump()
	return s
}

func (s *subscription) pump() {
	defer close(s.ch)
	ch := s.sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) Close() error {
	close(s.done)
	return s.sub.Close()
}
