// Package store defines the narrow backend interface the engine core
// requires — hash, stream, and pub/sub operations plus a transactional
// batch primitive. Key names are built by callers with
// internal/keys.Builder. Concrete backends (redispulse, mongo, memory)
// satisfy Provider; the rest of the engine only ever depends on this
// interface, never on a specific backend.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get-style operations when the addressed record
// does not exist.
var ErrNotFound = errors.New("store: not found")

// Entry is one stream message as delivered by ReadGroup or Claim.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Pending describes one message outstanding in a consumer group, as
// reported by Pending.
type Pending struct {
	ID            string
	Consumer      string
	IdleTime      time.Duration
	DeliveryCount int64
}

// BatchOp is one write inside a transactional batch: either a hash mutation
// or a stream append, applied atomically with the rest of the batch.
type BatchOp struct {
	HSet      *HSetOp
	HIncrBy   *HIncrByOp
	HDel      *HDelOp
	StreamAdd *StreamAddOp
}

// HSetOp sets one or more hash fields.
type HSetOp struct {
	Key    string
	Fields map[string]string
}

// HIncrByOp atomically increments a hash field by Delta, used both for the
// semaphore (integer) and the GUID ledger (float, so the "> 1 means
// duplicate" check works uniformly).
type HIncrByOp struct {
	Key   string
	Field string
	Delta float64
}

// HDelOp deletes one or more hash fields.
type HDelOp struct {
	Key    string
	Fields []string
}

// StreamAddOp appends one message to a stream.
type StreamAddOp struct {
	Stream string
	Fields map[string]string
}

// Provider is the full set of operations the engine core requires from a
// backend. Implementations may offer additional capabilities but only this
// surface is load-bearing. Pattern-subscribe is optional; routers that need
// it must first check PatternSubscriber and fall back to list-then-filter
// when a provider doesn't implement it (spec section 9, Provider
// abstraction note).
type Provider interface {
	// Hash operations.
	HGetMany(ctx context.Context, key string, fields []string) (map[string]string, error)
	HSetMany(ctx context.Context, key string, fields map[string]string) error
	HIncrByInt(ctx context.Context, key, field string, delta int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)
	HDelFields(ctx context.Context, key string, fields []string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Del(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Sorted-set operations backing the time-hook store.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZPopBelow(ctx context.Context, key string, score float64, limit int64) ([]string, error)

	// Stream operations.
	StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error)
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Pending(ctx context.Context, stream, group string, idle time.Duration, count int64) ([]Pending, error)
	Claim(ctx context.Context, stream, group, consumer string, idle time.Duration, ids ...string) ([]Entry, error)
	EnsureGroup(ctx context.Context, stream, group string) error

	// Pub/sub operations.
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// BatchExec applies every op atomically; either all succeed or none do.
	BatchExec(ctx context.Context, ops []BatchOp) error

	Close(ctx context.Context) error
}

// Subscription delivers messages published to a topic until Close.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// PatternSubscriber is an optional capability for providers whose transport
// supports wildcard subscriptions natively (spec: psub/punsub). Providers
// lacking it must be driven through list-then-filter at the caller.
type PatternSubscriber interface {
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)
}
