// Package quorum implements the engine/worker control-plane: ping/pong
// presence, version activation coordination, throttle broadcast, rollcall
// census, and job-completion broadcast (spec section 4.7). It follows the
// same clustering shape as the teacher's multi-node registry: a Pulse pool
// node for distributed tickers and a replicated map for state every member
// observes identically.
package quorum

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"github.com/hotmeshio/hotmesh-go/internal/config"
	"github.com/hotmeshio/hotmesh-go/internal/telemetry"
)

// MessageKind is the closed set of control-plane message types.
type MessageKind string

const (
	KindPing     MessageKind = "ping"
	KindPong     MessageKind = "pong"
	KindActivate MessageKind = "activate"
	KindThrottle MessageKind = "throttle"
	KindRollcall MessageKind = "rollcall"
	KindJob      MessageKind = "job"
)

// Message is one control-plane payload published on the quorum channel.
type Message struct {
	Kind MessageKind `json:"kind"`

	// ping/pong
	EngineID   string `json:"engineId,omitempty"`
	StreamDepth int64  `json:"streamDepth,omitempty"`
	WorkerTopic string `json:"workerTopic,omitempty"`

	// activate
	AppID       string `json:"appId,omitempty"`
	CacheMode   string `json:"cacheMode,omitempty"`
	UntilVersion string `json:"untilVersion,omitempty"`

	// throttle
	GUID         string `json:"guid,omitempty"`
	Topic        string `json:"topic,omitempty"`
	ThrottleMS   int64  `json:"throttleMs,omitempty"`

	// rollcall
	Max      int `json:"max,omitempty"`
	Interval int `json:"intervalMs,omitempty"`

	// job
	JID     string          `json:"jid,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler reacts to inbound control-plane messages. The Quorum delivers
// every message kind it parses successfully; handlers ignore kinds they
// don't care about.
type Handler interface {
	HandleQuorumMessage(ctx context.Context, msg Message) error
}

// Quorum is one engine's or worker's membership in the control plane.
type Quorum struct {
	engineID string
	redis    *redis.Client
	poolNode *pool.Node
	gossip   *rmap.Map

	subject string
	logger  telemetry.Logger
	cfg     config.Config

	throttles *Throttle
	activation *Activation

	handler Handler
}

// Options configures a Quorum member.
type Options struct {
	Redis      *redis.Client
	Namespace  string
	EngineID   string
	Logger     telemetry.Logger
	Config     config.Config
	Handler    Handler
}

// New joins the quorum: a pool node for distributed scheduling and a
// replicated map ("<namespace>:quorum:gossip") all members read/write for
// rollcall census and throttle state.
func New(ctx context.Context, opts Options) (*Quorum, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("quorum: redis client is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	poolName := opts.Namespace + ":quorum:pool"
	node, err := pool.AddNode(ctx, poolName, opts.Redis)
	if err != nil {
		return nil, fmt.Errorf("quorum: add pool node: %w", err)
	}
	gossipName := opts.Namespace + ":quorum:gossip"
	gossip, err := rmap.Join(ctx, gossipName, opts.Redis)
	if err != nil {
		return nil, fmt.Errorf("quorum: join gossip map: %w", err)
	}

	q := &Quorum{
		engineID: opts.EngineID,
		redis:    opts.Redis,
		poolNode: node,
		gossip:   gossip,
		subject:  opts.Namespace + ":quorum",
		logger:   opts.Logger,
		cfg:      opts.Config,
		handler:  opts.Handler,
	}
	q.throttles = NewThrottle(gossip)
	q.activation = NewActivation(gossip, q, opts.Config)
	return q, nil
}

// Publish broadcasts msg to every quorum member over the control-plane
// pub/sub subject.
func (q *Quorum) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("quorum: marshal: %w", err)
	}
	if err := q.redis.Publish(ctx, q.subject, raw).Err(); err != nil {
		return fmt.Errorf("quorum: publish: %w", err)
	}
	return nil
}

// Listen subscribes to the control-plane subject and dispatches every
// parsed message to the configured Handler until ctx is canceled.
func (q *Quorum) Listen(ctx context.Context) error {
	sub := q.redis.Subscribe(ctx, q.subject)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				q.logger.Warn(ctx, "quorum: malformed message", "err", err.Error())
				continue
			}
			if msg.Kind == KindThrottle {
				q.throttles.observe(msg)
			}
			if q.handler != nil {
				if err := q.handler.HandleQuorumMessage(ctx, msg); err != nil {
					q.logger.Error(ctx, "quorum: handler failed", "kind", string(msg.Kind), "err", err.Error())
				}
			}
		}
	}
}

// Ping broadcasts this member's presence and profile.
func (q *Quorum) Ping(ctx context.Context, streamDepth int64, workerTopic string) error {
	return q.Publish(ctx, Message{Kind: KindPing, EngineID: q.engineID, StreamDepth: streamDepth, WorkerTopic: workerTopic})
}

// Pong acknowledges a ping.
func (q *Quorum) Pong(ctx context.Context, streamDepth int64) error {
	return q.Publish(ctx, Message{Kind: KindPong, EngineID: q.engineID, StreamDepth: streamDepth})
}

// Rollcall requests a census, optionally bounding how many responders are
// expected and the inter-response interval.
func (q *Quorum) Rollcall(ctx context.Context, max int, interval time.Duration) error {
	return q.Publish(ctx, Message{Kind: KindRollcall, Max: max, Interval: int(interval.Milliseconds())})
}

// BroadcastJob publishes a job-completion payload for subscribers across
// the cluster.
func (q *Quorum) BroadcastJob(ctx context.Context, jid string, payload json.RawMessage) error {
	return q.Publish(ctx, Message{Kind: KindJob, JID: jid, Payload: payload})
}

// Throttle returns the member's throttle-state tracker.
func (q *Quorum) Throttle() *Throttle { return q.throttles }

// Activation returns the member's version-activation coordinator.
func (q *Quorum) Activation() *Activation { return q.activation }

// PoolNode exposes the underlying Pulse pool node so other components
// (e.g. the Task Service scout loop) can share its distributed-ticker
// coordination rather than each opening a second one.
func (q *Quorum) PoolNode() *pool.Node { return q.poolNode }
