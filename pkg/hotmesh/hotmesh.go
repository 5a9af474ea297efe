// Package hotmesh is the public embedding surface for a HotMesh deployment:
// a Client wrapping the engine facade internal/orchestrator assembles, built
// from functional Options rather than a literal struct so new knobs can be
// added without breaking existing callers.
package hotmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hotmeshio/hotmesh-go/internal/activity"
	"github.com/hotmeshio/hotmesh-go/internal/config"
	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/orchestrator"
	"github.com/hotmeshio/hotmesh-go/internal/quorum"
	"github.com/hotmeshio/hotmesh-go/internal/store"
	"github.com/hotmeshio/hotmesh-go/internal/telemetry"
	"github.com/hotmeshio/hotmesh-go/internal/workflow"
)

// Re-exported so callers never need to import internal/... packages
// directly to use a Client.
type (
	App            = graph.App
	Graph          = graph.Graph
	Activity       = graph.Activity
	ActivityType   = graph.ActivityType
	Transition     = graph.Transition
	HookRule       = graph.HookRule
	RetryPolicy    = graph.RetryPolicy
	ActivityFunc   = orchestrator.ActivityFunc
	WorkerCallback = activity.WorkerCallback
	WorkflowFunc   = workflow.WorkflowFunc
	CacheMode      = quorum.CacheMode
)

const (
	CacheModeNoCache = quorum.CacheModeNoCache
	CacheModeCache   = quorum.CacheModeCache

	TypeTrigger   = graph.TypeTrigger
	TypeWorker    = graph.TypeWorker
	TypeHook      = graph.TypeHook
	TypeSignal    = graph.TypeSignal
	TypeInterrupt = graph.TypeInterrupt
	TypeCycle     = graph.TypeCycle
	TypeAwait     = graph.TypeAwait
)

// Options collects every knob New accepts. Unexported: callers build it
// exclusively through With* functions.
type Options struct {
	store     store.Provider
	namespace string
	appID     string
	engineID  string
	redis     *redis.Client
	config    config.Config
	logger    telemetry.Logger
	tracer    telemetry.Tracer
	graphTTL  time.Duration
}

// Option configures a Client under construction.
type Option func(*Options)

// WithStore sets the storage backend (required).
func WithStore(p store.Provider) Option { return func(o *Options) { o.store = p } }

// WithNamespace sets the key namespace prefix; defaults to "hmsh".
func WithNamespace(ns string) Option { return func(o *Options) { o.namespace = ns } }

// WithAppID scopes this Client to one deployed application.
func WithAppID(appID string) Option { return func(o *Options) { o.appID = appID } }

// WithEngineID sets a stable engine identity; a random one is minted if unset.
func WithEngineID(id string) Option { return func(o *Options) { o.engineID = id } }

// WithRedis joins the engine to a quorum over the given Redis client. Omit
// for a single-engine deployment with no cluster coordination.
func WithRedis(c *redis.Client) Option { return func(o *Options) { o.redis = c } }

// WithConfig overrides the HMSH_* environment knobs with an explicit value,
// bypassing config.FromEnv.
func WithConfig(cfg config.Config) Option { return func(o *Options) { o.config = cfg } }

// WithLogger sets the structured logger every subsystem binds to.
func WithLogger(l telemetry.Logger) Option { return func(o *Options) { o.logger = l } }

// WithTracer sets the tracer every subsystem binds to.
func WithTracer(t telemetry.Tracer) Option { return func(o *Options) { o.tracer = t } }

// WithGraphTTL overrides how long a deployed app's descriptors are cached
// in-process before a read-through reload.
func WithGraphTTL(d time.Duration) Option { return func(o *Options) { o.graphTTL = d } }

// Client is one engine's embedding surface: Deploy/Activate a graph,
// register workers/activities/workflows, Pub/PubSub jobs, and deliver
// external Hook signals.
type Client struct {
	o *orchestrator.Orchestrator
}

// New assembles a Client. WithStore and WithAppID are required; every other
// Option has a documented default.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.store == nil {
		return nil, fmt.Errorf("hotmesh: WithStore is required")
	}
	if o.appID == "" {
		return nil, fmt.Errorf("hotmesh: WithAppID is required")
	}

	eng, err := orchestrator.New(ctx, orchestrator.Options{
		Store:     o.store,
		Namespace: o.namespace,
		AppID:     o.appID,
		EngineID:  o.engineID,
		Redis:     o.redis,
		Config:    o.config,
		Logger:    o.logger,
		Tracer:    o.tracer,
		GraphTTL:  o.graphTTL,
	})
	if err != nil {
		return nil, err
	}
	return &Client{o: eng}, nil
}

// Deploy registers app's descriptors, making its latest version eligible
// for Activate.
func (c *Client) Deploy(ctx context.Context, app *App) error {
	return c.o.Deploy(ctx, app)
}

// Activate cuts the given app over to untilVersion cluster-wide.
func (c *Client) Activate(ctx context.Context, appID, untilVersion string, cacheMode CacheMode) error {
	return c.o.Activate(ctx, appID, untilVersion, cacheMode)
}

// RegisterWorker binds an in-process callback to a deployed worker-type
// activity's topic.
func (c *Client) RegisterWorker(topic string, cb WorkerCallback) {
	c.o.RegisterWorker(topic, cb)
}

// RegisterActivity binds a proxy-activity implementation a durable workflow
// invokes via ProxyActivities().Call.
func (c *Client) RegisterActivity(name string, fn ActivityFunc) {
	c.o.RegisterActivity(name, fn)
}

// RegisterWorkflow binds a durable workflow function to topic.
func (c *Client) RegisterWorkflow(topic string, fn WorkflowFunc) {
	c.o.RegisterWorkflow(topic, fn)
}

// Pub starts a job against topic's deployed trigger and returns immediately.
func (c *Client) Pub(ctx context.Context, topic string, payload map[string]any) (string, error) {
	return c.o.Pub(ctx, topic, payload)
}

// PubSub starts a job and blocks until it completes or ctx is canceled.
func (c *Client) PubSub(ctx context.Context, topic string, payload map[string]any) (map[string]any, error) {
	return c.o.PubSub(ctx, topic, payload)
}

// Hook delivers an external web-hook signal to whichever activity is
// currently waiting on topic.
func (c *Client) Hook(ctx context.Context, appID, topic string, data map[string]any) (string, error) {
	return c.o.Hook(ctx, appID, topic, data)
}

// HookAll fans data out to every already-resolved web-hook target in
// targetKeys.
func (c *Client) HookAll(ctx context.Context, appID, topic string, data map[string]any, targetKeys []string) ([]string, error) {
	return c.o.HookAll(ctx, appID, topic, data, targetKeys)
}

// GetState returns a job's current data tree.
func (c *Client) GetState(ctx context.Context, topic, jid string) (map[string]any, error) {
	return c.o.GetState(ctx, topic, jid)
}

// GetStatus reports a job's coarse lifecycle state.
func (c *Client) GetStatus(ctx context.Context, jid string) (string, error) {
	return c.o.GetStatus(ctx, jid)
}

// Export returns a job's terminal snapshot bundle.
func (c *Client) Export(ctx context.Context, jid string) (map[string]any, error) {
	return c.o.Export(ctx, jid)
}

// Interrupt requests early termination of a running job.
func (c *Client) Interrupt(ctx context.Context, appID, jid, reason string, code int, throw, descend bool, expireSeconds *int) error {
	return c.o.InterruptJob(ctx, appID, jid, reason, code, throw, descend, expireSeconds)
}

// Throttle sets the same read delay on every Router this engine owns and,
// when joined to a quorum, broadcasts it with topic to the other engines.
// topic does not select which local Router is throttled.
func (c *Client) Throttle(ctx context.Context, topic string, delay time.Duration) error {
	return c.o.Throttle(ctx, topic, delay)
}

// Start binds and runs the engine-stream Router, the scout loop, the
// scrubber, and (if joined) the quorum listener until ctx is canceled.
func (c *Client) Start(ctx context.Context, appID string) error {
	return c.o.Start(ctx, appID)
}

// Stop cancels everything Start launched.
func (c *Client) Stop() {
	c.o.Stop()
}
