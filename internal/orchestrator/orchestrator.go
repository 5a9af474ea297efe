// Package orchestrator assembles the engine facade applications embed: it
// wires the Activity Engine, the Task Service, the Quorum control plane, and
// the Reentrant Workflow Runtime into one process, supplying every interface
// those packages leave to their caller (GraphSource, CompletionNotifier,
// task.Dispatcher, workflow.Dispatcher/Effects/HotMesh) so none of them
// depends on any of the others (spec section 5, "HotMesh (engine facade)").
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hotmeshio/hotmesh-go/internal/activity"
	"github.com/hotmeshio/hotmesh-go/internal/collator"
	"github.com/hotmeshio/hotmesh-go/internal/config"
	"github.com/hotmeshio/hotmesh-go/internal/expiry"
	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/quorum"
	"github.com/hotmeshio/hotmesh-go/internal/store"
	"github.com/hotmeshio/hotmesh-go/internal/stream"
	"github.com/hotmeshio/hotmesh-go/internal/task"
	"github.com/hotmeshio/hotmesh-go/internal/telemetry"
	"github.com/hotmeshio/hotmesh-go/internal/workflow"
)

// ActivityFunc is a durable-workflow proxy activity: the function a
// ProxyActivities().Call(name, args) invocation ultimately runs. It executes
// in-process, synchronously, within the Dispatcher call that resolves the
// interruption (spec section 9, Open Questions: proxy activities here are a
// registered local function rather than a second stream hop, since both
// shapes already exist for worker callbacks — see DESIGN.md).
type ActivityFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Options configures a new Orchestrator. Redis is optional: with it nil, the
// instance runs without a Quorum (single-engine deployments, tests).
type Options struct {
	Store     store.Provider
	Namespace string
	AppID     string
	EngineID  string
	Redis     *redis.Client
	Config    config.Config
	Logger    telemetry.Logger
	Tracer    telemetry.Tracer

	GraphTTL time.Duration
}

// Orchestrator is the top-level HotMesh engine facade: the union of Deploy/
// Activate, Pub/Sub/Hook, GetState/GetStatus, Interrupt/Export/Throttle, and
// the registration surface (RegisterWorker/RegisterActivity/
// RegisterWorkflow) an embedding application drives directly.
type Orchestrator struct {
	store    store.Provider
	keys     *keys.Builder
	cfg      config.Config
	logger   telemetry.Logger
	tracer   telemetry.Tracer
	engineID string
	appID    string

	graphs    *graph.DescriptorCache
	collator  *collator.Collator
	timehooks *task.TimehookStore
	webhooks  *task.WebhookIndex
	signals   *task.SignalIndex
	scout     *task.Scout
	scrubber  *expiry.Scrubber
	engine    *activity.Engine
	driver    *workflow.Driver
	quorum    *quorum.Quorum

	activities map[string]ActivityFunc
	workflows  map[string]workflow.WorkflowFunc

	mu      sync.Mutex
	waiters map[string][]chan map[string]any

	routersMu sync.Mutex
	routers   []*stream.Router
	cancel    context.CancelFunc
}

// New assembles an Orchestrator. Call Start to begin routing; New alone
// performs no I/O beyond joining the quorum (when opts.Redis is set).
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if opts.Namespace == "" {
		opts.Namespace = "hmsh"
	}
	if opts.EngineID == "" {
		opts.EngineID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.GraphTTL <= 0 {
		opts.GraphTTL = 30 * time.Second
	}

	kb := keys.New(opts.Namespace, opts.AppID)
	o := &Orchestrator{
		store:      opts.Store,
		keys:       kb,
		cfg:        opts.Config,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		engineID:   opts.EngineID,
		appID:      opts.AppID,
		activities: make(map[string]ActivityFunc),
		workflows:  make(map[string]workflow.WorkflowFunc),
		waiters:    make(map[string][]chan map[string]any),
	}

	o.graphs = graph.NewDescriptorCache(opts.Store, kb, opts.GraphTTL)
	o.engine = activity.NewEngine(opts.Store, kb, o.graphs, o, opts.Config, opts.Logger, opts.Tracer)
	o.scrubber = expiry.NewScrubber(opts.Store, kb, scrubberInterval(opts.Config), opts.Logger)
	o.engine.Expirer = o.scrubber
	o.collator = o.engine.Collator
	o.timehooks = o.engine.Timehooks
	o.webhooks = o.engine.Webhooks
	o.signals = o.engine.Signals
	o.driver = workflow.NewDriver(opts.Store, kb, o.collator, o, o, o, opts.Logger)

	if opts.Redis != nil {
		q, err := quorum.New(ctx, quorum.Options{
			Redis:     opts.Redis,
			Namespace: opts.Namespace,
			EngineID:  opts.EngineID,
			Logger:    opts.Logger,
			Config:    opts.Config,
			Handler:   o,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: join quorum: %w", err)
		}
		o.quorum = q
		o.scout = task.NewScout(o.timehooks, o, q.PoolNode(), scoutInterval(opts.Config), opts.Logger)
	} else {
		o.scout = task.NewScout(o.timehooks, o, nil, scoutInterval(opts.Config), opts.Logger)
	}

	return o, nil
}

func scoutInterval(cfg config.Config) time.Duration {
	if cfg.ScoutIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(cfg.ScoutIntervalSeconds) * time.Second
}

// scrubberInterval reuses HMSH_FIDELITY_SECONDS — the same "how often do we
// sweep a due-by-score sorted set" cadence the spec uses for the time-hook
// scout — for the scrubber's own deletion sweep.
func scrubberInterval(cfg config.Config) time.Duration {
	if cfg.FidelitySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(cfg.FidelitySeconds) * time.Second
}

// Handle is the stream.Handler every Router this Orchestrator owns binds to.
// It intercepts workflow-wake deliveries directly (the Activity Engine has
// no notion of them) and defers everything else to the Activity Engine.
func (o *Orchestrator) Handle(ctx context.Context, msg stream.Data) (stream.Response, error) {
	if msg.Type == stream.TypeWorkflowWake {
		return o.handleWorkflowWake(ctx, msg)
	}
	return o.engine.Handle(ctx, msg)
}

// RegisterWorker binds an in-process worker callback to topic, the
// synchronous counterpart a deployed graph's worker-type activity dispatches
// to (spec section 4.4, Worker).
func (o *Orchestrator) RegisterWorker(topic string, cb activity.WorkerCallback) {
	o.engine.RegisterWorker(topic, cb)
}

// RegisterActivity binds a proxy-activity implementation, the function a
// workflow's ProxyActivities().Call(name, ...) invokes (spec section 4.6).
func (o *Orchestrator) RegisterActivity(name string, fn ActivityFunc) {
	o.mu.Lock()
	o.activities[name] = fn
	o.mu.Unlock()
}

// RegisterWorkflow binds a durable workflow function to topic. Internally
// this registers a WorkflowCallback closure with the Activity Engine, which
// prefers it over any plain worker registered on the same topic.
func (o *Orchestrator) RegisterWorkflow(topic string, fn workflow.WorkflowFunc) {
	o.mu.Lock()
	o.workflows[topic] = fn
	o.mu.Unlock()
	o.engine.RegisterWorkflow(topic, func(ctx context.Context, meta stream.Metadata, input map[string]any) (map[string]any, bool, int, error) {
		return o.runWorkflow(ctx, topic, meta, input)
	})
}

// Start binds one Router to the shared engine stream (registered workers run
// in-process from that router's handler, so no per-worker-topic Router is
// created), plus the scout loop, the scrubber and (if joined) the quorum
// listener, and runs them until ctx is canceled.
func (o *Orchestrator) Start(ctx context.Context, appID string) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.graphs.StartRefresh(ctx)

	engineRouter := stream.New(o.store, stream.HandlerFunc(o.Handle), stream.Options{
		Stream:   o.keys.StreamKey(appID),
		Group:    "engine",
		Consumer: o.engineID,
		Config:   o.cfg,
		Logger:   o.logger,
		Tracer:   o.tracer,
	})
	o.routersMu.Lock()
	o.routers = append(o.routers, engineRouter)
	o.routersMu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engineRouter.Run(ctx); err != nil {
			o.logger.Error(ctx, "orchestrator: engine router stopped", "err", err.Error())
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.scout.Run(ctx); err != nil {
			o.logger.Error(ctx, "orchestrator: scout stopped", "err", err.Error())
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.scrubber.Run(ctx); err != nil {
			o.logger.Error(ctx, "orchestrator: scrubber stopped", "err", err.Error())
		}
	}()

	if o.quorum != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.quorum.Listen(ctx); err != nil {
				o.logger.Error(ctx, "orchestrator: quorum listener stopped", "err", err.Error())
			}
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// Stop cancels every router, the scout loop, and the quorum listener Start
// launched, and stops the graph cache's background refresh.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.scout.Stop()
	o.scrubber.Stop()
	o.graphs.StopRefresh()
	o.routersMu.Lock()
	for _, r := range o.routers {
		r.Shutdown()
	}
	o.routersMu.Unlock()
}
