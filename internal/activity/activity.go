// Package activity implements the per-type activity state machines (spec
// section 4.4): trigger, worker, hook, signal, interrupt, cycle, and await.
// Every activity executes through the two-leg protocol from
// internal/collator — leg 1 performs the side effect and parks, leg 2 fires
// on external resolution and advances the job's transitions — and every
// outgoing edge is evaluated through internal/graph's guard tree before it
// counts toward the semaphore credit.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hotmeshio/hotmesh-go/internal/collator"
	"github.com/hotmeshio/hotmesh-go/internal/config"
	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/mapper"
	"github.com/hotmeshio/hotmesh-go/internal/pipe"
	"github.com/hotmeshio/hotmesh-go/internal/serializer"
	"github.com/hotmeshio/hotmesh-go/internal/store"
	"github.com/hotmeshio/hotmesh-go/internal/stream"
	"github.com/hotmeshio/hotmesh-go/internal/task"
	"github.com/hotmeshio/hotmesh-go/internal/telemetry"
)

// GraphSource resolves deployed descriptors for an app. The orchestrator
// supplies a cached-and-version-switched implementation; the engine itself
// never parses or compiles graph source.
type GraphSource interface {
	Activity(ctx context.Context, appID, version, aid string) (*graph.Activity, bool, error)
	Transitions(ctx context.Context, appID, version, aid string) ([]graph.Transition, error)
	HookRule(ctx context.Context, appID, version, topic string) (*graph.HookRule, bool, error)
	RootSuccessors(ctx context.Context, appID, version, subscribes string) ([]string, error)
	ActiveVersion(appID string) string
}

// CompletionNotifier publishes job-completion events and parent-await
// wakeups. The orchestrator implements this over its pub/sub surface;
// kept as an interface so the engine doesn't depend on the orchestrator
// package (which depends on the engine).
type CompletionNotifier interface {
	NotifyCompletion(ctx context.Context, appID, jid string, output map[string]any) error
	NotifyParentAwait(ctx context.Context, parentJID, parentAID, parentDAD, childJID string, output map[string]any) error
}

// Expirer schedules a completed job's hash for deletion. The orchestrator
// supplies a *expiry.Scrubber-backed implementation; the engine depends
// only on this narrow interface to stay independent of that package (spec
// section 3, "Expiry/Scrubber"). A nil Engine.Expirer falls back to the
// backend's native per-key TTL via Store.Expire.
type Expirer interface {
	Schedule(ctx context.Context, jid string, ttl time.Duration) error
}

// Engine dispatches StreamData messages to the per-type activity behaviors
// and drives the collator-backed two-leg protocol.
type Engine struct {
	Store     store.Provider
	Keys      *keys.Builder
	Collator  *collator.Collator
	Timehooks *task.TimehookStore
	Webhooks  *task.WebhookIndex
	Signals   *task.SignalIndex
	Graphs    GraphSource
	Pipes     *pipe.Registry
	Mapper    *mapper.Mapper
	Notifier  CompletionNotifier
	Expirer   Expirer
	Config    config.Config
	Logger    telemetry.Logger
	Tracer    telemetry.Tracer

	WorkerStreamKey func(topic string) string

	workers   map[string]WorkerCallback
	workflows map[string]WorkflowCallback
}

// NewEngine constructs an Engine with sane defaults for any nil optional
// dependency.
func NewEngine(provider store.Provider, keyBuilder *keys.Builder, graphs GraphSource, notifier CompletionNotifier, cfg config.Config, logger telemetry.Logger, tracer telemetry.Tracer) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	pipes := pipe.NewRegistry()
	e := &Engine{
		Store:     provider,
		Keys:      keyBuilder,
		Collator:  collator.New(provider, keyBuilder),
		Timehooks: task.NewTimehookStore(provider, keyBuilder),
		Webhooks:  task.NewWebhookIndex(provider, keyBuilder),
		Signals:   task.NewSignalIndex(provider, keyBuilder),
		Graphs:    graphs,
		Pipes:     pipes,
		Mapper:    mapper.New(pipes),
		Notifier:  notifier,
		Config:    cfg,
		Logger:    logger,
		Tracer:    tracer,
	}
	e.WorkerStreamKey = func(topic string) string { return keyBuilder.StreamKey(topic) }
	return e
}

var _ stream.Handler = (*Engine)(nil)

// Handle implements stream.Handler, dispatching by StreamData.Type.
func (e *Engine) Handle(ctx context.Context, msg stream.Data) (stream.Response, error) {
	switch msg.Type {
	case stream.TypeTransition:
		return e.handleTransition(ctx, msg)
	case stream.TypeWorker:
		return e.handleWorkerDispatch(ctx, msg)
	case stream.TypeResponse:
		return e.handleWorkerResponse(ctx, msg)
	case stream.TypeTimehook:
		return e.handleTimehook(ctx, msg)
	case stream.TypeWebhook:
		return e.handleWebhook(ctx, msg)
	case stream.TypeSignal:
		return e.handleSignal(ctx, msg)
	case stream.TypeInterrupt:
		return e.handleInterruptMessage(ctx, msg)
	case stream.TypeAwait:
		return e.handleAwaitWake(ctx, msg)
	default:
		return stream.Response{}, errors.New(errors.KindStreamFatal, errors.CodeUnknown, fmt.Sprintf("activity: unhandled message type %q", msg.Type))
	}
}

// appVersion resolves the active version for msg.Metadata.Topic's app. Most
// messages carry enough context (aid is namespaced by appId in practice);
// the orchestrator supplies the appId separately when constructing
// per-app engines, so here we simply defer to the GraphSource's cached
// activation state keyed by the engine's bound app.
func (e *Engine) appVersion(appID string) string {
	return e.Graphs.ActiveVersion(appID)
}

// handleTransition runs leg 1 for the activity addressed by the message.
func (e *Engine) handleTransition(ctx context.Context, msg stream.Data) (stream.Response, error) {
	appID := e.appIDFromStream(msg)
	version := e.appVersion(appID)
	act, ok, err := e.Graphs.Activity(ctx, appID, version, msg.Metadata.AID)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: lookup %s: %w", msg.Metadata.AID, err)
	}
	if !ok {
		return stream.Response{}, errors.InactiveJob(msg.Metadata.JID)
	}

	dup, err := e.Collator.CommitLeg(ctx, msg.Metadata.JID, msg.Metadata.AID, msg.Metadata.DAD, "leg1")
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: commit leg1: %w", err)
	}
	if dup {
		return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
	}

	switch act.Type {
	case graph.TypeTrigger:
		return e.triggerLeg1(ctx, appID, version, act, msg)
	case graph.TypeWorker:
		return e.workerLeg1(ctx, appID, version, act, msg)
	case graph.TypeHook:
		return e.hookLeg1(ctx, appID, version, act, msg)
	case graph.TypeSignal:
		return e.signalLeg1(ctx, appID, version, act, msg)
	case graph.TypeInterrupt:
		return e.interruptLeg1(ctx, appID, version, act, msg)
	case graph.TypeCycle:
		return e.cycleLeg1(ctx, appID, version, act, msg)
	case graph.TypeAwait:
		return e.awaitLeg1(ctx, appID, version, act, msg)
	default:
		return stream.Response{}, errors.New(errors.KindStreamFatal, errors.CodeUnknown, fmt.Sprintf("activity: unknown activity type %q", act.Type))
	}
}

// appIDFromStream recovers the deploying app id. The stream key namespaces
// by app already (internal/keys.Builder), so the router's bound stream
// carries it implicitly; internally generated messages stamp the appId into
// msg.Metadata.Topic, and this returns that field for trigger and
// non-trigger messages alike. The job record's "_appId" field is not read
// here.
func (e *Engine) appIDFromStream(msg stream.Data) string {
	if msg.Metadata.JID == "" {
		return msg.Metadata.Topic
	}
	return msg.Metadata.Topic
}

// --- job state -------------------------------------------------------

// loadJob reads the job hash and reconstructs its user-data tree plus the
// raw field map (for ledger/semaphore access by callers that need it).
func (e *Engine) loadJob(ctx context.Context, jid string) (map[string]any, map[string]string, error) {
	raw, err := e.Store.HGetAll(ctx, e.Keys.JobKey(jid))
	if err != nil {
		return nil, nil, fmt.Errorf("activity: load job: %w", err)
	}
	flat := make(map[string]string)
	for k, v := range raw {
		if rest, ok := strings.CutPrefix(k, "_"); ok {
			flat[rest] = v
		}
	}
	data, err := serializer.RestoreHierarchy(flat)
	if err != nil {
		return nil, nil, fmt.Errorf("activity: restore job data: %w", err)
	}
	return data, raw, nil
}

// saveJobData flattens data and writes it back under "_"-prefixed fields.
func (e *Engine) saveJobData(ctx context.Context, jid string, data map[string]any) error {
	flat := make(map[string]string)
	if err := serializer.Flatten("", data, flat); err != nil {
		return fmt.Errorf("activity: flatten job data: %w", err)
	}
	fields := make(map[string]string, len(flat))
	for k, v := range flat {
		fields["_"+k] = v
	}
	if len(fields) == 0 {
		return nil
	}
	return e.Store.HSetMany(ctx, e.Keys.JobKey(jid), fields)
}

// buildPipeContext assembles the pipe.Context an activity's mapping rules
// and guards evaluate against: metadata, job-level data, and this
// activity's resolved input.
func buildPipeContext(meta stream.Metadata, jobData map[string]any, input map[string]any) pipe.Context {
	return pipe.Context{
		"metadata": map[string]any{
			"jid": meta.JID, "gid": meta.GID, "dad": meta.DAD, "aid": meta.AID, "topic": meta.Topic,
		},
		"data":  jobData,
		"input": input,
	}
}

// --- transitions / step protocol --------------------------------------

// edgeResult is one outgoing edge's guard-evaluation outcome.
type edgeResult struct {
	transition graph.Transition
	passed     bool
}

// evaluateEdges runs every outgoing transition's guard against ctx.
func (e *Engine) evaluateEdges(ctx context.Context, transitions []graph.Transition, pctx pipe.Context) ([]edgeResult, error) {
	out := make([]edgeResult, 0, len(transitions))
	for _, t := range transitions {
		passed := true
		if t.Guard != nil {
			var err error
			passed, err = evaluateGuard(e.Pipes, pctx, t.Guard)
			if err != nil {
				return nil, fmt.Errorf("activity: guard for %q: %w", t.To, err)
			}
		}
		out = append(out, edgeResult{transition: t, passed: passed})
	}
	return out, nil
}

// fanOut writes one transition message per guard-passing edge, minting a
// sub-step GUID for each so a crash mid-fan-out redelivers safely (spec
// section 4.3, Step protocol). It does not touch the semaphore: the caller,
// resolveAndFanOut, adjusts it by the number of passing edges.
func (e *Engine) fanOut(ctx context.Context, appID, jid, gid, dad, aid string, edges []edgeResult, output map[string]any) error {
	passing := 0
	for _, ed := range edges {
		if ed.passed {
			passing++
		}
	}
	if passing == 0 {
		return nil
	}
	idx := 0
	for _, ed := range edges {
		if !ed.passed {
			continue
		}
		_, dup, err := e.Collator.MintStepGUID(ctx, jid, aid, dad, idx)
		idx++
		if err != nil {
			return fmt.Errorf("activity: mint step guid: %w", err)
		}
		if dup {
			continue
		}
		payload, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("activity: marshal transition output: %w", err)
		}
		msg := stream.Data{
			Metadata: stream.Metadata{GUID: uuid.NewString(), Topic: appID, JID: jid, GID: gid, DAD: dad, AID: ed.transition.To},
			Type:     stream.TypeTransition,
			Data:     payload,
			Status:   stream.StatusSuccess,
			Code:     errors.CodeSuccess,
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("activity: marshal stream data: %w", err)
		}
		if _, err := e.Store.StreamAppend(ctx, e.Keys.StreamKey(appID), map[string]string{"payload": string(raw)}); err != nil {
			return fmt.Errorf("activity: append transition: %w", err)
		}
	}
	return nil
}

// completeStep adjusts the semaphore by delta and, if this call crosses it
// from positive to zero, runs the completion sequence (spec section 4.3,
// Completion semantics).
func (e *Engine) completeStep(ctx context.Context, appID, jid string, delta int64) error {
	result, err := e.Collator.AdjustAndCheck(ctx, jid, delta)
	if err != nil {
		return fmt.Errorf("activity: adjust semaphore: %w", err)
	}
	if !result.Completed {
		return nil
	}
	data, raw, err := e.loadJob(ctx, jid)
	if err != nil {
		return err
	}
	if e.Notifier != nil {
		if err := e.Notifier.NotifyCompletion(ctx, appID, jid, data); err != nil {
			e.Logger.Error(ctx, "activity: notify completion failed", "jid", jid, "err", err.Error())
		}
		if parentJID, parentAID, parentDAD, ok := parseAwaitParent(raw[awaitField]); ok {
			if err := e.Notifier.NotifyParentAwait(ctx, parentJID, parentAID, parentDAD, jid, data); err != nil {
				e.Logger.Error(ctx, "activity: notify parent await failed", "jid", jid, "parent", parentJID, "err", err.Error())
			}
		}
	}
	if err := e.scheduleExpiry(ctx, jid, time.Duration(e.Config.ExpireJobSeconds)*time.Second); err != nil {
		e.Logger.Error(ctx, "activity: schedule job expiry failed", "jid", jid, "err", err.Error())
	}
	return nil
}

// scheduleExpiry routes to the Expirer when one is configured (spec
// section 3, "Expiry/Scrubber"), falling back to the backend's native
// per-key TTL otherwise. ttl<=0 means "never" here (the configured default
// disabled), distinct from interruptJob's own immediate-deletion override.
func (e *Engine) scheduleExpiry(ctx context.Context, jid string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if e.Expirer != nil {
		return e.Expirer.Schedule(ctx, jid, ttl)
	}
	return e.Store.Expire(ctx, e.Keys.JobKey(jid), ttl)
}

// scheduleInterruptExpiry applies an interrupt's expire override, where nil
// defers to the configured default (scheduleExpiry's usual "<=0 disables it"
// rule) but a non-nil override of *0 means immediate deletion rather than
// "disabled" — interrupt's explicit zero is a request, not an absent value.
func (e *Engine) scheduleInterruptExpiry(ctx context.Context, jid string, expireSeconds *int) error {
	if expireSeconds == nil {
		return e.scheduleExpiry(ctx, jid, time.Duration(e.Config.ExpireJobSeconds)*time.Second)
	}
	ttl := time.Duration(*expireSeconds) * time.Second
	if e.Expirer != nil {
		return e.Expirer.Schedule(ctx, jid, ttl)
	}
	if ttl <= 0 {
		return e.Store.Del(ctx, e.Keys.JobKey(jid))
	}
	return e.Store.Expire(ctx, e.Keys.JobKey(jid), ttl)
}

// resolveAndFanOut evaluates an activity's outgoing transitions against
// pctx, credits the semaphore for the resulting fan-out (passing-1), and
// either runs the completion sequence (no passing edge) or writes a
// transition message per passing edge. This is the shared second half of
// every activity's terminal leg — trigger's single leg, and every 2-leg
// type's leg 2 once its output is known (spec section 4.3, "Leg 2 ...
// produces transitions for the adjacency list").
func (e *Engine) resolveAndFanOut(ctx context.Context, appID, jid, gid, dad, aid string, transitions []graph.Transition, pctx pipe.Context, output map[string]any) error {
	edges, err := e.evaluateEdges(ctx, transitions, pctx)
	if err != nil {
		return err
	}
	passing := countPassing(edges)
	if passing == 0 {
		return e.completeStep(ctx, appID, jid, -1)
	}
	if _, err := e.Collator.AdjustSemaphore(ctx, jid, int64(passing-1)); err != nil {
		return fmt.Errorf("activity: resolve: adjust semaphore: %w", err)
	}
	return e.fanOut(ctx, appID, jid, gid, dad, aid, edges, output)
}

// parkForReply credits the semaphore by +1, representing this activity's
// own leg 2 as a still-outstanding unit of work (spec section 4.4, Worker:
// "parks (js += adjacents-1 then +1 for the pending reply)").
func (e *Engine) parkForReply(ctx context.Context, jid string) error {
	_, err := e.Collator.AdjustSemaphore(ctx, jid, 1)
	if err != nil {
		return fmt.Errorf("activity: park for reply: %w", err)
	}
	return nil
}

// consumeReply credits the semaphore by -1, resolving the park credit a
// leg 1 placed before its leg 2 fired, running the completion sequence if
// this is the call that crosses the semaphore to zero.
func (e *Engine) consumeReply(ctx context.Context, appID, jid string) error {
	return e.completeStep(ctx, appID, jid, -1)
}

// dimensionalSuffix mints a new `dad` suffix for a cycle re-entry, keeping
// the previous dad discoverable (spec section 4.4, Cycle).
func dimensionalSuffix(dad string) string {
	n := 0
	if idx := strings.LastIndexByte(dad, ','); idx >= 0 {
		if parsed, err := strconv.Atoi(dad[idx+1:]); err == nil {
			n = parsed + 1
			return dad[:idx] + "," + strconv.Itoa(n)
		}
	}
	return dad + ",1"
}
