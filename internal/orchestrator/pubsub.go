package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/quorum"
	"github.com/hotmeshio/hotmesh-go/internal/task"
)

func decodeQuorumMessage(body []byte, msg *quorum.Message) error {
	return json.Unmarshal(body, msg)
}

func decodeJobPayload(raw json.RawMessage) (map[string]any, error) {
	var out map[string]any
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// jobIDFromPayload returns the caller-supplied jid from payload["id"], and
// whether one was supplied at all — a minted uuid never collides with an
// existing job and so never needs the duplicate check below.
func jobIDFromPayload(payload map[string]any) (jid string, supplied bool) {
	if payload != nil {
		if v, ok := payload["id"].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// rejectIfJobExists returns a DuplicateJob error if jid already names a
// job record (spec section 8, scenario S4: "Two pub('order.scheduled',
// {id:'ord_1002', ...}) calls in sequence: the second throws a duplicate-job
// error"). The GUID-ledger short-circuit in internal/activity.triggerLeg1
// only prevents the *second trigger message* from re-running leg 1 — it
// never surfaces anything to the second caller, who would otherwise hang
// until its context deadline. This check runs before dispatchTrigger so the
// second caller gets an immediate, synchronous rejection instead.
func (o *Orchestrator) rejectIfJobExists(ctx context.Context, jid string) error {
	vals, err := o.store.HGetMany(ctx, o.keys.JobKey(jid), []string{":status"})
	if err != nil {
		return fmt.Errorf("orchestrator: check existing job: %w", err)
	}
	if vals[":status"] != "" {
		return errors.DuplicateJob(jid)
	}
	return nil
}

// pub mints a jid (if the caller didn't supply one via payload["id"]) and
// dispatches topic's trigger, the shared core behind the exported Pub and
// workflow.HotMesh's Pub.
func (o *Orchestrator) pub(ctx context.Context, topic string, payload map[string]any) (string, error) {
	jid, supplied := jobIDFromPayload(payload)
	if supplied {
		if err := o.rejectIfJobExists(ctx, jid); err != nil {
			return "", err
		}
	} else {
		jid = uuid.NewString()
	}
	if err := o.dispatchTrigger(ctx, topic, jid, payload); err != nil {
		return "", err
	}
	return jid, nil
}

// Pub starts a new job against topic's deployed trigger and returns its jid
// without waiting for completion (spec section 4.2, Pub).
func (o *Orchestrator) Pub(ctx context.Context, topic string, payload map[string]any) (string, error) {
	return o.pub(ctx, topic, payload)
}

// PubSub starts a job and blocks until it completes or ctx is canceled,
// returning its terminal output (spec section 4.2, PubSub).
func (o *Orchestrator) PubSub(ctx context.Context, topic string, payload map[string]any) (map[string]any, error) {
	jid, supplied := jobIDFromPayload(payload)
	if supplied {
		if err := o.rejectIfJobExists(ctx, jid); err != nil {
			return nil, err
		}
	} else {
		jid = uuid.NewString()
	}
	ch := o.registerWaiter(jid)
	if err := o.dispatchTrigger(ctx, topic, jid, payload); err != nil {
		o.resolveWaiters(jid, nil)
		return nil, err
	}
	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sub subscribes to every completion broadcast the cluster's quorum sees
// (spec section 4.2, Sub): a raw feed of every job's output, filtered by
// the caller. Returns an error if this instance never joined a quorum,
// since a single-process deployment has no broadcast channel to listen on
// beyond its own PubSub waiters.
func (o *Orchestrator) Sub(ctx context.Context) (<-chan map[string]any, func(), error) {
	if o.quorum == nil {
		return nil, nil, fmt.Errorf("orchestrator: sub: no quorum joined")
	}
	raw, err := o.store.Subscribe(ctx, o.keys.QuorumKey())
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: sub: %w", err)
	}
	out := make(chan map[string]any, 16)
	go func() {
		defer close(out)
		for body := range raw.Messages() {
			var msg quorum.Message
			if err := decodeQuorumMessage(body, &msg); err != nil || msg.Kind != quorum.KindJob {
				continue
			}
			job, err := decodeJobPayload(msg.Payload)
			if err != nil {
				continue
			}
			select {
			case out <- job:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = raw.Close() }, nil
}

// RegisterWebhook registers a web-hook waiter for topic's resolved match
// value, the external counterpart of a deployed hook activity's own leg-1
// registration (spec section 4.4, Hook). Named distinctly from the
// workflow.Effects Hook method this type also implements (effects.go),
// which serves a workflow frame's own, differently-shaped hook() call.
func (o *Orchestrator) RegisterWebhook(ctx context.Context, topic, resolved string, target task.HookTarget) error {
	return o.webhooks.Register(ctx, topic, resolved, target)
}

// GetState returns a job's current data tree.
func (o *Orchestrator) GetState(ctx context.Context, topic, jid string) (map[string]any, error) {
	return o.loadJobData(ctx, jid)
}

// GetStatus reports a job's coarse lifecycle state: the raw ":status"
// field internal/activity's trigger/interrupt legs stamp ("running",
// "interrupted"), or "completed" once its semaphore has crossed to zero.
func (o *Orchestrator) GetStatus(ctx context.Context, jid string) (string, error) {
	vals, err := o.store.HGetMany(ctx, o.keys.JobKey(jid), []string{":status", "js"})
	if err != nil {
		return "", fmt.Errorf("orchestrator: get status: %w", err)
	}
	status := vals[":status"]
	if status == "" {
		return "", nil
	}
	if status == "running" {
		if js, ok := vals["js"]; ok {
			if n, err := strconv.ParseInt(js, 10, 64); err == nil && n <= 0 {
				return "completed", nil
			}
		}
	}
	return status, nil
}

// GetQueryState returns the subset of a job's data tree addressed by
// fields, for callers that only need a few values rather than the whole
// tree.
func (o *Orchestrator) GetQueryState(ctx context.Context, jid string, fields []string) (map[string]any, error) {
	data, err := o.loadJobData(ctx, jid)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := data[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// InterruptJob stops jid, optionally throwing a WorkflowInterruption into
// any suspended workflow frame, descending into its children, and
// overriding its scheduled expiry (spec section 4.3, Interrupt: "interrupt
// (jid, {throw, descend, expire})"). expireSeconds nil defers to the
// configured default; *0 deletes the job hash immediately. Named distinctly
// from the workflow.Effects Interrupt method this type also implements
// (effects.go), which serves a running workflow's own best-effort
// interrupt() call against another job.
func (o *Orchestrator) InterruptJob(ctx context.Context, appID, jid, reason string, code int, throw, descend bool, expireSeconds *int) error {
	return o.engine.Interrupt(ctx, appID, jid, reason, code, throw, descend, expireSeconds)
}

// Export builds a flat audit record of a job's raw hash fields: its data
// tree, status, and semaphore, for tooling that inspects completed or
// in-flight jobs from outside the engine (spec section 4.8, Export). This
// is a simplified export relative to a full leg-by-leg timeline — see
// DESIGN.md.
func (o *Orchestrator) Export(ctx context.Context, jid string) (map[string]any, error) {
	data, err := o.loadJobData(ctx, jid)
	if err != nil {
		return nil, err
	}
	status, err := o.GetStatus(ctx, jid)
	if err != nil {
		return nil, err
	}
	semaphore, err := o.collator.Semaphore(ctx, jid)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"jid":       jid,
		"status":    status,
		"semaphore": semaphore,
		"data":      data,
	}, nil
}

// Throttle sets the inter-message delay cluster-wide: locally on every
// Router this instance owns, and broadcast to every other engine via the
// quorum (spec section 4.7, Throttle). topic is carried on the broadcast
// for informational filtering by receivers; locally every router this
// instance owns is throttled uniformly, since each serves one stream
// already addressed by its own appID.
func (o *Orchestrator) Throttle(ctx context.Context, topic string, delay time.Duration) error {
	o.routersMu.Lock()
	for _, r := range o.routers {
		r.SetThrottle(delay)
	}
	o.routersMu.Unlock()
	if o.quorum == nil {
		return nil
	}
	return o.quorum.Publish(ctx, quorum.Message{
		Kind:       quorum.KindThrottle,
		GUID:       uuid.NewString(),
		Topic:      topic,
		ThrottleMS: delay.Milliseconds(),
	})
}

// Deploy validates and persists app's activity graphs (spec section 4.7,
// Deploy).
func (o *Orchestrator) Deploy(ctx context.Context, app *graph.App) error {
	return o.graphs.Deploy(ctx, app)
}

// Activate cuts the cluster over to appID's untilVersion: announces this
// engine's presence for the rollcall census, broadcasts the activation
// request, and blocks until every censused engine has reloaded and voted
// (or returns immediately, locally, if this instance never joined a
// quorum — a single-engine deployment activates unilaterally).
func (o *Orchestrator) Activate(ctx context.Context, appID, untilVersion string, cacheMode quorum.CacheMode) error {
	if o.quorum == nil {
		return o.graphs.Activate(ctx, appID, untilVersion)
	}
	if err := o.quorum.Activation().Announce(ctx, appID, o.engineID); err != nil {
		return err
	}
	if err := o.quorum.Activation().Activate(ctx, appID, untilVersion, cacheMode); err != nil {
		return err
	}
	return o.graphs.Activate(ctx, appID, untilVersion)
}

// HandleQuorumMessage implements quorum.Handler: reacts to an "activate"
// broadcast by invalidating the target version's cached descriptor (only
// under cache_mode=nocache; nothing is reloaded eagerly) and casting this
// engine's vote. Every other message kind
// the control plane carries (ping/pong/rollcall/job) is observational only
// and has no local action for this engine to take beyond what Quorum itself
// already does before reaching here (KindThrottle is consumed by
// Quorum.Listen directly).
func (o *Orchestrator) HandleQuorumMessage(ctx context.Context, msg quorum.Message) error {
	switch msg.Kind {
	case quorum.KindActivate:
		if quorum.CacheMode(msg.CacheMode) == quorum.CacheModeNoCache {
			o.graphs.Invalidate(msg.AppID, msg.UntilVersion)
		}
		return o.quorum.Activation().OnActivateMessage(ctx, msg, o.engineID)
	default:
		return nil
	}
}
