package orchestrator

import (
	"context"
	"fmt"

	"github.com/hotmeshio/hotmesh-go/internal/workflow"
)

// Signal implements workflow.Effects. It resolves every waiter registered
// against the "wf:"-prefixed signal key — distinct from a graph-level
// signal activity's fan-out (internal/activity/signal.go), which carries no
// execution index — resuming each paused frame directly in-process rather
// than round-tripping through the stream.
func (o *Orchestrator) Signal(ctx context.Context, id string, data map[string]any) error {
	targets, err := o.signals.Resolve(ctx, "wf:"+id)
	if err != nil {
		return fmt.Errorf("orchestrator: signal: resolve waiters: %w", err)
	}
	for _, t := range targets {
		if err := o.resumeWorkflowIndex(ctx, t.JID, t.AID, t.DAD, t.Index, data, 0, ""); err != nil {
			o.logger.Error(ctx, "orchestrator: signal: resume waiter failed", "jid", t.JID, "signal", id, "err", err.Error())
		}
	}
	return o.signals.Scrub(ctx, "wf:"+id)
}

// Hook implements workflow.Effects. A workflow-registered hook has no
// correlating activity in any deployed graph to wait on (it is advisory —
// recorded for observability, not dispatched anywhere), so this logs it
// rather than registering it against the web-hook index, which expects a
// (topic, resolved) pair addressing a specific paused activity.
func (o *Orchestrator) Hook(ctx context.Context, opts workflow.HookOptions) error {
	o.logger.Info(ctx, "orchestrator: workflow hook", "topic", opts.Topic)
	return nil
}

// Emit implements workflow.Effects: publish each event to the namespace's
// external events channel for any subscriber following this job's topic.
func (o *Orchestrator) Emit(ctx context.Context, events []map[string]any) error {
	for _, ev := range events {
		body, err := marshalOutput(ev)
		if err != nil {
			return err
		}
		if err := o.store.Publish(ctx, o.eventsChannel(), body); err != nil {
			return fmt.Errorf("orchestrator: emit: %w", err)
		}
	}
	return nil
}

// Trace implements workflow.Effects: attach attrs as a span event on the
// ambient span recovered from ctx.
func (o *Orchestrator) Trace(ctx context.Context, attrs map[string]any) error {
	kv := make([]any, 0, len(attrs)*2)
	for k, v := range attrs {
		kv = append(kv, k, v)
	}
	o.tracer.Span(ctx).AddEvent("workflow.trace", kv...)
	return nil
}

// Enrich implements workflow.Effects. The interface carries no job
// identifier (only ctx and fields — Effects is shared across every job a
// Driver runs, not bound to one), so there is no job hash to fold fields
// into here; a workflow frame wanting durable, queryable fields should
// route them through its own job data instead. This records the call for
// observability only (spec section 9, Open Questions).
func (o *Orchestrator) Enrich(ctx context.Context, fields map[string]any) error {
	o.logger.Info(ctx, "orchestrator: workflow enrich", "fields", fmt.Sprintf("%v", fields))
	return nil
}

// Interrupt implements workflow.Effects: best-effort interrupt of another
// job, resolving its appID first since a workflow frame only knows the
// target jid. opts.ExpireSeconds>0 overrides that job's scheduled expiry;
// zero (the wire type's unset value) defers to the configured default.
func (o *Orchestrator) Interrupt(ctx context.Context, jid string, opts workflow.InterruptOptions) error {
	appID, err := o.jobAppID(ctx, jid)
	if err != nil {
		return err
	}
	var expire *int
	if opts.ExpireSeconds > 0 {
		expire = &opts.ExpireSeconds
	}
	return o.engine.Interrupt(ctx, appID, jid, "workflow interrupt", 0, opts.Throw, opts.Descend, expire)
}

// --- workflow.HotMesh ------------------------------------------------------

// Pub and GetState together satisfy workflow.HotMesh; both are implemented
// in pubsub.go alongside the rest of the public engine-facade surface they
// overlap with (the Pub a plain caller invokes is the same Pub a running
// workflow reaches via GetHotMesh()).

func (o *Orchestrator) eventsChannel() string {
	return o.keys.EventsKey()
}
