package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/stream"
	"github.com/hotmeshio/hotmesh-go/internal/task"
	"github.com/hotmeshio/hotmesh-go/internal/workflow"
)

// runWorkflow is the WorkflowCallback the Activity Engine invokes for a
// worker-type activity whose topic has a registered workflow function
// (spec section 4.6): persist the invocation metadata a later, independent
// resumption needs, then drive the frame's first Driver.Run.
func (o *Orchestrator) runWorkflow(ctx context.Context, topic string, meta stream.Metadata, input map[string]any) (map[string]any, bool, int, error) {
	o.mu.Lock()
	fn, ok := o.workflows[topic]
	o.mu.Unlock()
	if !ok {
		return nil, false, errors.CodeNotFound, fmt.Errorf("orchestrator: no workflow registered for topic %q", topic)
	}
	if err := o.saveWFMeta(ctx, meta.JID, meta.AID, meta.DAD, wfMeta{AppID: meta.Topic, Topic: topic, GID: meta.GID, Input: input}); err != nil {
		return nil, false, errors.CodeUnknown, err
	}
	jobData, err := o.loadJobData(ctx, meta.JID)
	if err != nil {
		return nil, false, errors.CodeUnknown, err
	}
	out, suspended, err := o.driver.Run(ctx, meta.Topic, meta.JID, meta.GID, meta.AID, meta.DAD, fn, input, jobData)
	if err != nil {
		return nil, false, errors.CodeUnknown, err
	}
	return out, suspended, errors.CodeSuccess, nil
}

// resumeWorkflowFrame reloads a suspended frame's invocation context and
// re-enters Driver.Run. Called once every outstanding branch of the frame's
// most recent suspension (single or composite) has resolved.
func (o *Orchestrator) resumeWorkflowFrame(ctx context.Context, jid, aid, dad string) error {
	meta, ok, err := o.loadWFMeta(ctx, jid, aid, dad)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("orchestrator: resume workflow: no invocation metadata for %s/%s/%s", jid, aid, dad)
	}
	o.mu.Lock()
	fn, ok := o.workflows[meta.Topic]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: resume workflow: topic %q not registered", meta.Topic)
	}
	jobData, err := o.loadJobData(ctx, jid)
	if err != nil {
		return err
	}
	out, suspended, err := o.driver.Run(ctx, meta.AppID, jid, meta.GID, aid, dad, fn, meta.Input, jobData)
	if err != nil {
		return o.completeWorkflowWorker(ctx, meta, jid, aid, dad, nil, err)
	}
	if suspended {
		return nil
	}
	return o.completeWorkflowWorker(ctx, meta, jid, aid, dad, out, nil)
}

// completeWorkflowWorker feeds a terminal workflow result back through
// internal/activity's worker leg 2, the same completion path a plain
// registered worker's callback return takes.
func (o *Orchestrator) completeWorkflowWorker(ctx context.Context, meta wfMeta, jid, aid, dad string, out map[string]any, runErr error) error {
	status := stream.StatusSuccess
	code := errors.CodeSuccess
	stack := ""
	if runErr != nil {
		status = stream.StatusError
		code = errors.CodeUnknown
		stack = runErr.Error()
	}
	msg := stream.Data{
		Metadata: stream.Metadata{GUID: uuid.NewString(), Topic: meta.AppID, JID: jid, GID: meta.GID, DAD: dad, AID: aid},
		Type:     stream.TypeResponse,
		Status:   status,
		Code:     code,
		Stack:    stack,
	}
	if runErr == nil {
		body, err := marshalOutput(out)
		if err != nil {
			return err
		}
		msg.Data = body
	}
	_, err := o.engine.CompleteWorkerResponse(ctx, msg)
	return err
}

// resumeWorkflowIndex persists index's outcome and, once every branch of the
// frame's current suspension has resolved, resumes it. It is the single
// point every asynchronous resolution path (sleep fires, signal arrives,
// child completes, proxy call returns) funnels through.
func (o *Orchestrator) resumeWorkflowIndex(ctx context.Context, jid, aid, dad string, index int, value any, errCode int, errMsg string) error {
	if err := o.driver.ResolveIndex(ctx, jid, aid, dad, index, value, errCode, errMsg); err != nil {
		return err
	}
	remaining, err := o.decrementPending(ctx, jid, aid, dad)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return o.resumeWorkflowFrame(ctx, jid, aid, dad)
}

// handleWorkflowWake processes a stream.TypeWorkflowWake delivery. Nothing
// in this implementation currently emits that message type directly — every
// resolution path (DispatchTimehook, signal delivery, child completion,
// in-process proxy return) calls resumeWorkflowIndex synchronously instead
// — but it is wired so a future cross-process wake delivery (a resumption
// routed through the stream rather than called in-process) has somewhere to
// land without changing the Handle dispatch surface.
func (o *Orchestrator) handleWorkflowWake(ctx context.Context, msg stream.Data) (stream.Response, error) {
	return stream.Response{}, fmt.Errorf("orchestrator: workflow_wake delivery unsupported in this configuration")
}

// --- task.Dispatcher -----------------------------------------------------

// DispatchTimehook implements task.Dispatcher. A workflow sleep's time-hook
// carries Kind==KindWorkflowSleep and is resolved directly; every other kind
// (graph-level hook sleep, await-cycle) defers to the Activity Engine, whose
// own DispatchTimehook would otherwise mishandle a workflow-sleep entry by
// treating it as an ordinary hook wake.
func (o *Orchestrator) DispatchTimehook(ctx context.Context, hook task.Timehook) error {
	if hook.Kind == task.KindWorkflowSleep {
		return o.resumeWorkflowIndex(ctx, hook.JID, hook.AID, hook.DAD, hook.Index, nil, 0, "")
	}
	return o.engine.DispatchTimehook(ctx, hook)
}

// --- workflow.Dispatcher --------------------------------------------------

func (o *Orchestrator) DispatchSleep(ctx context.Context, jid, gid, aid, dad string, index int, d workflow.SleepDescriptor) error {
	step := fmt.Sprintf("wf-dispatch-%d", index)
	return o.dispatchOnce(ctx, jid, aid, dad, step, func() error {
		if err := o.setPending(ctx, jid, aid, dad, 1); err != nil {
			return err
		}
		return o.registerSleep(ctx, jid, gid, aid, dad, index, d)
	})
}

func (o *Orchestrator) DispatchWait(ctx context.Context, jid, aid, dad string, index int, d workflow.WaitDescriptor) error {
	step := fmt.Sprintf("wf-dispatch-%d", index)
	return o.dispatchOnce(ctx, jid, aid, dad, step, func() error {
		if err := o.setPending(ctx, jid, aid, dad, 1); err != nil {
			return err
		}
		return o.registerWait(ctx, jid, aid, dad, index, d)
	})
}

func (o *Orchestrator) DispatchChild(ctx context.Context, appID, jid, aid, dad string, index int, d workflow.ChildDescriptor) error {
	step := fmt.Sprintf("wf-dispatch-%d", index)
	return o.dispatchOnce(ctx, jid, aid, dad, step, func() error {
		if d.Await {
			if err := o.setPending(ctx, jid, aid, dad, 1); err != nil {
				return err
			}
		}
		return o.registerChild(ctx, appID, jid, aid, dad, index, d)
	})
}

func (o *Orchestrator) DispatchProxy(ctx context.Context, appID, jid, aid, dad string, index int, d workflow.ProxyDescriptor) error {
	step := fmt.Sprintf("wf-dispatch-%d", index)
	return o.dispatchOnce(ctx, jid, aid, dad, step, func() error {
		if err := o.setPending(ctx, jid, aid, dad, 1); err != nil {
			return err
		}
		return o.registerProxy(ctx, jid, aid, dad, index, d)
	})
}

// DispatchAll registers every interruption in a composite batch under one
// guard and one shared pending-branch counter, so the frame resumes exactly
// once, after whichever branch resolves last (spec section 4.6, "a
// composite all transition is emitted with the full set").
func (o *Orchestrator) DispatchAll(ctx context.Context, appID, jid, aid, dad string, interruptions []workflow.Interruption) error {
	return o.dispatchOnce(ctx, jid, aid, dad, "wf-dispatch-all", func() error {
		if err := o.setPending(ctx, jid, aid, dad, int64(len(interruptions))); err != nil {
			return err
		}
		for _, it := range interruptions {
			if err := o.dispatchInterruption(ctx, appID, jid, aid, dad, it); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Orchestrator) dispatchInterruption(ctx context.Context, appID, jid, aid, dad string, it workflow.Interruption) error {
	switch it.Kind {
	case workflow.KindSleep:
		return o.registerSleep(ctx, jid, "", aid, dad, it.Index, *it.Sleep)
	case workflow.KindWait:
		return o.registerWait(ctx, jid, aid, dad, it.Index, *it.Wait)
	case workflow.KindChild:
		return o.registerChild(ctx, appID, jid, aid, dad, it.Index, *it.Child)
	case workflow.KindProxy:
		return o.registerProxy(ctx, jid, aid, dad, it.Index, *it.Proxy)
	default:
		return fmt.Errorf("orchestrator: unknown interruption kind %q", it.Kind)
	}
}

// registerSleep schedules a workflow-sleep time-hook; DispatchTimehook
// resumes the frame once the scout pops it.
func (o *Orchestrator) registerSleep(ctx context.Context, jid, gid, aid, dad string, index int, d workflow.SleepDescriptor) error {
	dur, err := time.ParseDuration(d.Duration)
	if err != nil {
		return fmt.Errorf("orchestrator: dispatch sleep: parse duration: %w", err)
	}
	return o.timehooks.Register(ctx, task.Timehook{JID: jid, GID: gid, AID: aid, DAD: dad, Kind: task.KindWorkflowSleep, Index: index}, time.Now().Add(dur))
}

// registerWait registers a waitFor() suspension against the same
// task.SignalIndex graph-level signal activities use, namespaced with a
// "wf:" prefix so the two never collide (spec section 9, Open Questions):
// resolution happens in-process via Signal (see effects.go), never through
// internal/activity's fanOutSignal wire path, which carries no execution
// index.
func (o *Orchestrator) registerWait(ctx context.Context, jid, aid, dad string, index int, d workflow.WaitDescriptor) error {
	return o.signals.Register(ctx, "wf:"+d.SignalID, task.HookTarget{AID: aid, DAD: dad, JID: jid, Index: index})
}

// registerChild starts a child job. The synchronous form (Await) records a
// "-wfAwaitParent" field on the child so NotifyCompletion resumes this frame
// once it completes; the asynchronous form (StartChild) resumes immediately
// with the minted child jid once its start is durably recorded.
func (o *Orchestrator) registerChild(ctx context.Context, appID, jid, aid, dad string, index int, d workflow.ChildDescriptor) error {
	childJID := d.WorkflowID
	if childJID == "" {
		childJID = uuid.NewString()
	}
	if d.Await {
		if err := o.setWFAwait(ctx, childJID, jid, aid, dad, index); err != nil {
			return err
		}
	}
	if err := o.dispatchTrigger(ctx, d.Topic, childJID, d.Args); err != nil {
		return err
	}
	if d.Await {
		return nil
	}
	return o.resumeWorkflowIndex(ctx, jid, aid, dad, index, childJID, 0, "")
}

// registerProxy runs a proxy activity in-process with bounded retry and
// resumes the frame immediately with its outcome (see DESIGN.md for why
// this does not round-trip through the stream the way a graph-level worker
// activity does).
func (o *Orchestrator) registerProxy(ctx context.Context, jid, aid, dad string, index int, d workflow.ProxyDescriptor) error {
	o.mu.Lock()
	fn, ok := o.activities[d.ActivityName]
	o.mu.Unlock()
	if !ok {
		return o.resumeWorkflowIndex(ctx, jid, aid, dad, index, nil, errors.CodeFatal, fmt.Sprintf("orchestrator: no activity registered for %q", d.ActivityName))
	}
	out, err := o.runProxyWithRetry(ctx, fn, d)
	if err != nil {
		return o.resumeWorkflowIndex(ctx, jid, aid, dad, index, nil, errors.CodeMaxed, err.Error())
	}
	return o.resumeWorkflowIndex(ctx, jid, aid, dad, index, out, 0, "")
}

// runProxyWithRetry honors d.Retry's attempt/backoff budget (spec section
// 4.3's worker-retry policy, generalized to an in-process call since a
// proxy activity has no stream-level retry envelope of its own).
func (o *Orchestrator) runProxyWithRetry(ctx context.Context, fn ActivityFunc, d workflow.ProxyDescriptor) (map[string]any, error) {
	maxAttempts := 1
	coefficient := 1.0
	var maxInterval time.Duration
	if d.Retry != nil {
		if d.Retry.MaximumAttempts > 0 {
			maxAttempts = d.Retry.MaximumAttempts
		}
		if d.Retry.BackoffCoefficient > 1 {
			coefficient = d.Retry.BackoffCoefficient
		}
		if d.Retry.HasMaximumInterval() {
			if parsed, err := time.ParseDuration(d.Retry.MaximumInterval); err == nil {
				maxInterval = parsed
			}
		}
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff
			if maxInterval > 0 && wait > maxInterval {
				wait = maxInterval
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			backoff = time.Duration(float64(backoff) * coefficient)
		}
		out, err := fn(ctx, d.Args)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("orchestrator: proxy activity %q exhausted %d attempts: %w", d.ActivityName, maxAttempts, lastErr)
}

func marshalOutput(out map[string]any) ([]byte, error) {
	if out == nil {
		out = map[string]any{}
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: marshal workflow output: %w", err)
	}
	return body, nil
}
