package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/stream"
)

// WorkerCallback processes a worker invocation in-process, for deployments
// that run a worker and the engine in the same process (tests, small
// single-binary deployments). A remote worker instead runs its own
// internal/stream.Router bound to its own stream and replies by appending
// a type=response message back onto the engine's stream itself; it never
// touches this type.
type WorkerCallback func(ctx context.Context, input map[string]any) (output map[string]any, code int, err error)

// RegisterWorker binds an in-process callback to a worker topic.
func (e *Engine) RegisterWorker(topic string, cb WorkerCallback) {
	if e.workers == nil {
		e.workers = make(map[string]WorkerCallback)
	}
	e.workers[topic] = cb
}

// WorkflowCallback processes a worker invocation backed by a durable
// workflow function (internal/workflow.Driver), carrying the full stream
// metadata a workflow frame needs to address its replay table — unlike
// WorkerCallback, which a plain activity-level worker has no use for.
// suspended=true means the frame registered a new interruption and parked;
// its eventual resumption completes asynchronously via a later
// stream.TypeWorkflowWake delivery, not a return from this call.
type WorkflowCallback func(ctx context.Context, meta stream.Metadata, input map[string]any) (output map[string]any, suspended bool, code int, err error)

// RegisterWorkflow binds an in-process workflow callback to a worker topic.
// workerLeg1 prefers a registered workflow over a registered plain worker
// when both are present for the same topic.
func (e *Engine) RegisterWorkflow(topic string, cb WorkflowCallback) {
	if e.workflows == nil {
		e.workflows = make(map[string]WorkflowCallback)
	}
	e.workflows[topic] = cb
}

// workerLeg1 maps the activity's input and appends a type=worker message to
// the target worker stream, then parks: the activity's own leg 2 is an
// outstanding unit of work until the response arrives (spec section 4.4,
// Worker).
func (e *Engine) workerLeg1(ctx context.Context, appID, version string, act *graph.Activity, msg stream.Data) (stream.Response, error) {
	jobData, _, err := e.loadJob(ctx, msg.Metadata.JID)
	if err != nil {
		return stream.Response{}, err
	}
	input, err := e.resolveInput(ctx, act, msg, jobData)
	if err != nil {
		return stream.Response{}, err
	}

	if err := e.parkForReply(ctx, msg.Metadata.JID); err != nil {
		return stream.Response{}, err
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: worker: marshal input: %w", err)
	}
	out := stream.Data{
		Metadata: stream.Metadata{GUID: uuid.NewString(), Topic: act.Worker, JID: msg.Metadata.JID, GID: msg.Metadata.GID, DAD: msg.Metadata.DAD, AID: act.AID},
		Type:     stream.TypeWorker,
		Data:     payload,
		Policies: retryPolicyFrom(act.Retry),
		Status:   stream.StatusPending,
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: worker: marshal dispatch: %w", err)
	}
	if _, err := e.Store.StreamAppend(ctx, e.WorkerStreamKey(act.Worker), map[string]string{"payload": string(raw)}); err != nil {
		return stream.Response{}, fmt.Errorf("activity: worker: append dispatch: %w", err)
	}

	if wf, ok := e.workflows[act.Worker]; ok {
		return e.invokeLocalWorkflow(ctx, wf, msg, input)
	}
	if cb, ok := e.workers[act.Worker]; ok {
		return e.invokeLocalWorker(ctx, appID, act, msg, cb, input)
	}
	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}

// invokeLocalWorkflow runs a registered durable-workflow callback. A
// suspension leaves the park credit workerLeg1 already placed outstanding:
// leg 2 completes later, out of band, when the orchestrator observes the
// frame's eventual resolution and calls CompleteWorkerResponse.
func (e *Engine) invokeLocalWorkflow(ctx context.Context, wf WorkflowCallback, msg stream.Data, input map[string]any) (stream.Response, error) {
	output, suspended, code, err := wf(ctx, msg.Metadata, input)
	if suspended {
		return stream.Response{Status: stream.StatusPending, Code: errors.CodeSuccess}, nil
	}
	status := stream.StatusSuccess
	if err != nil {
		status = stream.StatusError
		if code == 0 {
			code = errors.CodeUnknown
		}
	} else if code == 0 {
		code = errors.CodeSuccess
	}
	payload, merr := json.Marshal(output)
	if merr != nil {
		return stream.Response{}, fmt.Errorf("activity: workflow: marshal output: %w", merr)
	}
	resp := stream.Data{
		Metadata: msg.Metadata,
		Type:     stream.TypeResponse,
		Data:     payload,
		Status:   status,
		Code:     code,
	}
	if err != nil {
		resp.Stack = err.Error()
	}
	return e.handleWorkerResponse(ctx, resp)
}

// CompleteWorkerResponse runs worker leg 2 for a reply assembled outside the
// package — the orchestrator's workflow-wake path, once a resumed Driver.Run
// genuinely finishes rather than suspending again. Exported because the
// reentrant workflow runtime lives in a separate package to avoid an import
// cycle with this one.
func (e *Engine) CompleteWorkerResponse(ctx context.Context, msg stream.Data) (stream.Response, error) {
	return e.handleWorkerResponse(ctx, msg)
}

// invokeLocalWorker runs an in-process worker callback immediately and
// feeds its result through the same response path a remote worker's reply
// would take, so the two deployment shapes share leg 2 entirely.
func (e *Engine) invokeLocalWorker(ctx context.Context, appID string, act *graph.Activity, msg stream.Data, cb WorkerCallback, input map[string]any) (stream.Response, error) {
	output, code, err := cb(ctx, input)
	status := stream.StatusSuccess
	if err != nil {
		status = stream.StatusError
		if code == 0 {
			code = errors.CodeUnknown
		}
	} else if code == 0 {
		code = errors.CodeSuccess
	}
	payload, merr := json.Marshal(output)
	if merr != nil {
		return stream.Response{}, fmt.Errorf("activity: worker: marshal output: %w", merr)
	}
	resp := stream.Data{
		Metadata: msg.Metadata,
		Type:     stream.TypeResponse,
		Data:     payload,
		Status:   status,
		Code:     code,
	}
	if err != nil {
		resp.Stack = err.Error()
	}
	return e.handleWorkerResponse(ctx, resp)
}

// handleWorkerResponse is worker leg 2: map the reply's output back into
// job state, consume the pending-reply park credit, and fan out this
// activity's own outgoing edges against the now-complete context.
func (e *Engine) handleWorkerResponse(ctx context.Context, msg stream.Data) (stream.Response, error) {
	appID := e.appIDFromStream(msg)
	version := e.appVersion(appID)
	act, ok, err := e.Graphs.Activity(ctx, appID, version, msg.Metadata.AID)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: worker response: lookup %s: %w", msg.Metadata.AID, err)
	}
	if !ok {
		return stream.Response{}, errors.InactiveJob(msg.Metadata.JID)
	}

	dup, err := e.Collator.CommitLeg(ctx, msg.Metadata.JID, msg.Metadata.AID, msg.Metadata.DAD, "leg2")
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: worker response: commit leg2: %w", err)
	}
	if dup {
		return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
	}

	jobData, _, err := e.loadJob(ctx, msg.Metadata.JID)
	if err != nil {
		return stream.Response{}, err
	}
	var reply map[string]any
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return stream.Response{}, fmt.Errorf("activity: worker response: decode: %w", err)
		}
	}
	if reply == nil {
		reply = map[string]any{}
	}

	if msg.Status == stream.StatusError {
		if jobData, err = e.recordActivityError(ctx, msg.Metadata.JID, act.AID, msg.Metadata.DAD, jobData, msg.Code, msg.Stack); err != nil {
			return stream.Response{}, err
		}
	} else if len(act.Output) > 0 {
		pctx := buildPipeContext(msg.Metadata, jobData, reply)
		if err := e.Mapper.ApplyInto(pctx, act.Output, jobData); err != nil {
			return stream.Response{}, fmt.Errorf("activity: worker response: apply output rules: %w", err)
		}
	}
	if len(act.Job) > 0 {
		pctx := buildPipeContext(msg.Metadata, jobData, reply)
		if err := e.Mapper.ApplyInto(pctx, act.Job, jobData); err != nil {
			return stream.Response{}, fmt.Errorf("activity: worker response: apply job rules: %w", err)
		}
	}
	if err := e.saveJobData(ctx, msg.Metadata.JID, jobData); err != nil {
		return stream.Response{}, err
	}

	if err := e.consumeReply(ctx, appID, msg.Metadata.JID); err != nil {
		return stream.Response{}, err
	}

	transitions, err := e.Graphs.Transitions(ctx, appID, version, act.AID)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: worker response: transitions: %w", err)
	}
	pctx := buildPipeContext(msg.Metadata, jobData, reply)
	if err := e.resolveAndFanOut(ctx, appID, msg.Metadata.JID, msg.Metadata.GID, msg.Metadata.DAD, act.AID, transitions, pctx, jobData); err != nil {
		return stream.Response{}, err
	}

	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}

// handleWorkerDispatch processes an inbound type=worker message on an
// engine that also hosts the target worker's callback directly (a single
// stream shared by engine and worker in small deployments). Dedicated
// worker processes instead bind their own internal/stream.Router with a
// Handler that wraps the user function and never reach this path.
func (e *Engine) handleWorkerDispatch(ctx context.Context, msg stream.Data) (stream.Response, error) {
	cb, ok := e.workers[msg.Metadata.Topic]
	if !ok {
		return stream.Response{}, errors.New(errors.KindStreamFatal, errors.CodeNotFound, fmt.Sprintf("activity: no worker registered for topic %q", msg.Metadata.Topic))
	}
	var input map[string]any
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &input); err != nil {
			return stream.Response{}, fmt.Errorf("activity: worker dispatch: decode input: %w", err)
		}
	}
	output, code, err := cb(ctx, input)
	status := stream.StatusSuccess
	if err != nil {
		status = stream.StatusError
		if code == 0 {
			code = errors.CodeUnknown
		}
	} else if code == 0 {
		code = errors.CodeSuccess
	}
	payload, merr := json.Marshal(output)
	if merr != nil {
		return stream.Response{}, fmt.Errorf("activity: worker dispatch: marshal output: %w", merr)
	}
	resp := stream.Data{
		Metadata: msg.Metadata,
		Type:     stream.TypeResponse,
		Data:     payload,
		Status:   status,
		Code:     code,
	}
	if err != nil {
		resp.Stack = err.Error()
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: worker dispatch: marshal response: %w", err)
	}
	if _, err := e.Store.StreamAppend(ctx, e.Keys.StreamKey(e.appIDFromStream(msg)), map[string]string{"payload": string(raw)}); err != nil {
		return stream.Response{}, fmt.Errorf("activity: worker dispatch: append response: %w", err)
	}
	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}

// resolveInput applies an activity's input mapping rules, defaulting to the
// inbound message payload when none are configured.
func (e *Engine) resolveInput(ctx context.Context, act *graph.Activity, msg stream.Data, jobData map[string]any) (map[string]any, error) {
	var payload map[string]any
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, fmt.Errorf("activity: decode input payload: %w", err)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if len(act.Input) == 0 {
		return payload, nil
	}
	pctx := buildPipeContext(msg.Metadata, jobData, payload)
	resolved, err := e.Mapper.Apply(pctx, act.Input)
	if err != nil {
		return nil, fmt.Errorf("activity: apply input rules: %w", err)
	}
	return resolved, nil
}

// retryPolicyFrom adapts a graph.RetryPolicy into the wire-level policy a
// worker dispatch carries, so the stream router's retry step has a policy
// to consult without the activity engine knowing router internals.
func retryPolicyFrom(p *graph.RetryPolicy) *stream.RetryPolicy {
	if p == nil || p.MaximumAttempts <= 0 {
		return nil
	}
	return &stream.RetryPolicy{Retry: map[string][2]any{
		fmt.Sprint(errors.CodeUnknown): {p.MaximumAttempts, "x"},
		fmt.Sprint(errors.CodeTimeout): {p.MaximumAttempts, "x"},
	}}
}

// recordActivityError stamps a worker/proxy error onto the job's activity
// error record and returns jobData unchanged (the error is out-of-band
// from user-visible data, recorded per spec section 3's "errors" field).
func (e *Engine) recordActivityError(ctx context.Context, jid, aid, dad string, jobData map[string]any, code int, stack string) (map[string]any, error) {
	fields := map[string]string{
		fmt.Sprintf("-err/%s/%s/code", aid, dad): fmt.Sprint(code),
		fmt.Sprintf("-err/%s/%s/stack", aid, dad): stack,
	}
	if err := e.Store.HSetMany(ctx, e.Keys.JobKey(jid), fields); err != nil {
		return jobData, fmt.Errorf("activity: record error: %w", err)
	}
	return jobData, nil
}
