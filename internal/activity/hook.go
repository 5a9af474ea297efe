package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/pipe"
	"github.com/hotmeshio/hotmesh-go/internal/stream"
	"github.com/hotmeshio/hotmesh-go/internal/task"
)

// hookLeg1 resolves which of the three sub-modes applies at runtime — the
// choice is a property of the resolved configuration, never a static tag
// (spec section 4.4, Hook): a sleep duration selects a time-hook, a hook
// topic selects a web-hook, and neither selects pass-through, which
// collapses to a single leg via early completion notarization.
func (e *Engine) hookLeg1(ctx context.Context, appID, version string, act *graph.Activity, msg stream.Data) (stream.Response, error) {
	jobData, _, err := e.loadJob(ctx, msg.Metadata.JID)
	if err != nil {
		return stream.Response{}, err
	}
	input, err := e.resolveInput(ctx, act, msg, jobData)
	if err != nil {
		return stream.Response{}, err
	}
	pctx := buildPipeContext(msg.Metadata, jobData, input)

	switch {
	case act.Hook != nil && act.Hook.Sleep != "":
		return e.hookSleepLeg1(ctx, msg, act, pctx)
	case act.Hook != nil && act.Hook.Topic != "":
		return e.hookWebLeg1(ctx, msg, act, pctx)
	default:
		return e.hookPassthroughLeg1(ctx, appID, version, act, msg, jobData, input)
	}
}

// hookSleepLeg1 registers a timer with the Task Service and parks.
func (e *Engine) hookSleepLeg1(ctx context.Context, msg stream.Data, act *graph.Activity, pctx pipe.Context) (stream.Response, error) {
	d, err := resolveDuration(e.Pipes, pctx, act.Hook.Sleep)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: hook: resolve sleep duration: %w", err)
	}
	if err := e.parkForReply(ctx, msg.Metadata.JID); err != nil {
		return stream.Response{}, err
	}
	hook := task.Timehook{JID: msg.Metadata.JID, GID: msg.Metadata.GID, AID: act.AID, DAD: msg.Metadata.DAD, Kind: task.KindSleep}
	if err := e.Timehooks.Register(ctx, hook, time.Now().Add(d)); err != nil {
		return stream.Response{}, fmt.Errorf("activity: hook: register timehook: %w", err)
	}
	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}

// hookWebLeg1 resolves the registered match expression against job context
// and inserts (topic, resolved) -> dad::jid into the web-hook index, then
// parks awaiting the external signal.
func (e *Engine) hookWebLeg1(ctx context.Context, msg stream.Data, act *graph.Activity, pctx pipe.Context) (stream.Response, error) {
	resolved, err := resolveMatchValue(e.Pipes, pctx, act.Hook.Match)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: hook: resolve match: %w", err)
	}
	if err := e.parkForReply(ctx, msg.Metadata.JID); err != nil {
		return stream.Response{}, err
	}
	target := task.HookTarget{AID: act.AID, DAD: msg.Metadata.DAD, JID: msg.Metadata.JID}
	if err := e.Webhooks.Register(ctx, act.Hook.Topic, resolved, target); err != nil {
		return stream.Response{}, fmt.Errorf("activity: hook: register webhook: %w", err)
	}
	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}

// hookPassthroughLeg1 runs the step protocol immediately — an early
// completion notarization collapsing entry and completion into one leg.
func (e *Engine) hookPassthroughLeg1(ctx context.Context, appID, version string, act *graph.Activity, msg stream.Data, jobData, input map[string]any) (stream.Response, error) {
	if len(act.Output) > 0 {
		pctx := buildPipeContext(msg.Metadata, jobData, input)
		if err := e.Mapper.ApplyInto(pctx, act.Output, jobData); err != nil {
			return stream.Response{}, fmt.Errorf("activity: hook: apply output rules: %w", err)
		}
		if err := e.saveJobData(ctx, msg.Metadata.JID, jobData); err != nil {
			return stream.Response{}, err
		}
	}
	transitions, err := e.Graphs.Transitions(ctx, appID, version, act.AID)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: hook: transitions: %w", err)
	}
	pctx := buildPipeContext(msg.Metadata, jobData, input)
	if err := e.resolveAndFanOut(ctx, appID, msg.Metadata.JID, msg.Metadata.GID, msg.Metadata.DAD, act.AID, transitions, pctx, jobData); err != nil {
		return stream.Response{}, err
	}
	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}

// handleTimehook is hook leg 2 for the sleep sub-mode: it fires when the
// Task Service scout pops a due entry and wakes this dad.
func (e *Engine) handleTimehook(ctx context.Context, msg stream.Data) (stream.Response, error) {
	return e.wakeParkedHook(ctx, msg, nil)
}

// handleWebhook is hook leg 2 for the web-hook sub-mode: it fires when an
// inbound external signal resolves to this dad via the Task Service index.
func (e *Engine) handleWebhook(ctx context.Context, msg stream.Data) (stream.Response, error) {
	var payload map[string]any
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &payload)
	}
	return e.wakeParkedHook(ctx, msg, payload)
}

// wakeParkedHook is the shared leg 2 for both hook sub-modes: consume the
// park credit, map the wake payload into output/job data, and fan out.
func (e *Engine) wakeParkedHook(ctx context.Context, msg stream.Data, payload map[string]any) (stream.Response, error) {
	appID := e.appIDFromStream(msg)
	version := e.appVersion(appID)
	act, ok, err := e.Graphs.Activity(ctx, appID, version, msg.Metadata.AID)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: hook wake: lookup %s: %w", msg.Metadata.AID, err)
	}
	if !ok {
		return stream.Response{}, errors.InactiveJob(msg.Metadata.JID)
	}

	dup, err := e.Collator.CommitLeg(ctx, msg.Metadata.JID, msg.Metadata.AID, msg.Metadata.DAD, "leg2")
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: hook wake: commit leg2: %w", err)
	}
	if dup {
		return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
	}

	jobData, _, err := e.loadJob(ctx, msg.Metadata.JID)
	if err != nil {
		return stream.Response{}, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if len(act.Output) > 0 {
		pctx := buildPipeContext(msg.Metadata, jobData, payload)
		if err := e.Mapper.ApplyInto(pctx, act.Output, jobData); err != nil {
			return stream.Response{}, fmt.Errorf("activity: hook wake: apply output rules: %w", err)
		}
	}
	if err := e.saveJobData(ctx, msg.Metadata.JID, jobData); err != nil {
		return stream.Response{}, err
	}

	if act.Hook != nil && act.Hook.Topic != "" {
		pctx := buildPipeContext(msg.Metadata, jobData, payload)
		resolved, rerr := resolveMatchValue(e.Pipes, pctx, act.Hook.Match)
		if rerr == nil {
			if msg.Code == errors.CodePending {
				// 202 keeps the index entry alive for another delivery.
			} else {
				_ = e.Webhooks.Delete(ctx, act.Hook.Topic, resolved)
			}
		}
	}

	if err := e.consumeReply(ctx, appID, msg.Metadata.JID); err != nil {
		return stream.Response{}, err
	}

	transitions, err := e.Graphs.Transitions(ctx, appID, version, act.AID)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: hook wake: transitions: %w", err)
	}
	pctx := buildPipeContext(msg.Metadata, jobData, payload)
	if err := e.resolveAndFanOut(ctx, appID, msg.Metadata.JID, msg.Metadata.GID, msg.Metadata.DAD, act.AID, transitions, pctx, jobData); err != nil {
		return stream.Response{}, err
	}
	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}

// resolveDuration parses a sleep expression, which may itself be a pipe
// expression resolving to a textual duration — durations are never read
// from a clock directly, only resolved to seconds at interruption time
// (spec section 4.6, Determinism contracts).
func resolveDuration(registry *pipe.Registry, ctx pipe.Context, expr string) (time.Duration, error) {
	val := any(expr)
	if len(expr) > 0 && (expr[0] == '{' || expr[0] == '@') {
		resolved, err := registry.Resolve(ctx, expr)
		if err != nil {
			return 0, err
		}
		val = resolved
	}
	switch t := val.(type) {
	case string:
		return time.ParseDuration(t)
	case float64:
		return time.Duration(t) * time.Second, nil
	default:
		return 0, fmt.Errorf("pipe: duration expression %q resolved to unsupported type %T", expr, val)
	}
}

// DispatchTimehook implements task.Dispatcher: it resolves the owning app
// for a fired time-hook and drives its wake directly through the engine,
// satisfying the scout loop's need for a store-agnostic wake mechanism.
func (e *Engine) DispatchTimehook(ctx context.Context, hook task.Timehook) error {
	vals, err := e.Store.HGetMany(ctx, e.Keys.JobKey(hook.JID), []string{"_appId"})
	if err != nil {
		return fmt.Errorf("activity: dispatch timehook: load appId: %w", err)
	}
	appID := vals["_appId"]
	if appID == "" {
		return errors.InactiveJob(hook.JID)
	}
	msg := stream.Data{
		Metadata: stream.Metadata{Topic: appID, JID: hook.JID, GID: hook.GID, DAD: hook.DAD, AID: hook.AID},
		Type:     stream.TypeTimehook,
		Status:   stream.StatusSuccess,
		Code:     errors.CodeSuccess,
	}
	_, err = e.handleTimehook(ctx, msg)
	return err
}

// resolveMatchValue resolves a hook's match expression (guard.Left) against
// ctx to a string key. A nil match resolves to the empty string, a
// wildcard match-any registration.
func resolveMatchValue(registry *pipe.Registry, ctx pipe.Context, g *graph.Guard) (string, error) {
	if g == nil || g.Left == "" {
		return "", nil
	}
	v, err := registry.Resolve(ctx, g.Left)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}
