package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/stream"
)

// jobError is the wire shape stored under a job's metadata.err field and
// delivered to parent waiters that started the job via pubsub (spec
// section 7): {code, message, stack, job_id}.
type jobError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	JobID   string `json:"job_id"`
}

// interruptLeg1 implements both interrupt forms (spec section 4.4,
// Interrupt): self-interrupt (no act.Target) ends this job; a targeted
// interrupt fires a best-effort interrupt on another jid and then proceeds
// through the step protocol exactly like a pass-through activity.
func (e *Engine) interruptLeg1(ctx context.Context, appID, version string, act *graph.Activity, msg stream.Data) (stream.Response, error) {
	jobData, _, err := e.loadJob(ctx, msg.Metadata.JID)
	if err != nil {
		return stream.Response{}, err
	}
	input, err := e.resolveInput(ctx, act, msg, jobData)
	if err != nil {
		return stream.Response{}, err
	}

	expireSeconds := act.ExpireSeconds
	if v, ok := input["expire"].(float64); ok {
		n := int(v)
		expireSeconds = &n
	}

	target := act.Target
	if target == "" {
		reason, _ := input["reason"].(string)
		if reason == "" {
			reason = "interrupted"
		}
		throw, _ := input["throw"].(bool)
		if err := e.interruptJob(ctx, appID, msg.Metadata.JID, reason, errors.CodeInterrupted, throw, act.Descend, expireSeconds); err != nil {
			return stream.Response{}, err
		}
		return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeInterrupted}, nil
	}

	reason, _ := input["reason"].(string)
	if reason == "" {
		reason = "interrupted by " + msg.Metadata.JID
	}
	throw, _ := input["throw"].(bool)
	if err := e.interruptJob(ctx, appID, target, reason, errors.CodeInterrupted, throw, act.Descend, expireSeconds); err != nil {
		// best-effort: a missing or already-completed target is not fatal
		// to the interrupting job's own progression.
		var engErr *errors.Error
		if ee, ok := err.(*errors.Error); ok {
			engErr = ee
		}
		if engErr == nil || !engErr.Swallowed() {
			e.Logger.Warn(ctx, "activity: interrupt: target failed", "target", target, "err", err.Error())
		}
	}

	transitions, err := e.Graphs.Transitions(ctx, appID, version, act.AID)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: interrupt: transitions: %w", err)
	}
	pctx := buildPipeContext(msg.Metadata, jobData, input)
	if err := e.resolveAndFanOut(ctx, appID, msg.Metadata.JID, msg.Metadata.GID, msg.Metadata.DAD, act.AID, transitions, pctx, jobData); err != nil {
		return stream.Response{}, err
	}
	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}

// handleInterruptMessage processes a best-effort interrupt delivered as a
// type=interrupt transition (the asynchronous delivery path for a targeted
// interrupt issued by the workflow-side `interrupt(jid, opts)` surface).
func (e *Engine) handleInterruptMessage(ctx context.Context, msg stream.Data) (stream.Response, error) {
	appID := e.appIDFromStream(msg)
	var opts struct {
		Reason  string `json:"reason"`
		Throw   bool   `json:"throw"`
		Descend bool   `json:"descend"`
		Expire  *int   `json:"expire,omitempty"`
	}
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &opts)
	}
	reason := opts.Reason
	if reason == "" {
		reason = "interrupted"
	}
	if err := e.interruptJob(ctx, appID, msg.Metadata.JID, reason, errors.CodeInterrupted, opts.Throw, opts.Descend, opts.Expire); err != nil {
		return stream.Response{}, err
	}
	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeInterrupted}, nil
}

// Interrupt forces jid to a terminated state on behalf of a caller outside
// the activity graph (the orchestrator's public interrupt operation, or a
// workflow function's Context.Interrupt effect), sharing the exact
// termination path a graph interrupt activity uses. expireSeconds, when
// non-nil, overrides the configured default job TTL for this job only
// (*0 deletes it immediately rather than after the usual grace period).
func (e *Engine) Interrupt(ctx context.Context, appID, jid, reason string, code int, throw, descend bool, expireSeconds *int) error {
	return e.interruptJob(ctx, appID, jid, reason, code, throw, descend, expireSeconds)
}

// interruptJob forces jid to a terminated, negative-semaphore state,
// records the job error when throw is set, notifies completion waiters,
// schedules its expiry, and recursively interrupts every child job when
// descend is set (spec section 4.4: "descend:true recursively interrupts
// child jobs").
func (e *Engine) interruptJob(ctx context.Context, appID, jid, reason string, code int, throw, descend bool, expireSeconds *int) error {
	raw, err := e.Store.HGetAll(ctx, e.Keys.JobKey(jid))
	if err != nil {
		return fmt.Errorf("activity: interrupt: load job: %w", err)
	}
	if len(raw) == 0 {
		return errors.InactiveJob(jid)
	}

	fields := map[string]string{":status": "interrupted", "js": "-1"}
	if throw {
		jerr := jobError{Code: code, Message: reason, JobID: jid}
		body, merr := json.Marshal(jerr)
		if merr == nil {
			fields[":err"] = string(body)
		}
	}
	if err := e.Store.HSetMany(ctx, e.Keys.JobKey(jid), fields); err != nil {
		return fmt.Errorf("activity: interrupt: write status: %w", err)
	}

	if e.Notifier != nil {
		data, _, derr := e.loadJob(ctx, jid)
		if derr == nil {
			if err := e.Notifier.NotifyCompletion(ctx, appID, jid, data); err != nil {
				e.Logger.Error(ctx, "activity: interrupt: notify completion failed", "jid", jid, "err", err.Error())
			}
		}
	}

	if err := e.scheduleInterruptExpiry(ctx, jid, expireSeconds); err != nil {
		e.Logger.Error(ctx, "activity: interrupt: schedule expiry failed", "jid", jid, "err", err.Error())
	}

	if descend {
		if childrenRaw, ok := raw[childrenField]; ok {
			var children []string
			if err := json.Unmarshal([]byte(childrenRaw), &children); err == nil {
				for _, child := range children {
					if err := e.interruptJob(ctx, appID, child, reason, code, throw, true, expireSeconds); err != nil {
						e.Logger.Warn(ctx, "activity: interrupt: descend failed", "child", child, "err", err.Error())
					}
				}
			}
		}
	}
	return nil
}
