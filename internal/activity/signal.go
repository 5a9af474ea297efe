package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/stream"
	"github.com/hotmeshio/hotmesh-go/internal/task"
)

// signalLeg1 resolves this activity's signal key (act.Target names the key
// name; act.Input rules resolve the key value as field "value") and fans
// the activity's input payload out to every job paused on that key (spec
// section 4.4, Signal). It is pass-through: the activity completes in the
// same leg that performs the fan-out.
func (e *Engine) signalLeg1(ctx context.Context, appID, version string, act *graph.Activity, msg stream.Data) (stream.Response, error) {
	jobData, _, err := e.loadJob(ctx, msg.Metadata.JID)
	if err != nil {
		return stream.Response{}, err
	}
	input, err := e.resolveInput(ctx, act, msg, jobData)
	if err != nil {
		return stream.Response{}, err
	}

	key := signalKey(act.Target, input)
	waiters, err := e.Signals.Resolve(ctx, key)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: signal: resolve waiters: %w", err)
	}
	if err := e.fanOutSignal(ctx, appID, msg.Metadata.JID, act.AID, msg.Metadata.DAD, key, waiters, input); err != nil {
		return stream.Response{}, err
	}
	if act.Scrub {
		if err := e.Signals.Scrub(ctx, key); err != nil {
			return stream.Response{}, fmt.Errorf("activity: signal: scrub: %w", err)
		}
	}

	transitions, err := e.Graphs.Transitions(ctx, appID, version, act.AID)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: signal: transitions: %w", err)
	}
	pctx := buildPipeContext(msg.Metadata, jobData, input)
	if err := e.resolveAndFanOut(ctx, appID, msg.Metadata.JID, msg.Metadata.GID, msg.Metadata.DAD, act.AID, transitions, pctx, jobData); err != nil {
		return stream.Response{}, err
	}
	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}

// signalKey composes "key_name:key_value" from a static name and an
// optional resolved "value" input field; a missing value signals on the
// bare name.
func signalKey(name string, input map[string]any) string {
	if v, ok := input["value"]; ok {
		return fmt.Sprintf("%s:%v", name, v)
	}
	return name
}

// fanOutSignal writes a type=signal transition message to every waiter's
// job stream, minting a sub-step GUID per waiter keyed by this activity's
// own GUID ledger entry so redelivery of the signal activity itself does
// not double-deliver.
func (e *Engine) fanOutSignal(ctx context.Context, appID, jid, aid, dad, key string, waiters []task.HookTarget, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("activity: signal: marshal payload: %w", err)
	}
	for i, w := range waiters {
		dup, err := e.Collator.CommitLeg(ctx, jid, aid, dad, fmt.Sprintf("signal%d", i))
		if err != nil {
			return fmt.Errorf("activity: signal: mint step guid: %w", err)
		}
		if dup {
			continue
		}
		msg := stream.Data{
			Metadata: stream.Metadata{GUID: uuid.NewString(), Topic: appID, JID: w.JID, AID: w.AID, DAD: w.DAD},
			Type:     stream.TypeSignal,
			Data:     body,
			Status:   stream.StatusSuccess,
			Code:     errors.CodeSuccess,
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("activity: signal: marshal message: %w", err)
		}
		if _, err := e.Store.StreamAppend(ctx, e.Keys.StreamKey(appID), map[string]string{"payload": string(raw)}); err != nil {
			return fmt.Errorf("activity: signal: append: %w", err)
		}
	}
	return nil
}

// handleSignal delivers a fanned-out signal to the waiting activity's leg
// 2, the same wake path a web-hook delivery takes.
func (e *Engine) handleSignal(ctx context.Context, msg stream.Data) (stream.Response, error) {
	var payload map[string]any
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return stream.Response{}, fmt.Errorf("activity: signal wake: decode: %w", err)
		}
	}
	return e.wakeParkedHook(ctx, msg, payload)
}
