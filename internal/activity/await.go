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

// childrenField is the engine-internal (non-user-data) hash field tracking
// a job's started child jids, consulted by interrupt's descend option.
const childrenField = "-children"

// awaitField records, on the CHILD job's own hash, the parent waiting for
// its completion: "parentJID::parentAID::parentDAD".
const awaitField = "-awaitParent"

// awaitLeg1 starts a child job (spec section 4.4, Await). The synchronous
// form (act.Await == nil or *act.Await == true) parks the parent and
// records itself as the child's awaited parent; the asynchronous form
// (await:false) records only the child's jid and proceeds immediately.
func (e *Engine) awaitLeg1(ctx context.Context, appID, version string, act *graph.Activity, msg stream.Data) (stream.Response, error) {
	jobData, _, err := e.loadJob(ctx, msg.Metadata.JID)
	if err != nil {
		return stream.Response{}, err
	}
	input, err := e.resolveInput(ctx, act, msg, jobData)
	if err != nil {
		return stream.Response{}, err
	}

	childJID := uuid.NewString()
	if v, ok := input["workflowId"].(string); ok && v != "" {
		childJID = v
	}
	topic := act.Target
	if v, ok := input["topic"].(string); ok && v != "" {
		topic = v
	}

	sync := act.Await == nil || *act.Await

	if err := e.appendChild(ctx, msg.Metadata.JID, childJID); err != nil {
		return stream.Response{}, err
	}

	if sync {
		if err := e.parkForReply(ctx, msg.Metadata.JID); err != nil {
			return stream.Response{}, err
		}
		if err := e.Store.HSetMany(ctx, e.Keys.JobKey(childJID), map[string]string{
			awaitField: fmt.Sprintf("%s::%s::%s", msg.Metadata.JID, act.AID, msg.Metadata.DAD),
		}); err != nil {
			return stream.Response{}, fmt.Errorf("activity: await: record parent: %w", err)
		}
	}

	if err := e.startChild(ctx, appID, childJID, topic, input); err != nil {
		return stream.Response{}, fmt.Errorf("activity: await: start child: %w", err)
	}

	if sync {
		return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
	}

	jobData["childJobId"] = childJID
	if err := e.saveJobData(ctx, msg.Metadata.JID, jobData); err != nil {
		return stream.Response{}, err
	}
	transitions, err := e.Graphs.Transitions(ctx, appID, version, act.AID)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: await: transitions: %w", err)
	}
	pctx := buildPipeContext(msg.Metadata, jobData, input)
	if err := e.resolveAndFanOut(ctx, appID, msg.Metadata.JID, msg.Metadata.GID, msg.Metadata.DAD, act.AID, transitions, pctx, jobData); err != nil {
		return stream.Response{}, err
	}
	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}

// handleAwaitWake is await leg 2: fired when the child's completion
// notifies this parent dad. It maps the child's output into this job's
// state via the activity's output rules and fans out.
func (e *Engine) handleAwaitWake(ctx context.Context, msg stream.Data) (stream.Response, error) {
	var payload map[string]any
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return stream.Response{}, fmt.Errorf("activity: await wake: decode: %w", err)
		}
	}
	return e.wakeParkedHook(ctx, msg, payload)
}

// appendChild adds childJID to the parent job's child-tracking ledger.
func (e *Engine) appendChild(ctx context.Context, parentJID, childJID string) error {
	raw, err := e.Store.HGetMany(ctx, e.Keys.JobKey(parentJID), []string{childrenField})
	if err != nil {
		return fmt.Errorf("activity: append child: load: %w", err)
	}
	var children []string
	if existing, ok := raw[childrenField]; ok && existing != "" {
		_ = json.Unmarshal([]byte(existing), &children)
	}
	children = append(children, childJID)
	body, err := json.Marshal(children)
	if err != nil {
		return fmt.Errorf("activity: append child: marshal: %w", err)
	}
	return e.Store.HSetMany(ctx, e.Keys.JobKey(parentJID), map[string]string{childrenField: string(body)})
}

// startChild mints the child job's trigger transition, the same path an
// external pub() call takes.
func (e *Engine) startChild(ctx context.Context, appID, childJID, topic string, args map[string]any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("activity: start child: marshal: %w", err)
	}
	msg := stream.Data{
		Metadata: stream.Metadata{GUID: uuid.NewString(), Topic: topic, JID: childJID},
		Type:     stream.TypeTransition,
		Data:     payload,
		Status:   stream.StatusSuccess,
		Code:     errors.CodeSuccess,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("activity: start child: marshal message: %w", err)
	}
	return ignoreStreamID(e.Store.StreamAppend(ctx, e.Keys.StreamKey(appID), map[string]string{"payload": string(raw)}))
}

func ignoreStreamID(_ string, err error) error { return err }

// parseAwaitParent decodes the "-awaitParent" field written by awaitLeg1's
// synchronous form.
func parseAwaitParent(raw string) (jid, aid, dad string, ok bool) {
	if raw == "" {
		return "", "", "", false
	}
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i+1 < len(raw); i++ {
		if raw[i] == ':' && raw[i+1] == ':' {
			parts = append(parts, raw[start:i])
			start = i + 2
			i++
		}
	}
	parts = append(parts, raw[start:])
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
