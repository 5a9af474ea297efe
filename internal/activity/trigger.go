package activity

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/stream"

	"context"
)

// triggerLeg1 mints a jid if absent, creates the job record from the
// inbound payload, applies the trigger's job-mapping rules, and fans out
// a transition to each guard-passing root successor (spec section 4.4,
// Trigger).
func (e *Engine) triggerLeg1(ctx context.Context, appID, version string, act *graph.Activity, msg stream.Data) (stream.Response, error) {
	jid := msg.Metadata.JID
	if jid == "" {
		jid = uuid.NewString()
	}

	var payload map[string]any
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return stream.Response{}, fmt.Errorf("activity: trigger: decode payload: %w", err)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	jobData := map[string]any{"input": payload}
	if len(act.Job) > 0 {
		pctx := buildPipeContext(msg.Metadata, jobData, payload)
		if err := e.Mapper.ApplyInto(pctx, act.Job, jobData); err != nil {
			return stream.Response{}, fmt.Errorf("activity: trigger: apply job rules: %w", err)
		}
	}
	if err := e.saveJobData(ctx, jid, jobData); err != nil {
		return stream.Response{}, err
	}
	if err := e.Store.HSetMany(ctx, e.Keys.JobKey(jid), map[string]string{":status": "running", "_appId": appID}); err != nil {
		return stream.Response{}, fmt.Errorf("activity: trigger: write status: %w", err)
	}

	transitions := act.Transitions
	if len(transitions) == 0 {
		// msg.Metadata.Topic carries the appId (appIDFromStream's
		// convention), not the caller's subscribe topic — that is
		// Metadata.Subscribes, stamped by dispatchTrigger/startChild on the
		// job's first message.
		subscribes := msg.Metadata.Subscribes
		if subscribes == "" {
			subscribes = msg.Metadata.Topic
		}
		var err error
		successors, err := e.Graphs.RootSuccessors(ctx, appID, version, subscribes)
		if err != nil {
			return stream.Response{}, fmt.Errorf("activity: trigger: root successors: %w", err)
		}
		for _, s := range successors {
			transitions = append(transitions, graph.Transition{To: s})
		}
	}

	pctx := buildPipeContext(msg.Metadata, jobData, payload)
	if err := e.resolveAndFanOut(ctx, appID, jid, msg.Metadata.GID, msg.Metadata.DAD, act.AID, transitions, pctx, jobData); err != nil {
		return stream.Response{}, err
	}

	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}

func countPassing(edges []edgeResult) int {
	n := 0
	for _, e := range edges {
		if e.passed {
			n++
		}
	}
	return n
}
