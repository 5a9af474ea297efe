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

// cycleLeg1 re-enters an ancestor activity (act.Target) under a freshly
// minted dimensional suffix, leaving the prior occurrence's record
// discoverable under the old dad (spec section 4.4, Cycle; section 9,
// "Cyclic job graphs": always append, never reuse). A cycle node has
// exactly one outgoing edge, so it contributes no net semaphore credit:
// it both consumes the credit that routed into it and produces the one
// credit its re-entered target will itself resolve.
func (e *Engine) cycleLeg1(ctx context.Context, appID, version string, act *graph.Activity, msg stream.Data) (stream.Response, error) {
	if act.Target == "" {
		return stream.Response{}, errors.New(errors.KindStreamFatal, errors.CodeUnknown, fmt.Sprintf("activity: cycle %q: no target", act.AID))
	}

	jobData, _, err := e.loadJob(ctx, msg.Metadata.JID)
	if err != nil {
		return stream.Response{}, err
	}
	input, err := e.resolveInput(ctx, act, msg, jobData)
	if err != nil {
		return stream.Response{}, err
	}

	newDAD := dimensionalSuffix(msg.Metadata.DAD)

	_, dup, err := e.Collator.MintStepGUID(ctx, msg.Metadata.JID, act.AID, msg.Metadata.DAD, 0)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: cycle: mint step guid: %w", err)
	}
	if dup {
		return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: cycle: marshal payload: %w", err)
	}
	out := stream.Data{
		Metadata: stream.Metadata{GUID: uuid.NewString(), Topic: appID, JID: msg.Metadata.JID, GID: msg.Metadata.GID, DAD: newDAD, AID: act.Target},
		Type:     stream.TypeTransition,
		Data:     payload,
		Status:   stream.StatusSuccess,
		Code:     errors.CodeSuccess,
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return stream.Response{}, fmt.Errorf("activity: cycle: marshal message: %w", err)
	}
	if _, err := e.Store.StreamAppend(ctx, e.Keys.StreamKey(appID), map[string]string{"payload": string(raw)}); err != nil {
		return stream.Response{}, fmt.Errorf("activity: cycle: append: %w", err)
	}
	return stream.Response{Status: stream.StatusSuccess, Code: errors.CodeSuccess}, nil
}
