package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/pipe"
	"github.com/hotmeshio/hotmesh-go/internal/stream"
)

// Hook delivers an external web-hook signal to whichever paused activity is
// currently waiting on (topic, resolved) — resolved computed here the same
// way an activity's own hookWebLeg1 registration computed it, by evaluating
// topic's deployed HookRule.Match expression against data (spec section 6,
// "hook(topic, data) → streamId"; section 4.5, Web-hook index). A missing
// index entry is not an error: the signal is simply ignored, the same
// idempotent-drop behavior task.WebhookIndex.Resolve documents.
func (o *Orchestrator) Hook(ctx context.Context, appID, topic string, data map[string]any) (string, error) {
	version := o.graphs.ActiveVersion(appID)
	rule, ok, err := o.graphs.HookRule(ctx, appID, version, topic)
	if err != nil {
		return "", fmt.Errorf("orchestrator: hook: load rule: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("orchestrator: hook: no rule deployed for topic %q", topic)
	}
	resolved, err := resolveHookMatch(o.engine.Pipes, rule, data)
	if err != nil {
		return "", fmt.Errorf("orchestrator: hook: resolve match: %w", err)
	}
	target, ok, err := o.webhooks.Resolve(ctx, topic, resolved)
	if err != nil {
		return "", fmt.Errorf("orchestrator: hook: resolve target: %w", err)
	}
	if !ok {
		return "", nil
	}
	return o.deliverWebhook(ctx, appID, target.AID, target.DAD, target.JID, data)
}

// HookAll delivers data to every target named in targetKeys, each a
// previously resolved web-hook match value for topic. A full faceted
// job-index query (arbitrary jobKeyQuery/indexFacets over every job's
// search-indexed fields) needs a secondary search index the Store.Provider
// surface does not define (spec section 4.1 lists only hash/stream/pubsub
// ops) — the original system's RediSearch-backed facet query is the kind of
// "Higher-level entity/ORM façade" spec section 1 marks out of scope. This
// degenerates hookAll to delivering the same payload to an explicit list of
// already-resolved web-hook keys instead of discovering them from a facet
// query (see DESIGN.md, "External hook/hookAll delivery operations").
func (o *Orchestrator) HookAll(ctx context.Context, appID, topic string, data map[string]any, targetKeys []string) ([]string, error) {
	streamIDs := make([]string, 0, len(targetKeys))
	for _, resolved := range targetKeys {
		target, ok, err := o.webhooks.Resolve(ctx, topic, resolved)
		if err != nil {
			return streamIDs, fmt.Errorf("orchestrator: hookAll: resolve target %q: %w", resolved, err)
		}
		if !ok {
			continue
		}
		id, err := o.deliverWebhook(ctx, appID, target.AID, target.DAD, target.JID, data)
		if err != nil {
			return streamIDs, err
		}
		streamIDs = append(streamIDs, id)
	}
	return streamIDs, nil
}

// deliverWebhook appends the type=webhook transition internal/activity's
// handleWebhook wakes on.
func (o *Orchestrator) deliverWebhook(ctx context.Context, appID, aid, dad, jid string, data map[string]any) (string, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("orchestrator: hook: marshal payload: %w", err)
	}
	msg := stream.Data{
		Metadata: stream.Metadata{GUID: uuid.NewString(), Topic: appID, JID: jid, AID: aid, DAD: dad},
		Type:     stream.TypeWebhook,
		Data:     body,
		Status:   stream.StatusSuccess,
		Code:     errors.CodeSuccess,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("orchestrator: hook: marshal message: %w", err)
	}
	streamID, err := o.store.StreamAppend(ctx, o.keys.StreamKey(appID), map[string]string{"payload": string(raw)})
	if err != nil {
		return "", fmt.Errorf("orchestrator: hook: append: %w", err)
	}
	return streamID, nil
}

// resolveHookMatch evaluates rule's match expression against an incoming
// external payload wrapped as pipe.Context{"data": data}, mirroring the
// path convention internal/activity uses when resolving the same
// expression against a job's own context. A nil match resolves to the
// empty string — a wildcard registration.
func resolveHookMatch(registry *pipe.Registry, rule *graph.HookRule, data map[string]any) (string, error) {
	if rule.Match == nil || rule.Match.Left == "" {
		return "", nil
	}
	v, err := registry.Resolve(pipe.Context{"data": data}, rule.Match.Left)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}
