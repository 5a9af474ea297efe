package task

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store"
)

// HookTarget is the (aid, dad, jid) triple a resolved web-hook or signal
// match wakes. Index is only meaningful for a workflow waitFor() registration
// (internal/orchestrator), naming the execution index to resolve; every
// other caller ignores it.
type HookTarget struct {
	AID   string
	DAD   string
	JID   string
	Index int
}

func (t HookTarget) encode() string {
	return t.AID + "::" + t.DAD + "::" + t.JID + "::" + strconv.Itoa(t.Index)
}

func decodeHookTarget(s string) (HookTarget, bool) {
	// Spec section 9, Open Questions: hookSignalId is composed as
	// "dad::jid"; some code paths still read pre-composite signals (a bare
	// jid, or a two-part dad::jid missing the aid). Accept all forms,
	// preferring the fully composite one. A trailing fourth segment (added
	// for workflow waitFor() registrations) carries the execution index.
	parts := strings.Split(s, "::")
	switch len(parts) {
	case 4:
		idx, _ := strconv.Atoi(parts[3])
		return HookTarget{AID: parts[0], DAD: parts[1], JID: parts[2], Index: idx}, true
	case 3:
		return HookTarget{AID: parts[0], DAD: parts[1], JID: parts[2], Index: -1}, true
	case 2:
		return HookTarget{DAD: parts[0], JID: parts[1], Index: -1}, true
	case 1:
		if parts[0] == "" {
			return HookTarget{}, false
		}
		return HookTarget{JID: parts[0], Index: -1}, true
	default:
		return HookTarget{}, false
	}
}

// WebhookIndex resolves inbound external signals against a topic's
// registered match expression, mapping (topic, resolved) to the target
// activity awaiting that signal.
type WebhookIndex struct {
	provider store.Provider
	keys     *keys.Builder
}

// NewWebhookIndex constructs a WebhookIndex.
func NewWebhookIndex(provider store.Provider, keyBuilder *keys.Builder) *WebhookIndex {
	return &WebhookIndex{provider: provider, keys: keyBuilder}
}

// Register inserts (topic, resolved) -> target into the index at hook
// registration time (the hook activity's leg 1).
func (w *WebhookIndex) Register(ctx context.Context, topic, resolved string, target HookTarget) error {
	key := w.keys.HooksKey(topic, resolved)
	if err := w.provider.HSetMany(ctx, key, map[string]string{"v": target.encode()}); err != nil {
		return fmt.Errorf("task: register webhook: %w", err)
	}
	return nil
}

// Resolve looks up the target for (topic, resolved). If missing, the
// signal is ignored (idempotent) and Resolve returns ok=false without
// error — a missing index entry is not itself a failure.
func (w *WebhookIndex) Resolve(ctx context.Context, topic, resolved string) (HookTarget, bool, error) {
	key := w.keys.HooksKey(topic, resolved)
	vals, err := w.provider.HGetMany(ctx, key, []string{"v"})
	if err != nil {
		return HookTarget{}, false, fmt.Errorf("task: resolve webhook: %w", err)
	}
	raw, ok := vals["v"]
	if !ok {
		return HookTarget{}, false, nil
	}
	target, ok := decodeHookTarget(raw)
	return target, ok, nil
}

// Delete removes the index entry. Called after a successful (code==200)
// delivery; a 202 response keeps the entry alive for another delivery.
func (w *WebhookIndex) Delete(ctx context.Context, topic, resolved string) error {
	key := w.keys.HooksKey(topic, resolved)
	return w.provider.Del(ctx, key)
}
