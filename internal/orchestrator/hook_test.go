package orchestrator

import (
	"context"
	"testing"

	"github.com/hotmeshio/hotmesh-go/internal/graph"
	"github.com/hotmeshio/hotmesh-go/internal/store/memory"
	"github.com/hotmeshio/hotmesh-go/internal/task"
)

func newTestOrchestrator(t *testing.T, appID string) *Orchestrator {
	t.Helper()
	o, err := New(context.Background(), Options{
		Store: memory.New(),
		AppID: appID,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func deployHookApp(t *testing.T, o *Orchestrator, appID, topic string) {
	t.Helper()
	app := &graph.App{
		AppID:   appID,
		Version: "1",
		Graphs: []graph.Graph{{
			Subscribes: "demo.start",
			Activities: []graph.Activity{{AID: "a1", Type: graph.TypeTrigger}},
			Hooks:      []graph.HookRule{{Topic: topic, Target: "a1"}},
		}},
	}
	ctx := context.Background()
	if err := o.graphs.Deploy(ctx, app); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := o.graphs.Activate(ctx, appID, "1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
}

// TestHookDeliversToRegisteredTarget verifies that Hook resolves a deployed
// HookRule with no match expression (the wildcard case, resolved == "") and
// appends a webhook transition to the target (aid, dad, jid) once one has
// been registered in the web-hook index.
func TestHookDeliversToRegisteredTarget(t *testing.T) {
	ctx := context.Background()
	appID := "app1"
	o := newTestOrchestrator(t, appID)
	deployHookApp(t, o, appID, "demo.hook")

	if err := o.RegisterWebhook(ctx, "demo.hook", "", task.HookTarget{AID: "a1", DAD: "0", JID: "jid1"}); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}

	streamID, err := o.Hook(ctx, appID, "demo.hook", map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("Hook: %v", err)
	}
	if streamID == "" {
		t.Error("expected a non-empty stream id for a resolved hook target")
	}
}

// TestHookUnresolvedTargetIsNotAnError verifies the documented idempotent-drop
// behavior: a topic with a deployed rule but no registered target yields no
// error and an empty stream id.
func TestHookUnresolvedTargetIsNotAnError(t *testing.T) {
	ctx := context.Background()
	appID := "app1"
	o := newTestOrchestrator(t, appID)
	deployHookApp(t, o, appID, "demo.hook")

	streamID, err := o.Hook(ctx, appID, "demo.hook", map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("Hook: %v", err)
	}
	if streamID != "" {
		t.Errorf("streamID = %q, want empty for an unresolved target", streamID)
	}
}

// TestHookUndeployedTopicIsAnError verifies Hook rejects a topic with no
// deployed HookRule rather than silently dropping it — the distinction from
// the unresolved-target case above, which is not an error.
func TestHookUndeployedTopicIsAnError(t *testing.T) {
	ctx := context.Background()
	appID := "app1"
	o := newTestOrchestrator(t, appID)
	deployHookApp(t, o, appID, "demo.hook")

	if _, err := o.Hook(ctx, appID, "unknown.topic", map[string]any{}); err == nil {
		t.Error("expected an error for a topic with no deployed hook rule")
	}
}

// TestHookAllDeliversToEveryResolvedTarget verifies HookAll fans the same
// payload out to each already-resolved target key, skipping any that no
// longer resolve rather than failing the whole batch.
func TestHookAllDeliversToEveryResolvedTarget(t *testing.T) {
	ctx := context.Background()
	appID := "app1"
	o := newTestOrchestrator(t, appID)
	deployHookApp(t, o, appID, "demo.hook")

	if err := o.RegisterWebhook(ctx, "demo.hook", "r1", task.HookTarget{AID: "a1", DAD: "0", JID: "jid1"}); err != nil {
		t.Fatalf("RegisterWebhook r1: %v", err)
	}
	if err := o.RegisterWebhook(ctx, "demo.hook", "r2", task.HookTarget{AID: "a1", DAD: "0", JID: "jid2"}); err != nil {
		t.Fatalf("RegisterWebhook r2: %v", err)
	}

	ids, err := o.HookAll(ctx, appID, "demo.hook", map[string]any{"ok": true}, []string{"r1", "r2", "r3-unresolved"})
	if err != nil {
		t.Fatalf("HookAll: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("HookAll delivered to %d targets, want 2 (the unresolved key should be skipped)", len(ids))
	}
}
