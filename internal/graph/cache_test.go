package graph

import (
	"context"
	"testing"
	"time"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store/memory"
)

func demoApp() *App {
	return &App{
		AppID:   "demo.app",
		Version: "1",
		Graphs: []Graph{
			{
				Subscribes: "demo.topic",
				Activities: []Activity{
					{AID: "t1", Type: TypeTrigger, Transitions: []Transition{{To: "w1"}}},
					{AID: "w1", Type: TypeWorker, Worker: "demo.worker"},
				},
				Hooks: []HookRule{
					{Topic: "demo.hook", Target: "w1"},
				},
			},
		},
	}
}

func TestDescriptorCacheDeployAndRead(t *testing.T) {
	ctx := context.Background()
	c := NewDescriptorCache(memory.New(), keys.New("ns", "demo.app"), time.Hour)

	if err := c.Deploy(ctx, demoApp()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	act, ok, err := c.Activity(ctx, "demo.app", "1", "t1")
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if !ok {
		t.Fatal("expected activity t1 to be found")
	}
	if act.Type != TypeTrigger {
		t.Errorf("Type = %q, want trigger", act.Type)
	}

	successors, err := c.RootSuccessors(ctx, "demo.app", "1", "demo.topic")
	if err != nil {
		t.Fatalf("RootSuccessors: %v", err)
	}
	if len(successors) != 1 || successors[0] != "t1" {
		t.Errorf("RootSuccessors = %v, want [t1]", successors)
	}

	rule, ok, err := c.HookRule(ctx, "demo.app", "1", "demo.hook")
	if err != nil {
		t.Fatalf("HookRule: %v", err)
	}
	if !ok || rule.Target != "w1" {
		t.Errorf("HookRule = %+v, ok=%v, want target w1", rule, ok)
	}
}

func TestDescriptorCacheActivateAndActiveVersion(t *testing.T) {
	ctx := context.Background()
	c := NewDescriptorCache(memory.New(), keys.New("ns", "demo.app"), time.Hour)

	if err := c.Deploy(ctx, demoApp()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := c.Activate(ctx, "demo.app", "1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if v := c.ActiveVersion("demo.app"); v != "1" {
		t.Errorf("ActiveVersion = %q, want 1", v)
	}
}

func TestDescriptorCacheActiveVersionReadsThroughOnMiss(t *testing.T) {
	ctx := context.Background()
	store1 := memory.New()
	kb := keys.New("ns", "demo.app")

	writer := NewDescriptorCache(store1, kb, time.Hour)
	if err := writer.Deploy(ctx, demoApp()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := writer.Activate(ctx, "demo.app", "1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	reader := NewDescriptorCache(store1, kb, time.Hour)
	if v := reader.ActiveVersion("demo.app"); v != "1" {
		t.Errorf("fresh cache ActiveVersion = %q, want 1 (read-through)", v)
	}
}

func TestDescriptorCacheInvalidateForcesReread(t *testing.T) {
	ctx := context.Background()
	kb := keys.New("ns", "demo.app")
	store1 := memory.New()
	c := NewDescriptorCache(store1, kb, time.Hour)

	if err := c.Deploy(ctx, demoApp()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	c.Invalidate("demo.app", "1")

	act, ok, err := c.Activity(ctx, "demo.app", "1", "w1")
	if err != nil {
		t.Fatalf("Activity after invalidate: %v", err)
	}
	if !ok || act.AID != "w1" {
		t.Errorf("expected w1 to still be resolvable via read-through after invalidate")
	}
}

func TestDescriptorCacheUnknownAppReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	c := NewDescriptorCache(memory.New(), keys.New("ns", "demo.app"), time.Hour)

	_, ok, err := c.Activity(ctx, "nope.app", "1", "t1")
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if ok {
		t.Error("expected ok=false for undeployed app")
	}
}
