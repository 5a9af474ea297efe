package workflow

import (
	"context"
	"testing"

	"github.com/hotmeshio/hotmesh-go/internal/collator"
	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store/memory"
)

type recordingDispatcher struct {
	sleeps []SleepDescriptor
	proxies []ProxyDescriptor
}

func (d *recordingDispatcher) DispatchSleep(_ context.Context, jid, gid, aid, dad string, index int, desc SleepDescriptor) error {
	d.sleeps = append(d.sleeps, desc)
	return nil
}
func (d *recordingDispatcher) DispatchWait(_ context.Context, jid, aid, dad string, index int, desc WaitDescriptor) error {
	return nil
}
func (d *recordingDispatcher) DispatchChild(_ context.Context, appID, jid, aid, dad string, index int, desc ChildDescriptor) error {
	return nil
}
func (d *recordingDispatcher) DispatchProxy(_ context.Context, appID, jid, aid, dad string, index int, desc ProxyDescriptor) error {
	d.proxies = append(d.proxies, desc)
	return nil
}
func (d *recordingDispatcher) DispatchAll(_ context.Context, appID, jid, aid, dad string, interruptions []Interruption) error {
	return nil
}

type noopEffects struct{}

func (noopEffects) Signal(context.Context, string, map[string]any) error           { return nil }
func (noopEffects) Hook(context.Context, HookOptions) error                        { return nil }
func (noopEffects) Emit(context.Context, []map[string]any) error                   { return nil }
func (noopEffects) Trace(context.Context, map[string]any) error                    { return nil }
func (noopEffects) Enrich(context.Context, map[string]any) error                   { return nil }
func (noopEffects) Interrupt(context.Context, string, InterruptOptions) error      { return nil }

type noopHotMesh struct{}

func (noopHotMesh) Pub(context.Context, string, map[string]any) (string, error) { return "", nil }
func (noopHotMesh) GetState(context.Context, string, string) (map[string]any, error) {
	return nil, nil
}

func newTestDriver() (*Driver, *recordingDispatcher) {
	provider := memory.New()
	kb := keys.New("ns", "app1")
	col := collator.New(provider, kb)
	d := &recordingDispatcher{}
	driver := NewDriver(provider, kb, col, d, noopEffects{}, noopHotMesh{}, nil)
	return driver, d
}

func sleepThenGreetWorkflow(c *Context, input map[string]any) (map[string]any, error) {
	c.SleepFor("1s")
	name, _ := input["name"].(string)
	return map[string]any{"greeting": "hello, " + name}, nil
}

func TestDriverRunSuspendsOnFirstSleep(t *testing.T) {
	ctx := context.Background()
	driver, dispatcher := newTestDriver()

	out, suspended, err := driver.Run(ctx, "app1", "jid1", "gid1", "a1", "0", sleepThenGreetWorkflow, map[string]any{"name": "ada"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !suspended {
		t.Fatal("expected workflow to suspend on first SleepFor call")
	}
	if out != nil {
		t.Errorf("expected nil output while suspended, got %v", out)
	}
	if len(dispatcher.sleeps) != 1 {
		t.Fatalf("expected exactly one dispatched sleep, got %d", len(dispatcher.sleeps))
	}
	if dispatcher.sleeps[0].Duration != "1s" {
		t.Errorf("sleep duration = %q, want 1s", dispatcher.sleeps[0].Duration)
	}
}

// TestDriverReplaysIdenticalInterruptionSequence verifies property 3
// (deterministic replay): once the sleep's result is resolved in the
// replay table, re-running the same frame does not re-dispatch the sleep
// and instead proceeds straight to the function's terminal output.
func TestDriverReplaysIdenticalInterruptionSequence(t *testing.T) {
	ctx := context.Background()
	driver, dispatcher := newTestDriver()

	_, suspended, err := driver.Run(ctx, "app1", "jid1", "gid1", "a1", "0", sleepThenGreetWorkflow, map[string]any{"name": "ada"}, nil)
	if err != nil {
		t.Fatalf("Run (first): %v", err)
	}
	if !suspended {
		t.Fatal("expected first run to suspend")
	}
	if len(dispatcher.sleeps) != 1 {
		t.Fatalf("expected one dispatched sleep after first run, got %d", len(dispatcher.sleeps))
	}

	if err := driver.ResolveIndex(ctx, "jid1", "a1", "0", 0, nil, 0, ""); err != nil {
		t.Fatalf("ResolveIndex: %v", err)
	}

	out, suspended, err := driver.Run(ctx, "app1", "jid1", "gid1", "a1", "0", sleepThenGreetWorkflow, map[string]any{"name": "ada"}, nil)
	if err != nil {
		t.Fatalf("Run (second): %v", err)
	}
	if suspended {
		t.Fatal("expected second run to complete, not suspend again")
	}
	if out["greeting"] != "hello, ada" {
		t.Errorf("out = %v, want greeting 'hello, ada'", out)
	}
	// The replay must not re-dispatch the already-resolved sleep.
	if len(dispatcher.sleeps) != 1 {
		t.Errorf("dispatched sleeps after replay = %d, want still 1 (no re-dispatch)", len(dispatcher.sleeps))
	}
}

func TestDriverUserCodePanicBecomesWorkflowUserError(t *testing.T) {
	ctx := context.Background()
	driver, _ := newTestDriver()

	panicky := func(c *Context, input map[string]any) (map[string]any, error) {
		panic("boom")
	}

	_, suspended, err := driver.Run(ctx, "app1", "jid2", "gid1", "a1", "0", panicky, nil, nil)
	if suspended {
		t.Fatal("a user panic should not be reported as a suspension")
	}
	if err == nil {
		t.Fatal("expected an error from the recovered panic")
	}
}

func TestContextOnceEffectRunsExactlyOnceAcrossReplays(t *testing.T) {
	ctx := context.Background()
	driver, _ := newTestDriver()

	calls := 0
	fn := func(c *Context, input map[string]any) (map[string]any, error) {
		_, err := c.Once(func() (any, error) {
			calls++
			return "ran", nil
		})
		if err != nil {
			return nil, err
		}
		c.SleepFor("1s")
		return map[string]any{"ok": true}, nil
	}

	_, suspended, err := driver.Run(ctx, "app1", "jid3", "gid1", "a1", "0", fn, nil, nil)
	if err != nil {
		t.Fatalf("Run (first): %v", err)
	}
	if !suspended {
		t.Fatal("expected suspension on sleep")
	}
	if calls != 1 {
		t.Fatalf("Once body ran %d times on first pass, want 1", calls)
	}

	if err := driver.ResolveIndex(ctx, "jid3", "a1", "0", 1, nil, 0, ""); err != nil {
		t.Fatalf("ResolveIndex: %v", err)
	}

	_, suspended, err = driver.Run(ctx, "app1", "jid3", "gid1", "a1", "0", fn, nil, nil)
	if err != nil {
		t.Fatalf("Run (second): %v", err)
	}
	if suspended {
		t.Fatal("expected completion on second pass")
	}
	if calls != 1 {
		t.Errorf("Once body ran %d times across both passes, want exactly 1", calls)
	}
}
