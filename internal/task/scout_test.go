package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store/memory"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	fired []Timehook
}

func (d *recordingDispatcher) DispatchTimehook(_ context.Context, hook Timehook) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fired = append(d.fired, hook)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fired)
}

func TestScoutWakesDueHooks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewTimehookStore(memory.New(), keys.New("ns", "app1"))
	if err := store.Register(ctx, Timehook{JID: "jid1", AID: "h1", DAD: "0", Kind: KindSleep}, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	dispatcher := &recordingDispatcher{}
	scout := NewScout(store, dispatcher, nil, 10*time.Millisecond, nil)

	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- scout.Run(runCtx) }()

	deadline := time.After(time.Second)
	for dispatcher.count() == 0 {
		select {
		case <-deadline:
			runCancel()
			<-done
			t.Fatal("scout did not dispatch due timehook within timeout")
		case <-time.After(10 * time.Millisecond):
		}
	}

	runCancel()
	if err := <-done; err != nil {
		t.Fatalf("scout.Run returned error: %v", err)
	}
}

func TestScoutStop(t *testing.T) {
	store := NewTimehookStore(memory.New(), keys.New("ns", "app1"))
	dispatcher := &recordingDispatcher{}
	scout := NewScout(store, dispatcher, nil, 10*time.Millisecond, nil)

	done := make(chan error, 1)
	go func() { done <- scout.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	scout.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("scout.Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scout did not stop within timeout")
	}
}
