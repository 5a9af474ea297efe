package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hotmeshio/hotmesh-go/internal/config"
	"github.com/hotmeshio/hotmesh-go/internal/store/memory"
)

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, msg Data) (Response, error) {
	return Response{Status: StatusSuccess, Code: 200}, nil
}

func appendMessage(t *testing.T, provider *memory.Provider, streamKey string, msg Data) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := provider.StreamAppend(context.Background(), streamKey, map[string]string{"payload": string(raw)}); err != nil {
		t.Fatalf("StreamAppend: %v", err)
	}
}

func TestRouterProcessesAndAcksMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	provider := memory.New()
	cfg := config.Defaults()
	cfg.BlockTime = 50 * time.Millisecond
	cfg.XClaimDelay = time.Hour // disable reclaim firing during this test

	r := New(provider, echoHandler{}, Options{Stream: "s1", Group: "g1", Consumer: "c1", Config: cfg})

	appendMessage(t, provider, "s1", Data{Metadata: Metadata{GUID: "g", AID: "a1", JID: "jid1"}})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(time.Second)
	for {
		pending, err := provider.Pending(ctx, "s1", "g1", 0, 100)
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-deadline:
			r.Shutdown()
			<-done
			t.Fatal("message was never acked")
		case <-time.After(10 * time.Millisecond):
		}
	}

	r.Shutdown()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// mustNotBeCalledHandler fails the test if the router ever dispatches to it
// — used to prove a message past the reclaim ceiling is acked directly by
// reclaimOnce rather than claimed and reprocessed.
type mustNotBeCalledHandler struct{ t *testing.T }

func (h mustNotBeCalledHandler) Handle(_ context.Context, _ Data) (Response, error) {
	h.t.Fatal("handler invoked for a message past the reclaim ceiling")
	return Response{}, nil
}

// TestReclaimCeilingRoutesToTerminalInsteadOfRetryingForever verifies
// property 7: a message whose delivery count exceeds the (hard-capped at 3)
// reclaim ceiling is acked and dropped from pending rather than claimed and
// reprocessed again, so no message is redelivered without bound.
func TestReclaimCeilingRoutesToTerminalInsteadOfRetryingForever(t *testing.T) {
	ctx := context.Background()
	provider := memory.New()
	cfg := config.Defaults()
	cfg.XClaimCount = 10               // router must still cap the effective ceiling at 3
	cfg.XClaimDelay = time.Millisecond // keep the test fast: pending/claim idle threshold

	if err := provider.EnsureGroup(ctx, "s1", "g1"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	appendMessage(t, provider, "s1", Data{Metadata: Metadata{GUID: "g", AID: "a1", JID: "jid1"}})

	entries, err := provider.ReadGroup(ctx, "s1", "g1", "c0", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ReadGroup returned %d entries, want 1", len(entries))
	}
	id := entries[0].ID

	// Drive the delivery count up past the reclaim ceiling (3) by claiming
	// the same entry repeatedly, the same way a stalled consumer's message
	// would accumulate deliveries across several reclaimOnce cycles.
	for i := 0; i < 4; i++ {
		time.Sleep(2 * time.Millisecond)
		if _, err := provider.Claim(ctx, "s1", "g1", "stalled-consumer", cfg.XClaimDelay, id); err != nil {
			t.Fatalf("Claim: %v", err)
		}
	}

	pending, err := provider.Pending(ctx, "s1", "g1", 0, 100)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].DeliveryCount <= 3 {
		t.Fatalf("expected delivery count to exceed the ceiling of 3 before reclaimOnce, got %+v", pending)
	}

	r := New(provider, mustNotBeCalledHandler{t}, Options{Stream: "s1", Group: "g1", Consumer: "c1", Config: cfg})
	time.Sleep(2 * time.Millisecond)
	r.reclaimOnce(ctx)

	pending, err = provider.Pending(ctx, "s1", "g1", 0, 100)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want none (message should have been acked once the reclaim ceiling was reached)", pending)
	}
}
