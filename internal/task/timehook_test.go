package task

import (
	"context"
	"testing"
	"time"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store/memory"
)

func TestTimehookStoreRegisterAndPopDue(t *testing.T) {
	ctx := context.Background()
	s := NewTimehookStore(memory.New(), keys.New("ns", "app1"))

	now := time.Now()
	past := Timehook{JID: "jid1", GID: "g1", AID: "h1", DAD: "0", Kind: KindSleep}
	future := Timehook{JID: "jid2", GID: "g2", AID: "h1", DAD: "0", Kind: KindSleep}

	if err := s.Register(ctx, past, now.Add(-time.Minute)); err != nil {
		t.Fatalf("Register past: %v", err)
	}
	if err := s.Register(ctx, future, now.Add(time.Hour)); err != nil {
		t.Fatalf("Register future: %v", err)
	}

	due, err := s.PopDue(ctx, now)
	if err != nil {
		t.Fatalf("PopDue: %v", err)
	}
	if len(due) != 1 || due[0].JID != "jid1" {
		t.Fatalf("PopDue = %+v, want only jid1", due)
	}

	// Popped entries are removed: popping again at a much later time should
	// not return the already-fired hook (property 6, time-hook monotonicity
	// — a hook fires exactly once).
	due, err = s.PopDue(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("PopDue (second): %v", err)
	}
	if len(due) != 1 || due[0].JID != "jid2" {
		t.Fatalf("second PopDue = %+v, want only jid2 (jid1 already popped)", due)
	}
}

func TestTimehookEncodeDecodeRoundTrip(t *testing.T) {
	hook := Timehook{JID: "jid1", GID: "g1", AID: "h1", DAD: "1,2", Kind: KindWorkflowSleep, Index: 7}
	got, err := decodeTimehook(hook.encode())
	if err != nil {
		t.Fatalf("decodeTimehook: %v", err)
	}
	if got != hook {
		t.Errorf("round trip = %+v, want %+v", got, hook)
	}
}

func TestTimehookPopDueOrdersByFireTime(t *testing.T) {
	ctx := context.Background()
	s := NewTimehookStore(memory.New(), keys.New("ns", "app1"))
	now := time.Now()

	for i, jid := range []string{"jidA", "jidB", "jidC"} {
		hook := Timehook{JID: jid, GID: "g", AID: "h1", DAD: "0", Kind: KindSleep}
		if err := s.Register(ctx, hook, now.Add(time.Duration(i)*time.Second-time.Hour)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	due, err := s.PopDue(ctx, now)
	if err != nil {
		t.Fatalf("PopDue: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("got %d due hooks, want 3", len(due))
	}
	for i, want := range []string{"jidA", "jidB", "jidC"} {
		if due[i].JID != want {
			t.Errorf("due[%d].JID = %q, want %q (ascending fire time)", i, due[i].JID, want)
		}
	}
}
