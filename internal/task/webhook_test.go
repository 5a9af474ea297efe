package task

import (
	"context"
	"testing"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store/memory"
)

func TestWebhookIndexRegisterResolveDelete(t *testing.T) {
	ctx := context.Background()
	idx := NewWebhookIndex(memory.New(), keys.New("ns", "app1"))

	target := HookTarget{AID: "h1", DAD: "0", JID: "jid1", Index: -1}
	if err := idx.Register(ctx, "demo.topic", "resolved-val", target); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok, err := idx.Resolve(ctx, "demo.topic", "resolved-val")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ok {
		t.Fatal("expected resolved target")
	}
	if got != target {
		t.Errorf("Resolve = %+v, want %+v", got, target)
	}

	if err := idx.Delete(ctx, "demo.topic", "resolved-val"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err = idx.Resolve(ctx, "demo.topic", "resolved-val")
	if err != nil {
		t.Fatalf("Resolve after delete: %v", err)
	}
	if ok {
		t.Error("expected no target after delete")
	}
}

func TestWebhookIndexResolveMissingIsNotError(t *testing.T) {
	ctx := context.Background()
	idx := NewWebhookIndex(memory.New(), keys.New("ns", "app1"))

	_, ok, err := idx.Resolve(ctx, "nope.topic", "nope")
	if err != nil {
		t.Fatalf("Resolve of missing entry returned error: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing entry")
	}
}

func TestDecodeHookTargetAllForms(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want HookTarget
	}{
		{"bare jid", "jid1", HookTarget{JID: "jid1", Index: -1}},
		{"dad::jid", "0::jid1", HookTarget{DAD: "0", JID: "jid1", Index: -1}},
		{"aid::dad::jid", "a1::0::jid1", HookTarget{AID: "a1", DAD: "0", JID: "jid1", Index: -1}},
		{"aid::dad::jid::index", "a1::0::jid1::3", HookTarget{AID: "a1", DAD: "0", JID: "jid1", Index: 3}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := decodeHookTarget(c.in)
			if !ok {
				t.Fatalf("decodeHookTarget(%q) failed to decode", c.in)
			}
			if got != c.want {
				t.Errorf("decodeHookTarget(%q) = %+v, want %+v", c.in, got, c.want)
			}
		})
	}
}

func TestDecodeHookTargetEmptyRejected(t *testing.T) {
	if _, ok := decodeHookTarget(""); ok {
		t.Error("expected empty string to fail to decode")
	}
}

func TestHookTargetEncodeDecodeRoundTrip(t *testing.T) {
	target := HookTarget{AID: "a1", DAD: "1,2", JID: "jid9", Index: 5}
	got, ok := decodeHookTarget(target.encode())
	if !ok {
		t.Fatal("round trip decode failed")
	}
	if got != target {
		t.Errorf("round trip = %+v, want %+v", got, target)
	}
}
