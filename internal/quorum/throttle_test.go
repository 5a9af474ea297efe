package quorum

import (
	"context"
	"testing"
	"time"
)

func TestThrottleDelayGlobalVsTopic(t *testing.T) {
	th := NewThrottle(nil)

	th.observe(Message{Kind: KindThrottle, Topic: "", ThrottleMS: 100})
	if d := th.Delay("anything"); d != 100*time.Millisecond {
		t.Errorf("global Delay = %v, want 100ms", d)
	}

	th.observe(Message{Kind: KindThrottle, Topic: "demo.topic", ThrottleMS: 250})
	if d := th.Delay("demo.topic"); d != 250*time.Millisecond {
		t.Errorf("topic Delay = %v, want 250ms (topic overrides global when larger)", d)
	}
	if d := th.Delay("other.topic"); d != 100*time.Millisecond {
		t.Errorf("unrelated topic Delay = %v, want global 100ms", d)
	}
}

func TestThrottleDelayTopicLowerThanGlobalStillUsesGlobal(t *testing.T) {
	th := NewThrottle(nil)
	th.observe(Message{Kind: KindThrottle, Topic: "", ThrottleMS: 200})
	th.observe(Message{Kind: KindThrottle, Topic: "demo.topic", ThrottleMS: 50})

	if d := th.Delay("demo.topic"); d != 200*time.Millisecond {
		t.Errorf("Delay = %v, want global floor 200ms since it exceeds the topic setting", d)
	}
}

// TestThrottleResponsiveness verifies property 8: once a nonzero throttle is
// observed for a topic, Wait actually delays the caller by roughly the
// configured amount, and clearing it (delay<=0) removes the limiter so Wait
// stops blocking.
func TestThrottleResponsiveness(t *testing.T) {
	th := NewThrottle(nil)
	th.observe(Message{Kind: KindThrottle, Topic: "demo.topic", ThrottleMS: 50})

	start := time.Now()
	if err := th.Wait(context.Background(), "demo.topic"); err != nil {
		t.Fatalf("Wait (first, admitted immediately): %v", err)
	}
	if err := th.Wait(context.Background(), "demo.topic"); err != nil {
		t.Fatalf("Wait (second): %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("second Wait returned after %v, expected to be throttled to ~50ms", elapsed)
	}

	th.observe(Message{Kind: KindThrottle, Topic: "demo.topic", ThrottleMS: 0})
	start = time.Now()
	if err := th.Wait(context.Background(), "demo.topic"); err != nil {
		t.Fatalf("Wait after clearing throttle: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("Wait after clearing throttle took %v, expected immediate return", elapsed)
	}
}

func TestThrottleWaitNoOpWithoutThrottle(t *testing.T) {
	th := NewThrottle(nil)
	start := time.Now()
	if err := th.Wait(context.Background(), "never-throttled"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("Wait for unthrottled topic took %v, expected immediate return", elapsed)
	}
}
