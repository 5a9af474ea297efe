package keys

import (
	"strings"
	"testing"
)

func TestKeyLayout(t *testing.T) {
	b := New("myns", "app1")

	got := b.JobKey("jid123")
	want := "hmsh:myns:app1:job:jid123"
	if got != want {
		t.Errorf("JobKey = %q, want %q", got, want)
	}

	got = b.StreamKey("demo.topic")
	want = "hmsh:myns:app1:stream:demo.topic"
	if got != want {
		t.Errorf("StreamKey = %q, want %q", got, want)
	}

	got = b.HooksKey("demo.topic", "resolved-val")
	want = "hmsh:myns:app1:hooks:demo.topic:resolved-val"
	if got != want {
		t.Errorf("HooksKey = %q, want %q", got, want)
	}
}

func TestThrottleKeyGlobalVsTopic(t *testing.T) {
	b := New("ns", "app1")

	global := b.ThrottleKey("")
	scoped := b.ThrottleKey("demo.topic")

	if global == scoped {
		t.Error("global and topic-scoped throttle keys should differ")
	}
	if !strings.Contains(global, "*") {
		t.Errorf("global throttle key %q should use wildcard form", global)
	}
}

func TestWithDelimiter(t *testing.T) {
	b := New("ns", "app1").WithDelimiter(".")
	got := b.QuorumKey()
	if strings.Contains(got, ":") {
		t.Errorf("QuorumKey with custom delimiter still contains ':': %q", got)
	}
	if !strings.Contains(got, ".") {
		t.Errorf("QuorumKey with '.' delimiter should contain '.': %q", got)
	}
}

func TestKeyHashingOnOverlength(t *testing.T) {
	b := New("ns", "app1")
	longParam := strings.Repeat("x", 512)

	got := b.Key(KindJob, longParam)
	if len(got) > maxSubjectLen {
		t.Errorf("hashed key length = %d, want <= %d", len(got), maxSubjectLen)
	}
	if !strings.HasPrefix(got, "hmsh:ns:h:") {
		t.Errorf("hashed key %q does not carry expected hashed-key prefix", got)
	}
}

func TestKeyDeterministic(t *testing.T) {
	b := New("ns", "app1")
	if b.JobKey("jid1") != b.JobKey("jid1") {
		t.Error("JobKey should be deterministic for the same input")
	}
}
