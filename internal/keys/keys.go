// Package keys builds the canonical backend key/subject layout for a HotMesh
// deployment and maintains the per-app symbol table used to compress
// activity-field paths into compact hash field names.
package keys

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// Kind identifies the category of entity a key addresses.
type Kind string

const (
	KindApp       Kind = "app"
	KindJob       Kind = "job"
	KindHooks     Kind = "hooks"
	KindStream    Kind = "stream"
	KindQuorum    Kind = "quorum"
	KindThrottle  Kind = "throttle"
	KindSymbols   Kind = "symbols"
	KindSignals   Kind = "signals"
	KindTimehooks Kind = "timehooks"
	KindEvents    Kind = "events"
	KindExpiry    Kind = "expiry"
)

// maxSubjectLen bounds subject length for providers that impose a cap (e.g.
// NATS-style subject limits). Subjects exceeding this are hashed.
const maxSubjectLen = 255

// Builder mints keys and subjects under a fixed namespace and app.
type Builder struct {
	namespace string
	appID     string
	// delimiter substitutes for ':' when the backend disallows it in keys
	// (used for pub/sub subjects on providers such as NATS).
	delimiter string
}

// New returns a Builder for the given namespace and app, using ':' as the
// field delimiter.
func New(namespace, appID string) *Builder {
	return &Builder{namespace: namespace, appID: appID, delimiter: ":"}
}

// WithDelimiter returns a copy of the Builder using delim in place of ':'.
// Intended for subject construction on providers that disallow ':'.
func (b *Builder) WithDelimiter(delim string) *Builder {
	c := *b
	c.delimiter = delim
	return &c
}

// Key builds "hmsh:<namespace>:<appId>:<kind>:<params...>".
func (b *Builder) Key(kind Kind, params ...string) string {
	parts := append([]string{"hmsh", b.namespace, b.appID, string(kind)}, params...)
	key := strings.Join(parts, b.delimiter)
	return b.maybeHash(key)
}

// JobKey builds the hash key for a job's process record.
func (b *Builder) JobKey(jid string) string {
	return b.Key(KindJob, jid)
}

// HooksKey builds the web-hook signal index key for a topic and resolved
// match value.
func (b *Builder) HooksKey(topic, resolved string) string {
	return b.Key(KindHooks, topic, resolved)
}

// StreamKey builds the stream key for an engine or worker topic.
func (b *Builder) StreamKey(topic string) string {
	return b.Key(KindStream, topic)
}

// QuorumKey builds the control-plane pub/sub subject.
func (b *Builder) QuorumKey() string {
	return b.Key(KindQuorum)
}

// ThrottleKey builds the throttle-state key, global when topic is empty.
func (b *Builder) ThrottleKey(topic string) string {
	if topic == "" {
		return b.Key(KindThrottle, "*")
	}
	return b.Key(KindThrottle, topic)
}

// SymbolsKey builds the per-app symbol table key.
func (b *Builder) SymbolsKey() string {
	return b.Key(KindSymbols)
}

// SignalsKey builds the external-signal fan-in index key for a signal id.
func (b *Builder) SignalsKey(signalID string) string {
	return b.Key(KindSignals, signalID)
}

// TimehooksKey builds the time-hook sorted-set key.
func (b *Builder) TimehooksKey() string {
	return b.Key(KindTimehooks)
}

// EventsKey builds the pub/sub subject for workflow-emitted external events.
func (b *Builder) EventsKey() string {
	return b.Key(KindEvents)
}

// ExpiryKey builds the sorted-set key backing the scrubber's deletion
// schedule.
func (b *Builder) ExpiryKey() string {
	return b.Key(KindExpiry)
}

func (b *Builder) maybeHash(key string) string {
	if len(key) <= maxSubjectLen {
		return key
	}
	sum := sha1.Sum([]byte(key))
	return fmt.Sprintf("hmsh:%s:h:%s", b.namespace, hex.EncodeToString(sum[:]))
}
