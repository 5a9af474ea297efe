// Package stream implements the router loop each engine and worker binds to
// one stream key: block-read from a consumer group, dispatch to a local
// handler, retry with backoff, ack, and periodically reclaim stalled
// messages from dead consumers.
package stream

import "encoding/json"

// MessageType is the closed set of StreamData.type values the router
// dispatches on.
type MessageType string

const (
	TypeTimehook    MessageType = "timehook"
	TypeWebhook     MessageType = "webhook"
	TypeAwait       MessageType = "await"
	TypeResult      MessageType = "result"
	TypeWorker      MessageType = "worker"
	TypeResponse    MessageType = "response"
	TypeTransition  MessageType = "transition"
	TypeSignal      MessageType = "signal"
	TypeInterrupt   MessageType = "interrupt"
	// TypeWorkflowWake resumes a suspended Reentrant Workflow Runtime frame
	// (spec section 4.6): its Data carries a workflowWake payload naming the
	// execution index to resolve and the value/error to resolve it with.
	TypeWorkflowWake MessageType = "workflow_wake"
)

// Status mirrors the wire-level status label carried alongside a numeric
// code.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusPending Status = "pending"
)

// Metadata is StreamData.metadata.
type Metadata struct {
	GUID  string `json:"guid"`
	Topic string `json:"topic,omitempty"`
	// Subscribes is the caller's original pub/sub subscribe topic (e.g.
	// "demo.greet") on a trigger's first message — distinct from Topic,
	// which every internally generated message stamps with the deploying
	// appId so appIDFromStream can re-derive it. Only triggerLeg1's
	// RootSuccessors fallback reads this field; every other handler uses
	// Topic.
	Subscribes string `json:"subscribes,omitempty"`
	JID        string `json:"jid,omitempty"`
	GID        string `json:"gid,omitempty"`
	DAD        string `json:"dad,omitempty"`
	AID        string `json:"aid"`
	Trc        string `json:"trc,omitempty"`
	Spn        string `json:"spn,omitempty"`
	Try        int    `json:"try,omitempty"`
	Await      bool   `json:"await,omitempty"`
}

// RetryPolicy maps a response code to [maxRetries, mode]; mode "x" selects
// exponential backoff, empty selects the graduated-interval default.
type RetryPolicy struct {
	Retry map[string][2]any `json:"retry,omitempty"`
}

// Data is the wire payload every stream message carries (spec section 6).
type Data struct {
	Metadata Metadata        `json:"metadata"`
	Type     MessageType     `json:"type,omitempty"`
	Data     json.RawMessage `json:"data"`
	Policies *RetryPolicy    `json:"policies,omitempty"`
	Status   Status          `json:"status,omitempty"`
	Code     int             `json:"code,omitempty"`
	Stack    string          `json:"stack,omitempty"`
}

// Response is what a Handler returns for a dispatched Data message.
type Response struct {
	Status Status
	Code   int
	Stack  string
}
