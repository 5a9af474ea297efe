package workflow

import "github.com/hotmeshio/hotmesh-go/internal/graph"

// DescriptorKind tags which of the four interruption shapes a pending
// suspension carries (spec section 4.6: child/proxy/sleep/wait).
type DescriptorKind string

const (
	KindSleep DescriptorKind = "sleep"
	KindWait  DescriptorKind = "wait"
	KindChild DescriptorKind = "child"
	KindProxy DescriptorKind = "proxy"
)

// SleepDescriptor is the interruption payload for sleepFor(duration).
type SleepDescriptor struct {
	Duration string `json:"duration"`
}

// WaitDescriptor is the interruption payload for waitFor(signalId).
type WaitDescriptor struct {
	SignalID string `json:"signalId"`
}

// ChildDescriptor is the interruption payload for execChild/startChild.
type ChildDescriptor struct {
	WorkflowID    string             `json:"workflowId,omitempty"`
	Topic         string             `json:"topic"`
	Args          map[string]any     `json:"args"`
	Await         bool               `json:"await"`
	Retry         *graph.RetryPolicy `json:"retry,omitempty"`
	ExpireSeconds int                `json:"expire,omitempty"`
}

// ProxyDescriptor is the interruption payload for proxyActivities<A>(cfg)
// calls, one per invoked activity method.
type ProxyDescriptor struct {
	ActivityName string             `json:"activityName"`
	Args         map[string]any     `json:"args"`
	Retry        *graph.RetryPolicy `json:"retry,omitempty"`
}

// Interruption is one pending suspension collected during a single frame's
// synchronous execution, tagged with the execution index it occupies in
// the replay table.
type Interruption struct {
	Index int
	Kind  DescriptorKind
	Sleep *SleepDescriptor
	Wait  *WaitDescriptor
	Child *ChildDescriptor
	Proxy *ProxyDescriptor
}

// interruptionSignal is the panic value the frame driver recovers at
// exactly one point (spec/SPEC_FULL: "WorkflowInterruption is ... a
// panic-carried control-flow signal ... recovered at exactly one point").
// It never escapes internal/workflow as a normal Go error.
type interruptionSignal struct{}
