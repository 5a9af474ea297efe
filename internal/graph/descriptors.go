// Package graph defines the App/Graph/Activity descriptor types the engine
// executes against, and a structural loader/validator for declarative
// sources. Loading and validating a descriptor is explicitly not
// compiling one: there is no expression compiler here, only a YAML/JSON
// unmarshal into these structs followed by schema validation.
package graph

import "github.com/hotmeshio/hotmesh-go/internal/mapper"

// ActivityType is the closed set of activity kinds the Activity Engine
// dispatches on.
type ActivityType string

const (
	TypeTrigger   ActivityType = "trigger"
	TypeWorker    ActivityType = "worker"
	TypeHook      ActivityType = "hook"
	TypeSignal    ActivityType = "signal"
	TypeInterrupt ActivityType = "interrupt"
	TypeCycle     ActivityType = "cycle"
	TypeAwait     ActivityType = "await"
)

// App is the top-level deployable unit: an appId, version, and one or more
// Graphs.
type App struct {
	AppID   string  `yaml:"appId" json:"appId"`
	Version string  `yaml:"version" json:"version"`
	Graphs  []Graph `yaml:"graphs" json:"graphs"`
}

// Graph is a root subscription topic plus a set of Activities and HookRules.
type Graph struct {
	Subscribes string     `yaml:"subscribes" json:"subscribes"`
	Activities []Activity `yaml:"activities" json:"activities"`
	Hooks      []HookRule `yaml:"hooks,omitempty" json:"hooks,omitempty"`
}

// RetryPolicy configures stream-router and proxy-activity retry behavior.
type RetryPolicy struct {
	MaximumAttempts   int     `yaml:"maximumAttempts,omitempty" json:"maximumAttempts,omitempty"`
	// MaximumInterval of zero is treated as unset (spec section 9, Open
	// Questions): callers must not gate retry-capping on its truthiness
	// alone, only on whether the field was present in source.
	MaximumInterval   string  `yaml:"maximumInterval,omitempty" json:"maximumInterval,omitempty"`
	BackoffCoefficient float64 `yaml:"backoffCoefficient,omitempty" json:"backoffCoefficient,omitempty"`
	hasMaximumInterval bool
}

// HasMaximumInterval reports whether MaximumInterval was present in the
// original source, independent of whether its parsed value is zero.
func (p RetryPolicy) HasMaximumInterval() bool { return p.hasMaximumInterval }

// Transition is one outgoing edge from an Activity, optionally guarded.
type Transition struct {
	To    string `yaml:"to" json:"to"`
	Guard *Guard `yaml:"guard,omitempty" json:"guard,omitempty"`
}

// GuardOp is the boolean combinator a Guard node applies to its children,
// or "match" for a leaf comparison.
type GuardOp string

const (
	GuardAnd   GuardOp = "and"
	GuardOr    GuardOp = "or"
	GuardMatch GuardOp = "match"
)

// Guard is a condition tree evaluated via the Pipe expression language
// against job context. Leaves (Op == GuardMatch) compare Left (a path or
// expression) against Right using Operator ("eq", "gt", "lt", ...).
type Guard struct {
	Op       GuardOp  `yaml:"op" json:"op"`
	Children []*Guard `yaml:"children,omitempty" json:"children,omitempty"`
	Left     string   `yaml:"left,omitempty" json:"left,omitempty"`
	Operator string   `yaml:"operator,omitempty" json:"operator,omitempty"`
	Right    string   `yaml:"right,omitempty" json:"right,omitempty"`
}

// HookConfig configures an activity's sleep/web-hook/pass-through mode.
// Which sub-mode applies is a runtime decision (spec section 4.4), not a
// static tag: Sleep set selects time-hook, Topic set selects web-hook,
// neither set selects pass-through.
type HookConfig struct {
	Sleep string `yaml:"sleep,omitempty" json:"sleep,omitempty"`
	Topic string `yaml:"topic,omitempty" json:"topic,omitempty"`
	Match *Guard `yaml:"match,omitempty" json:"match,omitempty"`
}

// Activity is one node in a Graph.
type Activity struct {
	AID         string         `yaml:"aid" json:"aid"`
	Type        ActivityType   `yaml:"type" json:"type"`
	Parent      string         `yaml:"parent,omitempty" json:"parent,omitempty"`
	Input       mapper.RuleSet `yaml:"input,omitempty" json:"input,omitempty"`
	Output      mapper.RuleSet `yaml:"output,omitempty" json:"output,omitempty"`
	Job         mapper.RuleSet `yaml:"job,omitempty" json:"job,omitempty"`
	Hook        *HookConfig    `yaml:"hook,omitempty" json:"hook,omitempty"`
	Retry       *RetryPolicy   `yaml:"retry,omitempty" json:"retry,omitempty"`
	Transitions []Transition   `yaml:"transitions,omitempty" json:"transitions,omitempty"`
	Worker      string         `yaml:"worker,omitempty" json:"worker,omitempty"`
	Target      string         `yaml:"target,omitempty" json:"target,omitempty"`
	Descend     bool           `yaml:"descend,omitempty" json:"descend,omitempty"`
	Await       *bool          `yaml:"await,omitempty" json:"await,omitempty"`
	Scrub       bool           `yaml:"scrub,omitempty" json:"scrub,omitempty"`
	// ExpireSeconds overrides the configured default job TTL for an
	// interrupt-type activity when set; *0 schedules immediate deletion
	// instead of the usual post-completion grace period.
	ExpireSeconds *int `yaml:"expire,omitempty" json:"expire,omitempty"`
}

// HookRule binds an external topic to a target activity, matched via Pipe.
type HookRule struct {
	Topic  string `yaml:"topic" json:"topic"`
	Target string `yaml:"target" json:"target"`
	Match  *Guard `yaml:"match,omitempty" json:"match,omitempty"`
}
