// Package workflow implements the Reentrant Workflow Runtime (spec section
// 4.6): user functions are ordinary synchronous Go functions that suspend
// by calling a Context method (SleepFor, WaitFor, ExecChild, a proxied
// activity Call, or All of several) and resume, deterministically, on a
// later invocation once the replay table has been extended with that
// suspension's result.
//
// Go has neither coroutines nor an async/await the runtime can suspend
// mid-expression, so a suspension is modeled the way spec section 9
// prescribes for exactly this situation: each call is tagged by a
// monotonically increasing execution index; if the replay table already
// holds a value for that index the call returns it immediately, otherwise
// it registers an interruption descriptor and unwinds the current frame via
// panic/recover — a single point, in Driver.invoke, ever observes this as
// control flow rather than a normal error.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hotmeshio/hotmesh-go/internal/collator"
	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store"
	"github.com/hotmeshio/hotmesh-go/internal/telemetry"
)

// ReplayEntry is one execution index's stored outcome: either a JSON value
// or an error recorded at the index that produced it.
type ReplayEntry struct {
	Value      json.RawMessage `json:"value,omitempty"`
	ErrCode    int             `json:"errCode,omitempty"`
	ErrMessage string          `json:"errMessage,omitempty"`
}

func (e ReplayEntry) decodeError() error {
	if e.ErrCode == 0 && e.ErrMessage == "" {
		return nil
	}
	return errors.New(errors.KindWorkflowUserError, e.ErrCode, e.ErrMessage)
}

// ReplayTable maps execution index to its previously-committed outcome,
// scoped to one (jid, aid, dad) workflow frame.
type ReplayTable struct {
	entries map[int]ReplayEntry
}

// Get returns the stored entry for index, if any.
func (t *ReplayTable) Get(index int) (ReplayEntry, bool) {
	if t == nil {
		return ReplayEntry{}, false
	}
	e, ok := t.entries[index]
	return e, ok
}

func replayPrefix(aid, dad string) string {
	return fmt.Sprintf("-wf/%s/%s/", aid, dad)
}

func replayField(aid, dad string, index int) string {
	return fmt.Sprintf("%s%d", replayPrefix(aid, dad), index)
}

// loadReplayTable extracts every replay entry for (aid, dad) out of a job
// hash's raw field map.
func loadReplayTable(raw map[string]string, aid, dad string) *ReplayTable {
	prefix := replayPrefix(aid, dad)
	entries := make(map[int]ReplayEntry)
	for k, v := range raw {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		var entry ReplayEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			continue
		}
		entries[idx] = entry
	}
	return &ReplayTable{entries: entries}
}

// WorkflowFunc is a durable workflow function: ordinary Go code that may
// suspend by calling methods on c. It must be deterministic apart from
// calls routed through c (Random, the proxy/child/sleep/wait suspensions,
// and the at-most-once effects) — the same rule user code follows under
// any replay-based durable-execution runtime.
type WorkflowFunc func(c *Context, input map[string]any) (map[string]any, error)

// Dispatcher performs the actual side effect behind a newly-registered
// interruption: starting a child job, dispatching a proxied activity call,
// registering a time-hook, or registering a signal wait. Implemented by the
// orchestrator, which alone knows how to reach the activity engine and
// Task Service; kept as an interface here so internal/workflow has no
// dependency on internal/orchestrator (which depends on internal/workflow).
type Dispatcher interface {
	DispatchSleep(ctx context.Context, jid, gid, aid, dad string, index int, d SleepDescriptor) error
	DispatchWait(ctx context.Context, jid, aid, dad string, index int, d WaitDescriptor) error
	DispatchChild(ctx context.Context, appID, jid, aid, dad string, index int, d ChildDescriptor) error
	DispatchProxy(ctx context.Context, appID, jid, aid, dad string, index int, d ProxyDescriptor) error
	DispatchAll(ctx context.Context, appID, jid, aid, dad string, interruptions []Interruption) error
}

// Driver runs one frame of a workflow function: load its replay table,
// execute it, and either return its terminal result or dispatch whatever
// new interruption(s) the frame produced.
type Driver struct {
	Store      store.Provider
	Keys       *keys.Builder
	Collator   *collator.Collator
	Dispatcher Dispatcher
	Effects    Effects
	HotMesh    HotMesh
	Logger     telemetry.Logger
}

// NewDriver constructs a Driver. logger may be nil, defaulting to a noop.
func NewDriver(provider store.Provider, keyBuilder *keys.Builder, col *collator.Collator, dispatcher Dispatcher, effects Effects, hotmesh HotMesh, logger telemetry.Logger) *Driver {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Driver{Store: provider, Keys: keyBuilder, Collator: col, Dispatcher: dispatcher, Effects: effects, HotMesh: hotmesh, Logger: logger}
}

// Run loads the replay table for (jid, aid, dad), executes fn once, and
// either returns its terminal output or dispatches the interruption(s) the
// frame produced (suspended=true, no output yet). jobData is a read-only
// snapshot the frame's Search() may consult.
func (d *Driver) Run(ctx context.Context, appID, jid, gid, aid, dad string, fn WorkflowFunc, input, jobData map[string]any) (output map[string]any, suspended bool, err error) {
	raw, err := d.Store.HGetAll(ctx, d.Keys.JobKey(jid))
	if err != nil {
		return nil, false, fmt.Errorf("workflow: load replay table: %w", err)
	}
	c := &Context{
		goCtx: ctx, appID: appID, jid: jid, gid: gid, aid: aid, dad: dad,
		replay: loadReplayTable(raw, aid, dad), jobData: jobData,
		effects: d.Effects, hotmesh: d.HotMesh, ledger: d,
	}
	out, err := d.invoke(c, fn, input)
	if c.suspended {
		if derr := d.dispatchPending(ctx, c); derr != nil {
			return nil, false, derr
		}
		return nil, true, nil
	}
	return out, false, err
}

// invoke executes fn, recovering exactly one kind of panic: the
// interruptionSignal a suspended call throws. Any other panic is reported
// as a WorkflowUserError rather than propagated, since user code is
// expected to communicate failure via its returned error but may still
// panic (spec section 7, WorkflowUserError: "anything thrown from user
// code that is not an interruption").
func (d *Driver) invoke(c *Context, fn WorkflowFunc, input map[string]any) (out map[string]any, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(interruptionSignal); ok {
			c.suspended = true
			err = nil
			return
		}
		if e, ok := r.(error); ok {
			err = errors.Wrap(errors.KindWorkflowUserError, errors.CodeUnknown, "workflow: user code panic", e)
			return
		}
		err = errors.New(errors.KindWorkflowUserError, errors.CodeUnknown, fmt.Sprintf("workflow: user code panic: %v", r))
	}()
	return fn(c, input)
}

// dispatchPending turns the interruption(s) a suspended frame registered
// into the one or composite transition spec section 4.6 describes.
func (d *Driver) dispatchPending(ctx context.Context, c *Context) error {
	if len(c.pending) == 0 {
		return nil
	}
	if len(c.pending) == 1 {
		return d.dispatchOne(ctx, c.appID, c.jid, c.gid, c.aid, c.dad, c.pending[0])
	}
	if len(c.pending) > maxAllBranches {
		d.Logger.Warn(ctx, "workflow: all() exceeds branch bound, truncating extra branches", "jid", c.jid, "aid", c.aid, "count", len(c.pending), "bound", maxAllBranches)
		c.pending = c.pending[:maxAllBranches]
	}
	return d.Dispatcher.DispatchAll(ctx, c.appID, c.jid, c.aid, c.dad, c.pending)
}

func (d *Driver) dispatchOne(ctx context.Context, appID, jid, gid, aid, dad string, it Interruption) error {
	switch it.Kind {
	case KindSleep:
		return d.Dispatcher.DispatchSleep(ctx, jid, gid, aid, dad, it.Index, *it.Sleep)
	case KindWait:
		return d.Dispatcher.DispatchWait(ctx, jid, aid, dad, it.Index, *it.Wait)
	case KindChild:
		return d.Dispatcher.DispatchChild(ctx, appID, jid, aid, dad, it.Index, *it.Child)
	case KindProxy:
		return d.Dispatcher.DispatchProxy(ctx, appID, jid, aid, dad, it.Index, *it.Proxy)
	default:
		return fmt.Errorf("workflow: unknown interruption kind %q", it.Kind)
	}
}

// ResolveIndex persists the outcome of a previously-dispatched interruption
// at execIndex, so the next Run() replays through it instead of
// re-registering it — the generic "leg 2" for every suspension kind,
// analogous to internal/activity's per-activity wake but keyed by
// execution index rather than activity id. The orchestrator calls this
// when a sleep fires, a signal arrives, a child completes, or a proxied
// activity responds.
func (d *Driver) ResolveIndex(ctx context.Context, jid, aid, dad string, index int, value any, errCode int, errMsg string) error {
	entry := ReplayEntry{ErrCode: errCode, ErrMessage: errMsg}
	if errCode == 0 {
		body, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("workflow: resolve index: marshal: %w", err)
		}
		entry.Value = body
	}
	return d.saveReplayValue(ctx, jid, aid, dad, index, entry)
}

// commitOnce implements the ledger interface Context.runEffect consults:
// first-writer-wins across concurrent/duplicate deliveries of the same
// effect call, reusing the collator's GUID-ledger mechanism (spec section
// 4.6: "each acquire a per-index GUID via hincrByFloat(field, +1)").
func (d *Driver) commitOnce(ctx context.Context, jid, aid, dad string, index int) (bool, error) {
	return d.Collator.CommitLeg(ctx, jid, aid, dad, fmt.Sprintf("eff%d", index))
}

func (d *Driver) saveReplayValue(ctx context.Context, jid, aid, dad string, index int, entry ReplayEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("workflow: save replay value: marshal: %w", err)
	}
	return d.Store.HSetMany(ctx, d.Keys.JobKey(jid), map[string]string{replayField(aid, dad, index): string(body)})
}
