package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hotmeshio/hotmesh-go/internal/graph"
)

// ChildOptions configures execChild/startChild.
type ChildOptions struct {
	WorkflowID    string
	Topic         string
	Args          map[string]any
	Retry         *graph.RetryPolicy
	ExpireSeconds int
}

// ProxyConfig configures a proxyActivities<A>(cfg) handle.
type ProxyConfig struct {
	Retry *graph.RetryPolicy
}

// HookOptions configures a workflow-side hook(opts) registration.
type HookOptions struct {
	Topic string
	Data  map[string]any
}

// InterruptOptions configures a workflow-side interrupt(jid, opts) call.
type InterruptOptions struct {
	Throw         bool
	Descend       bool
	ExpireSeconds int
}

// Effects performs the at-most-once side effects a workflow function may
// request (spec section 4.6): the runtime gates each call so only the
// first caller across all replays and redeliveries actually executes it;
// Effects only ever sees that first call.
type Effects interface {
	Signal(ctx context.Context, id string, data map[string]any) error
	Hook(ctx context.Context, opts HookOptions) error
	Emit(ctx context.Context, events []map[string]any) error
	Trace(ctx context.Context, attrs map[string]any) error
	Enrich(ctx context.Context, fields map[string]any) error
	Interrupt(ctx context.Context, jid string, opts InterruptOptions) error
}

// HotMesh is the slice of the top-level engine facade a workflow function
// may reach for via getHotMesh() — e.g. to start unrelated jobs or read
// another job's state. It is a narrow view onto the orchestrator, not the
// orchestrator itself, to keep internal/workflow free of an import cycle.
type HotMesh interface {
	Pub(ctx context.Context, topic string, payload map[string]any) (jid string, err error)
	GetState(ctx context.Context, topic, jid string) (map[string]any, error)
}

// ledger persists the at-most-once-effect and suspension results a Context
// records during a frame, and arbitrates first-writer-wins across
// concurrent/duplicate deliveries of the same frame. Implemented by
// *Driver.
type ledger interface {
	commitOnce(ctx context.Context, jid, aid, dad string, index int) (alreadyCommitted bool, err error)
	saveReplayValue(ctx context.Context, jid, aid, dad string, index int, entry ReplayEntry) error
}

// Context is the per-invocation handle passed to a WorkflowFunc, carrying
// the execution-index counter, the loaded replay table, and the
// accumulating interruption registry for this frame (spec section 4.6).
// A Context is valid for exactly one Driver.Run call; it is reconstructed
// fresh, with the replay table extended by whatever new result resolved
// the prior suspension, on every re-invocation of the function.
type Context struct {
	goCtx context.Context

	appID, jid, gid, aid, dad string

	replay    *ReplayTable
	execIndex int
	pending   []Interruption
	suspended bool

	jobData map[string]any

	effects Effects
	hotmesh HotMesh
	ledger  ledger
}

// Awaitable is a suspension that has been registered (or found already
// resolved in the replay table) but not yet forced. Constructing one never
// panics; forcing it via All (or a synchronous wrapper like WaitFor) does,
// if unresolved. This indirection is what lets All() batch several
// suspensions from one frame pass into a single composite interruption
// (spec section 4.6: "If multiple (Promise.all-style batch), a composite
// all transition is emitted with the full set") despite Go having no
// native coroutine to suspend a synchronous call mid-evaluation.
type Awaitable struct {
	index    int
	resolved bool
	value    json.RawMessage
	err      error
}

func (a *Awaitable) await() (json.RawMessage, error) {
	if !a.resolved {
		panic(interruptionSignal{})
	}
	return a.value, a.err
}

// suspend is the shared core of every suspension primitive: mint the next
// execution index, return its already-replayed result if present, else
// register a new interruption and hand back an unresolved Awaitable.
func (c *Context) suspend(kind DescriptorKind, build func() Interruption) *Awaitable {
	idx := c.execIndex
	c.execIndex++
	if entry, ok := c.replay.Get(idx); ok {
		return &Awaitable{index: idx, resolved: true, value: entry.Value, err: entry.decodeError()}
	}
	it := build()
	it.Index = idx
	it.Kind = kind
	c.pending = append(c.pending, it)
	return &Awaitable{index: idx}
}

// SleepFor suspends the workflow for duration (a Go duration string, e.g.
// "90s"), resuming no earlier than the Task Service fires the
// corresponding time-hook.
func (c *Context) SleepFor(duration string) {
	aw := c.suspend(KindSleep, func() Interruption { return Interruption{Sleep: &SleepDescriptor{Duration: duration}} })
	_, _ = aw.await()
}

// SleepForAsync registers the same suspension as SleepFor without forcing
// it, for use inside All().
func (c *Context) SleepForAsync(duration string) *Awaitable {
	return c.suspend(KindSleep, func() Interruption { return Interruption{Sleep: &SleepDescriptor{Duration: duration}} })
}

// WaitFor suspends until an external signal with id is delivered, returning
// its payload.
func (c *Context) WaitFor(signalID string) (map[string]any, error) {
	aw := c.suspend(KindWait, func() Interruption { return Interruption{Wait: &WaitDescriptor{SignalID: signalID}} })
	raw, err := aw.await()
	if err != nil {
		return nil, err
	}
	return decodeMap(raw)
}

// WaitForAsync registers the same suspension as WaitFor without forcing
// it, for use inside All().
func (c *Context) WaitForAsync(signalID string) *Awaitable {
	return c.suspend(KindWait, func() Interruption { return Interruption{Wait: &WaitDescriptor{SignalID: signalID}} })
}

// ExecChild starts a child job and suspends until it completes, returning
// its output.
func (c *Context) ExecChild(opts ChildOptions) (map[string]any, error) {
	aw := c.childAwaitable(opts, true)
	raw, err := aw.await()
	if err != nil {
		return nil, err
	}
	return decodeMap(raw)
}

// ExecChildAsync registers the same suspension as ExecChild without
// forcing it, for use inside All().
func (c *Context) ExecChildAsync(opts ChildOptions) *Awaitable {
	return c.childAwaitable(opts, true)
}

// StartChild starts a child job without waiting for its completion and
// returns its minted jid once the start has been durably recorded.
func (c *Context) StartChild(opts ChildOptions) (string, error) {
	aw := c.childAwaitable(opts, false)
	raw, err := aw.await()
	if err != nil {
		return "", err
	}
	var jid string
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &jid)
	}
	return jid, nil
}

func (c *Context) childAwaitable(opts ChildOptions, await bool) *Awaitable {
	return c.suspend(KindChild, func() Interruption {
		return Interruption{Child: &ChildDescriptor{
			WorkflowID: opts.WorkflowID, Topic: opts.Topic, Args: opts.Args,
			Await: await, Retry: opts.Retry, ExpireSeconds: opts.ExpireSeconds,
		}}
	})
}

// ActivityProxy is the handle returned by ProxyActivities; each Call
// suspends until the proxied activity's worker response arrives.
type ActivityProxy struct {
	c     *Context
	retry *graph.RetryPolicy
}

// ProxyActivities returns a handle whose Call/CallAsync methods dispatch a
// named activity with cfg's retry policy.
func (c *Context) ProxyActivities(cfg ProxyConfig) *ActivityProxy {
	return &ActivityProxy{c: c, retry: cfg.Retry}
}

// Call invokes activityName with args and suspends until its result
// arrives.
func (p *ActivityProxy) Call(activityName string, args map[string]any) (map[string]any, error) {
	aw := p.CallAsync(activityName, args)
	raw, err := aw.await()
	if err != nil {
		return nil, err
	}
	return decodeMap(raw)
}

// CallAsync registers the same proxy call as Call without forcing it, for
// use inside All().
func (p *ActivityProxy) CallAsync(activityName string, args map[string]any) *Awaitable {
	return p.c.suspend(KindProxy, func() Interruption {
		return Interruption{Proxy: &ProxyDescriptor{ActivityName: activityName, Args: args, Retry: p.retry}}
	})
}

// All forces every awaitable together: if any is still unresolved, the
// whole set (plus anything else this frame registered before calling All)
// is dispatched as one composite interruption; the function is re-entered
// once every branch has resolved. Bounded to maxAllBranches awaitables.
func (c *Context) All(awaitables ...*Awaitable) ([]map[string]any, error) {
	if len(awaitables) > maxAllBranches {
		return nil, fmt.Errorf("workflow: all(): %d branches exceeds bound of %d", len(awaitables), maxAllBranches)
	}
	for _, aw := range awaitables {
		if !aw.resolved {
			panic(interruptionSignal{})
		}
	}
	out := make([]map[string]any, len(awaitables))
	for i, aw := range awaitables {
		if aw.err != nil {
			return nil, aw.err
		}
		m, err := decodeMap(aw.value)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// runEffect is the shared core of every at-most-once side effect: it
// shares the same execution-index sequence as suspensions but never
// panics — the effect either already ran (replay hit, or another
// concurrent delivery committed the ledger first) or runs synchronously
// right now, with its outcome committed before returning (spec section
// 4.6, "At-most-once side effects").
func (c *Context) runEffect(perform func() (any, error)) (any, error) {
	idx := c.execIndex
	c.execIndex++
	if entry, ok := c.replay.Get(idx); ok {
		var v any
		if len(entry.Value) > 0 {
			_ = json.Unmarshal(entry.Value, &v)
		}
		return v, entry.decodeError()
	}
	committed, err := c.ledger.commitOnce(c.goCtx, c.jid, c.aid, c.dad, idx)
	if err != nil {
		return nil, err
	}
	if committed {
		return nil, nil
	}
	val, perr := perform()
	entry := ReplayEntry{}
	if perr != nil {
		entry.ErrMessage = perr.Error()
		entry.ErrCode = 500
	} else {
		body, merr := json.Marshal(val)
		if merr != nil {
			return nil, merr
		}
		entry.Value = body
	}
	if serr := c.ledger.saveReplayValue(c.goCtx, c.jid, c.aid, c.dad, idx, entry); serr != nil {
		return nil, serr
	}
	return val, perr
}

// Signal delivers data to every job paused on id, exactly once across
// replays.
func (c *Context) Signal(id string, data map[string]any) error {
	_, err := c.runEffect(func() (any, error) { return nil, c.effects.Signal(c.goCtx, id, data) })
	return err
}

// Hook registers opts as a web-hook from within the workflow, exactly once
// across replays.
func (c *Context) Hook(opts HookOptions) error {
	_, err := c.runEffect(func() (any, error) { return nil, c.effects.Hook(c.goCtx, opts) })
	return err
}

// Emit publishes events exactly once across replays.
func (c *Context) Emit(events []map[string]any) error {
	_, err := c.runEffect(func() (any, error) { return nil, c.effects.Emit(c.goCtx, events) })
	return err
}

// Trace records attrs against the current span exactly once across
// replays.
func (c *Context) Trace(attrs map[string]any) error {
	_, err := c.runEffect(func() (any, error) { return nil, c.effects.Trace(c.goCtx, attrs) })
	return err
}

// Enrich merges fields into the job's searchable index exactly once across
// replays.
func (c *Context) Enrich(fields map[string]any) error {
	_, err := c.runEffect(func() (any, error) { return nil, c.effects.Enrich(c.goCtx, fields) })
	return err
}

// Interrupt fires a best-effort interrupt against jid exactly once across
// replays.
func (c *Context) Interrupt(jid string, opts InterruptOptions) error {
	_, err := c.runEffect(func() (any, error) { return nil, c.effects.Interrupt(c.goCtx, jid, opts) })
	return err
}

// Once runs fn exactly once across replays, replaying its stored return
// value on every subsequent invocation.
func (c *Context) Once(fn func() (any, error)) (any, error) {
	return c.runEffect(fn)
}

// Random returns a value in [0,1) that is identical across every replay of
// this execution index (spec section 4.6, Determinism contracts). It
// consumes an execution index but is never persisted: it is already
// deterministic in terms of (jid, index) alone.
func (c *Context) Random() float64 {
	idx := c.execIndex
	c.execIndex++
	return deterministicRandom(c.jid, idx)
}

// SearchHandle exposes the job's data tree as of the start of this frame.
// Reads are frame-local and require no ledger entry: every replay of the
// same frame observes the same snapshot by construction.
type SearchHandle struct{ data map[string]any }

// Data returns the job's data tree as of the start of this frame.
func (s *SearchHandle) Data() map[string]any { return s.data }

// Search returns a handle onto this frame's job-data snapshot.
func (c *Context) Search() *SearchHandle { return &SearchHandle{data: c.jobData} }

// GetHotMesh returns the narrow engine facade a workflow function may use
// to reach outside its own job (e.g. starting an unrelated job).
func (c *Context) GetHotMesh() HotMesh { return c.hotmesh }

// GetContext returns this Context; provided for symmetry with the spec's
// workflow-extension surface (`getContext()`), which callers otherwise
// already hold as their first parameter.
func (c *Context) GetContext() *Context { return c }

// JID, GID, AID, and DAD report this frame's addressing, for workflow code
// that wants to log or tag emitted events with its own identity.
func (c *Context) JID() string { return c.jid }
func (c *Context) GID() string { return c.gid }
func (c *Context) AID() string { return c.aid }
func (c *Context) DAD() string { return c.dad }

func decodeMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("workflow: decode: %w", err)
	}
	return m, nil
}
