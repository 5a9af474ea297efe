package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hotmeshio/hotmesh-go/internal/config"
	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/store"
	"github.com/hotmeshio/hotmesh-go/internal/telemetry"
)

// Handler processes one dispatched message. Handlers are pure with respect
// to the router: they never ack, retry, or claim directly, only return a
// Response or an error.
type Handler interface {
	Handle(ctx context.Context, msg Data) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Data) (Response, error)

func (f HandlerFunc) Handle(ctx context.Context, msg Data) (Response, error) { return f(ctx, msg) }

// Options configures a Router.
type Options struct {
	Stream   string
	Group    string
	Consumer string
	Config   config.Config
	Logger   telemetry.Logger
	Tracer   telemetry.Tracer

	// MaxConcurrent bounds worker goroutines processing dispatched messages.
	MaxConcurrent int
	// ReadCount bounds messages pulled per ReadGroup call.
	ReadCount int64
}

// Router implements the stream-router loop contract from spec section 4.2:
// read, dispatch, retry, ack, reclaim, shutdown.
type Router struct {
	provider store.Provider
	handler  Handler
	opts     Options

	throttleMu sync.RWMutex
	throttle   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Router bound to one stream/group/consumer triple.
func New(provider store.Provider, handler Handler, opts Options) *Router {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = 10
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Router{provider: provider, handler: handler, opts: opts, done: make(chan struct{})}
}

// SetThrottle adjusts the delay inserted before each read, per a quorum
// `throttle` control message.
func (r *Router) SetThrottle(d time.Duration) {
	r.throttleMu.Lock()
	defer r.throttleMu.Unlock()
	r.throttle = d
}

func (r *Router) currentThrottle() time.Duration {
	r.throttleMu.RLock()
	defer r.throttleMu.RUnlock()
	return r.throttle
}

// Run drains the stream until ctx is canceled, then drains in-flight work
// and returns. Run is the router's shutdown-aware main loop: cooperative
// cancellation, no forced termination of a callback mid-flight.
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer close(r.done)

	if err := r.provider.EnsureGroup(ctx, r.opts.Stream, r.opts.Group); err != nil {
		return fmt.Errorf("stream: ensure group: %w", err)
	}

	work := make(chan store.Entry, r.opts.MaxConcurrent*4)
	var wg sync.WaitGroup
	for i := 0; i < r.opts.MaxConcurrent; i++ {
		wg.Add(1)
		go r.worker(ctx, work, &wg)
	}

	go r.reclaimLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return nil
		default:
		}

		if t := r.currentThrottle(); t > 0 {
			time.Sleep(t)
		}

		entries, err := r.provider.ReadGroup(ctx, r.opts.Stream, r.opts.Group, r.opts.Consumer, r.opts.ReadCount, r.opts.Config.BlockTime)
		if err != nil {
			if ctx.Err() != nil {
				close(work)
				wg.Wait()
				return nil
			}
			r.opts.Logger.Error(ctx, "stream: read group failed", "stream", r.opts.Stream, "err", err.Error())
			continue
		}
		for _, e := range entries {
			select {
			case work <- e:
			case <-ctx.Done():
				close(work)
				wg.Wait()
				return nil
			}
		}
	}
}

// Shutdown signals the router to stop reading new messages and drain.
func (r *Router) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Router) worker(ctx context.Context, work <-chan store.Entry, wg *sync.WaitGroup) {
	defer wg.Done()
	for e := range work {
		r.process(ctx, e)
	}
}

func (r *Router) process(ctx context.Context, e store.Entry) {
	ctx, span := r.opts.Tracer.Start(ctx, "stream.dispatch")
	defer span.End()

	var msg Data
	if raw, ok := e.Fields["payload"]; ok {
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			r.opts.Logger.Error(ctx, "stream: malformed payload", "id", e.ID, "err", err.Error())
			_ = r.provider.Ack(ctx, r.opts.Stream, r.opts.Group, e.ID)
			return
		}
	}

	resp, err := r.handler.Handle(ctx, msg)
	if err != nil {
		var engErr *errors.Error
		if asEngineError(err, &engErr) && engErr.Swallowed() {
			r.opts.Logger.Info(ctx, "stream: swallowed error", "id", e.ID, "kind", engErr.Kind.String())
			_ = r.provider.Ack(ctx, r.opts.Stream, r.opts.Group, e.ID)
			return
		}
		r.retryOrFail(ctx, e, msg, err)
		return
	}

	if r.shouldRetry(msg, resp) {
		r.retryOrFail(ctx, e, msg, fmt.Errorf("stream: retryable response code %d", resp.Code))
		return
	}

	_ = r.provider.Ack(ctx, r.opts.Stream, r.opts.Group, e.ID)
}

// shouldRetry consults the message's retry policy for its current response
// code.
func (r *Router) shouldRetry(msg Data, resp Response) bool {
	if msg.Policies == nil {
		return false
	}
	_, ok := msg.Policies.Retry[fmt.Sprint(resp.Code)]
	return ok
}

func (r *Router) retryOrFail(ctx context.Context, e store.Entry, msg Data, cause error) {
	try := msg.Metadata.Try + 1
	if try > r.opts.Config.MaxStreamRetries {
		r.appendTerminalError(ctx, msg, cause)
		_ = r.provider.Ack(ctx, r.opts.Stream, r.opts.Group, e.ID)
		return
	}
	backoff := r.opts.Config.InitialStreamBackoff
	for i := 1; i < try; i++ {
		backoff *= 2
		if backoff > r.opts.Config.MaxStreamBackoff {
			backoff = r.opts.Config.MaxStreamBackoff
			break
		}
	}
	time.AfterFunc(backoff, func() {
		msg.Metadata.Try = try
		payload, _ := json.Marshal(msg)
		_, _ = r.provider.StreamAppend(context.Background(), r.opts.Stream, map[string]string{"payload": string(payload)})
	})
	_ = r.provider.Ack(ctx, r.opts.Stream, r.opts.Group, e.ID)
}

// appendTerminalError routes an exhausted-retry message to the stream's
// dead-letter-like terminal error transition (spec section 5).
func (r *Router) appendTerminalError(ctx context.Context, msg Data, cause error) {
	msg.Status = StatusError
	msg.Code = errors.CodeUnknown
	msg.Stack = cause.Error()
	payload, _ := json.Marshal(msg)
	dlq := r.opts.Stream + ":dlq"
	if _, err := r.provider.StreamAppend(ctx, dlq, map[string]string{"payload": string(payload)}); err != nil {
		r.opts.Logger.Error(ctx, "stream: failed to append terminal error", "stream", dlq, "err", err.Error())
	}
}

// reclaimLoop periodically lists pending messages older than XClaimDelay
// and claims them onto this consumer, up to XClaimCount deliveries.
func (r *Router) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Config.XClaimDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reclaimOnce(ctx)
		}
	}
}

func (r *Router) reclaimOnce(ctx context.Context) {
	pending, err := r.provider.Pending(ctx, r.opts.Stream, r.opts.Group, r.opts.Config.XClaimDelay, int64(r.opts.Config.XPendingCount))
	if err != nil {
		r.opts.Logger.Error(ctx, "stream: pending failed", "err", err.Error())
		return
	}
	// hard cap of 3 reclaim attempts regardless of configured XClaimCount.
	ceiling := r.opts.Config.XClaimCount
	if ceiling > 3 {
		ceiling = 3
	}
	var ids []string
	for _, p := range pending {
		if p.DeliveryCount > int64(ceiling) {
			// reclaim ceiling reached: route to terminal error instead of reclaiming again.
			r.opts.Logger.Warn(ctx, "stream: reclaim ceiling reached", "id", p.ID)
			if dead, err := r.provider.Claim(ctx, r.opts.Stream, r.opts.Group, r.opts.Consumer, 0, p.ID); err == nil {
				for _, e := range dead {
					var msg Data
					_ = json.Unmarshal([]byte(e.Fields["payload"]), &msg)
					r.appendTerminalError(ctx, msg, fmt.Errorf("stream: reclaim ceiling %d reached", ceiling))
				}
			}
			_ = r.provider.Ack(ctx, r.opts.Stream, r.opts.Group, p.ID)
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return
	}
	entries, err := r.provider.Claim(ctx, r.opts.Stream, r.opts.Group, r.opts.Consumer, r.opts.Config.XClaimDelay, ids...)
	if err != nil {
		r.opts.Logger.Error(ctx, "stream: claim failed", "err", err.Error())
		return
	}
	for _, e := range entries {
		r.process(ctx, e)
	}
}

func asEngineError(err error, out **errors.Error) bool {
	e, ok := err.(*errors.Error)
	if ok {
		*out = e
	}
	return ok
}
