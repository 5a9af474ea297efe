package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/stream"
)

// dispatchOnce gates a dispatch-time side effect (starting a child, firing a
// proxy call, registering a sleep or wait) behind the collator's GUID
// ledger, keyed by a step name distinct from any activity leg or workflow
// effect index, so a re-delivered or re-entered Driver.Run never repeats the
// side effect itself (spec section 9, Open Questions: "idempotent dispatch
// of a still-pending composite interruption").
func (o *Orchestrator) dispatchOnce(ctx context.Context, jid, aid, dad, step string, fn func() error) error {
	dup, err := o.collator.CommitLeg(ctx, jid, aid, dad, step)
	if err != nil {
		return fmt.Errorf("orchestrator: dispatch guard: %w", err)
	}
	if dup {
		return nil
	}
	return fn()
}

// NotifyCompletion implements activity.CompletionNotifier. Every completing
// job passes through here, graph-level or workflow-level alike; this method
// additionally checks the completing job's own "-wfAwaitParent" field
// (distinct from the legacy "-awaitParent" field internal/activity/await.go
// owns) to resume a workflow frame that ExecChild'd this job, then notifies
// local and cluster pub/sub waiters.
func (o *Orchestrator) NotifyCompletion(ctx context.Context, appID, jid string, output map[string]any) error {
	vals, err := o.store.HGetMany(ctx, o.keys.JobKey(jid), []string{wfAwaitField})
	if err != nil {
		return fmt.Errorf("orchestrator: notify completion: load await field: %w", err)
	}
	if raw, ok := vals[wfAwaitField]; ok && raw != "" {
		if parentJID, parentAID, parentDAD, index, ok := decodeWFAwait(raw); ok {
			if err := o.resumeWorkflowIndex(ctx, parentJID, parentAID, parentDAD, index, output, 0, ""); err != nil {
				o.logger.Error(ctx, "orchestrator: resume await parent failed", "jid", jid, "parent", parentJID, "err", err.Error())
			}
		}
	}
	o.resolveWaiters(jid, output)
	if o.quorum != nil {
		body, err := json.Marshal(output)
		if err == nil {
			if err := o.quorum.BroadcastJob(ctx, jid, body); err != nil {
				o.logger.Error(ctx, "orchestrator: broadcast job completion failed", "jid", jid, "err", err.Error())
			}
		}
	}
	return nil
}

// NotifyParentAwait implements activity.CompletionNotifier's legacy path:
// internal/activity/await.go's synchronous `await`-type activity recorded
// itself as parentJID/parentAID/parentDAD on the child's own hash
// ("-awaitParent"); this wakes that parent's leg 2 via the same type=await
// message delivery internal/activity/hook.go's wakeParkedHook expects.
func (o *Orchestrator) NotifyParentAwait(ctx context.Context, parentJID, parentAID, parentDAD, childJID string, output map[string]any) error {
	appID, err := o.jobAppID(ctx, parentJID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("orchestrator: notify parent await: marshal: %w", err)
	}
	msg := stream.Data{
		Metadata: stream.Metadata{GUID: uuid.NewString(), Topic: appID, JID: parentJID, AID: parentAID, DAD: parentDAD},
		Type:     stream.TypeAwait,
		Data:     payload,
		Status:   stream.StatusSuccess,
		Code:     errors.CodeSuccess,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("orchestrator: notify parent await: marshal message: %w", err)
	}
	_, err = o.store.StreamAppend(ctx, o.keys.StreamKey(appID), map[string]string{"payload": string(raw)})
	return err
}

// resolveWaiters delivers output to every channel PubSub registered for jid
// and clears the registration.
func (o *Orchestrator) resolveWaiters(jid string, output map[string]any) {
	o.mu.Lock()
	chans := o.waiters[jid]
	delete(o.waiters, jid)
	o.mu.Unlock()
	for _, ch := range chans {
		ch <- output
		close(ch)
	}
}

// registerWaiter adds a channel that resolveWaiters will deliver jid's
// output to exactly once.
func (o *Orchestrator) registerWaiter(jid string) chan map[string]any {
	ch := make(chan map[string]any, 1)
	o.mu.Lock()
	o.waiters[jid] = append(o.waiters[jid], ch)
	o.mu.Unlock()
	return ch
}
