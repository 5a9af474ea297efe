package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/hotmeshio/hotmesh-go/internal/errors"
	"github.com/hotmeshio/hotmesh-go/internal/serializer"
	"github.com/hotmeshio/hotmesh-go/internal/stream"
)

// loadJobData duplicates the read half of internal/activity's unexported
// loadJob (same "_"-prefixed flat-hash convention); this package has no
// write counterpart. It is not reused directly because the Activity Engine
// keeps it private — this package and that one share no internals beyond
// the interfaces each defines for the other.
func (o *Orchestrator) loadJobData(ctx context.Context, jid string) (map[string]any, error) {
	raw, err := o.store.HGetAll(ctx, o.keys.JobKey(jid))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load job: %w", err)
	}
	flat := make(map[string]string)
	for k, v := range raw {
		if rest, ok := strings.CutPrefix(k, "_"); ok {
			flat[rest] = v
		}
	}
	data, err := serializer.RestoreHierarchy(flat)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: restore job data: %w", err)
	}
	return data, nil
}

// jobAppID reads the "_appId" field DispatchTimehook's convention (and
// triggerLeg1's initial write) stamps onto every job hash.
func (o *Orchestrator) jobAppID(ctx context.Context, jid string) (string, error) {
	vals, err := o.store.HGetMany(ctx, o.keys.JobKey(jid), []string{"_appId"})
	if err != nil {
		return "", fmt.Errorf("orchestrator: load job appId: %w", err)
	}
	appID := vals["_appId"]
	if appID == "" {
		return "", errors.InactiveJob(jid)
	}
	return appID, nil
}

// --- workflow invocation metadata --------------------------------------

// wfMeta is the invocation context a workflow frame needs to resume from a
// process that did not originally invoke it: the appId/topic/gid it was
// dispatched under and its original input, persisted once at first
// invocation under a (aid, dad)-keyed job-hash field (spec section 9, Open
// Questions: "resuming from a different process").
type wfMeta struct {
	AppID string         `json:"appId"`
	Topic string         `json:"topic"`
	GID   string         `json:"gid"`
	Input map[string]any `json:"input"`
}

func wfMetaField(aid, dad string) string {
	return fmt.Sprintf("-wfmeta/%s/%s", aid, dad)
}

func (o *Orchestrator) saveWFMeta(ctx context.Context, jid, aid, dad string, m wfMeta) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("orchestrator: save workflow meta: %w", err)
	}
	return o.store.HSetMany(ctx, o.keys.JobKey(jid), map[string]string{wfMetaField(aid, dad): string(body)})
}

func (o *Orchestrator) loadWFMeta(ctx context.Context, jid, aid, dad string) (wfMeta, bool, error) {
	field := wfMetaField(aid, dad)
	vals, err := o.store.HGetMany(ctx, o.keys.JobKey(jid), []string{field})
	if err != nil {
		return wfMeta{}, false, fmt.Errorf("orchestrator: load workflow meta: %w", err)
	}
	raw, ok := vals[field]
	if !ok || raw == "" {
		return wfMeta{}, false, nil
	}
	var m wfMeta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return wfMeta{}, false, fmt.Errorf("orchestrator: decode workflow meta: %w", err)
	}
	return m, true, nil
}

// --- workflow-vs-legacy await disambiguation ----------------------------

// wfAwaitField is a workflow-specific sibling of internal/activity's
// "-awaitParent" field: 4-part (parentJID::parentAID::parentDAD::index)
// rather than 3-part, recorded on the CHILD job a workflow's ExecChild
// awaits, so NotifyCompletion can resume the parent frame without internal/
// activity/await.go knowing workflows exist (spec section 9, Open
// Questions).
const wfAwaitField = "-wfAwaitParent"

func encodeWFAwait(parentJID, parentAID, parentDAD string, index int) string {
	return fmt.Sprintf("%s::%s::%s::%d", parentJID, parentAID, parentDAD, index)
}

func decodeWFAwait(raw string) (jid, aid, dad string, index int, ok bool) {
	parts := strings.Split(raw, "::")
	if len(parts) != 4 {
		return "", "", "", 0, false
	}
	idx, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", "", "", 0, false
	}
	return parts[0], parts[1], parts[2], idx, true
}

func (o *Orchestrator) setWFAwait(ctx context.Context, childJID, parentJID, parentAID, parentDAD string, index int) error {
	return o.store.HSetMany(ctx, o.keys.JobKey(childJID), map[string]string{
		wfAwaitField: encodeWFAwait(parentJID, parentAID, parentDAD, index),
	})
}

// --- composite (all()) pending-branch counter ---------------------------

func pendingField(aid, dad string) string {
	return fmt.Sprintf("-wfpending/%s/%s", aid, dad)
}

// setPending seeds the outstanding-branch counter for a (aid, dad) frame's
// most recently dispatched interruption(s): 1 for a single suspension, or
// the composite's branch count for all().
func (o *Orchestrator) setPending(ctx context.Context, jid, aid, dad string, n int64) error {
	return o.store.HSetMany(ctx, o.keys.JobKey(jid), map[string]string{pendingField(aid, dad): strconv.FormatInt(n, 10)})
}

// decrementPending atomically decrements the outstanding-branch counter and
// returns its new value; a workflow frame resumes only once this reaches
// zero.
func (o *Orchestrator) decrementPending(ctx context.Context, jid, aid, dad string) (int64, error) {
	n, err := o.store.HIncrByInt(ctx, o.keys.JobKey(jid), pendingField(aid, dad), -1)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: decrement pending: %w", err)
	}
	return n, nil
}

// --- trigger dispatch (shared by Pub and workflow child-start) ---------

// dispatchTrigger resolves topic's deployed trigger activity id(s) and
// appends one type=transition message per trigger, addressed with jid —
// the same path triggerLeg1 expects every root message to arrive on
// (internal/activity/trigger.go). Unlike internal/activity/await.go's
// startChild, this always resolves and sets Metadata.AID explicitly, since
// handleTransition requires one to look up the target Activity.
//
// Metadata.Topic is stamped with o.appID, matching the convention every
// other internally generated message uses (activity.go's fanOut,
// signal.go, hook.go) — appIDFromStream re-derives the appId from this
// field on every subsequent handler in the chain. The caller-supplied
// subscribe topic (which may differ from appID, e.g. "demo.greet" under
// app "hotmesh.demo") is carried separately in Metadata.Subscribes,
// consulted only by triggerLeg1's RootSuccessors fallback.
func (o *Orchestrator) dispatchTrigger(ctx context.Context, topic, jid string, payload map[string]any) error {
	version := o.graphs.ActiveVersion(o.appID)
	triggers, err := o.graphs.RootSuccessors(ctx, o.appID, version, topic)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve trigger: %w", err)
	}
	if len(triggers) == 0 {
		return fmt.Errorf("orchestrator: no trigger deployed for topic %q", topic)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal trigger payload: %w", err)
	}
	for _, aid := range triggers {
		msg := stream.Data{
			Metadata: stream.Metadata{GUID: uuid.NewString(), Topic: o.appID, Subscribes: topic, JID: jid, AID: aid},
			Type:     stream.TypeTransition,
			Data:     body,
			Status:   stream.StatusSuccess,
			Code:     errors.CodeSuccess,
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("orchestrator: marshal trigger message: %w", err)
		}
		if _, err := o.store.StreamAppend(ctx, o.keys.StreamKey(o.appID), map[string]string{"payload": string(raw)}); err != nil {
			return fmt.Errorf("orchestrator: append trigger message: %w", err)
		}
	}
	return nil
}
