package quorum

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"goa.design/pulse/rmap"

	"github.com/hotmeshio/hotmesh-go/internal/config"
)

// CacheMode selects how an engine treats its in-process graph/activity
// descriptor cache during a version rollover.
type CacheMode string

const (
	CacheModeNoCache CacheMode = "nocache"
	CacheModeCache    CacheMode = "cache"
)

// Activation coordinates a cluster-wide switch to a new deployed app
// version. One engine calls Activate; every engine (including the caller)
// observes the "activate" broadcast and, once it has reloaded the target
// version's descriptors, casts a vote into the replicated map. Activate
// blocks until every engine that rollcalled in has voted or the retry
// budget is exhausted (spec section 4.7: "all versions must concur before
// cutover completes").
type Activation struct {
	gossip *rmap.Map
	quorum *Quorum
	cfg    config.Config
}

// NewActivation constructs an Activation coordinator.
func NewActivation(gossip *rmap.Map, q *Quorum, cfg config.Config) *Activation {
	return &Activation{gossip: gossip, quorum: q, cfg: cfg}
}

func votesKey(appID, untilVersion string) string {
	return "activate:votes:" + appID + ":" + untilVersion
}

func rollcallKey(appID string) string {
	return "rollcall:" + appID
}

// Announce marks this engine present for appID's rollcall census, so a
// subsequent Activate knows how many votes to expect.
func (a *Activation) Announce(ctx context.Context, appID, engineID string) error {
	_, err := a.gossip.Set(ctx, rollcallKey(appID)+":"+engineID, strconv.FormatInt(time.Now().Unix(), 10))
	if err != nil {
		return fmt.Errorf("quorum: announce: %w", err)
	}
	return nil
}

// Census returns the engine IDs currently registered for appID's rollcall.
func (a *Activation) Census(appID string) []string {
	prefix := rollcallKey(appID) + ":"
	var out []string
	for _, k := range a.gossip.Keys() {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			out = append(out, id)
		}
	}
	return out
}

// Vote records this engine's concurrence with the (appID, untilVersion)
// cutover. Idempotent: re-voting is a no-op.
func (a *Activation) Vote(ctx context.Context, appID, untilVersion, engineID string) error {
	key := votesKey(appID, untilVersion) + ":" + engineID
	if _, err := a.gossip.SetIfNotExists(ctx, key, "1"); err != nil {
		return fmt.Errorf("quorum: vote: %w", err)
	}
	return nil
}

func (a *Activation) votes(appID, untilVersion string) int {
	prefix := votesKey(appID, untilVersion) + ":"
	n := 0
	for _, k := range a.gossip.Keys() {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

// Activate broadcasts a cutover to untilVersion under cacheMode and waits
// for every currently-censused engine to vote, polling every
// HMSH_QUORUM_DELAY_MS up to HMSH_ACTIVATION_MAX_RETRY times. It returns an
// error if the retry budget is exhausted before every engine concurs.
func (a *Activation) Activate(ctx context.Context, appID, untilVersion string, cacheMode CacheMode) error {
	expected := len(a.Census(appID))
	if expected == 0 {
		expected = 1
	}

	if err := a.quorum.Publish(ctx, Message{
		Kind:         KindActivate,
		AppID:        appID,
		CacheMode:    string(cacheMode),
		UntilVersion: untilVersion,
	}); err != nil {
		return err
	}

	delay := a.cfg.QuorumDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	maxRetry := a.cfg.ActivationMaxRetry
	if maxRetry <= 0 {
		maxRetry = 10
	}

	for attempt := 0; attempt < maxRetry; attempt++ {
		if a.votes(appID, untilVersion) >= expected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("quorum: activation of %s to %s did not reach quorum (%d/%d engines) after %d attempts",
		appID, untilVersion, a.votes(appID, untilVersion), expected, maxRetry)
}

// OnActivateMessage is called by a Handler implementation when it observes
// an "activate" broadcast for an app it serves, and casts this engine's
// vote. It does not touch descriptors; any cache invalidation is the
// Handler's own step before calling it.
func (a *Activation) OnActivateMessage(ctx context.Context, msg Message, engineID string) error {
	if msg.Kind != KindActivate {
		return nil
	}
	return a.Vote(ctx, msg.AppID, msg.UntilVersion, engineID)
}
