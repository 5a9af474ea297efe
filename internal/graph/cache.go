package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hotmeshio/hotmesh-go/internal/keys"
	"github.com/hotmeshio/hotmesh-go/internal/store"
)

// descriptorEntry is one cached (appId, version) App, with the TTL bookkeeping
// needed to decide when a background refresh from the backend store is due.
type descriptorEntry struct {
	app       *App
	expiresAt time.Time
	ttl       time.Duration
}

// DescriptorCache is the engine's GraphSource: an in-memory, TTL-refreshed
// view onto deployed App descriptors persisted in the backend store, so
// every engine in the mesh can deploy/activate independently of the others
// and still converge on the same active version without a restart. The
// shape — map + mutex, approach-expiry background refresh via a bounded
// channel, cooldown-debounced — is grounded on the teacher's toolset-schema
// cache (runtime/registry/cache.go), retargeted from tool schemas to
// activity-graph descriptors.
type DescriptorCache struct {
	provider store.Provider
	keys     *keys.Builder
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]*descriptorEntry
	active  map[string]string // appId -> active version

	refreshCh       chan string
	refreshCooldown time.Duration
	refreshCtx      context.Context
	refreshCancel   context.CancelFunc
	refreshWg       sync.WaitGroup
}

// NewDescriptorCache constructs a DescriptorCache backed by provider. With a
// ttl of zero, cached entries never expire and are never refreshed in the
// background; Invalidate is then the only way to drop one.
func NewDescriptorCache(provider store.Provider, keyBuilder *keys.Builder, ttl time.Duration) *DescriptorCache {
	return &DescriptorCache{
		provider:        provider,
		keys:            keyBuilder,
		ttl:             ttl,
		entries:         make(map[string]*descriptorEntry),
		active:          make(map[string]string),
		refreshCh:       make(chan string, 100),
		refreshCooldown: 10 * time.Second,
	}
}

// StartRefresh begins the background approach-expiry refresh loop.
func (c *DescriptorCache) StartRefresh(ctx context.Context) {
	c.refreshCtx, c.refreshCancel = context.WithCancel(ctx)
	c.refreshWg.Add(1)
	go c.refreshLoop()
}

// StopRefresh halts the background refresh loop.
func (c *DescriptorCache) StopRefresh() {
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshWg.Wait()
		c.refreshCancel = nil
	}
}

func cacheKey(appID, version string) string { return appID + "@" + version }

// Deploy validates app and persists it to the backend store, then seeds the
// local cache so the deploying engine observes it immediately without
// waiting on its own refresh cadence.
func (c *DescriptorCache) Deploy(ctx context.Context, app *App) error {
	if err := Validate(ctx, app); err != nil {
		return fmt.Errorf("graph: deploy: %w", err)
	}
	body, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("graph: deploy: marshal: %w", err)
	}
	key := c.keys.Key(keys.KindApp, app.AppID, app.Version)
	if err := c.provider.HSetMany(ctx, key, map[string]string{"descriptor": string(body)}); err != nil {
		return fmt.Errorf("graph: deploy: save: %w", err)
	}
	c.mu.Lock()
	c.entries[cacheKey(app.AppID, app.Version)] = &descriptorEntry{app: app, expiresAt: time.Now().Add(c.ttl), ttl: c.ttl}
	c.mu.Unlock()
	return nil
}

// Activate records version as appID's active version, both locally and in
// the backend store, so a late-joining engine's first read observes it.
// Callers drive this only after the cluster-wide vote in
// internal/quorum.Activation.Activate has succeeded.
func (c *DescriptorCache) Activate(ctx context.Context, appID, version string) error {
	key := c.keys.Key(keys.KindApp, appID, "active")
	if err := c.provider.HSetMany(ctx, key, map[string]string{"version": version}); err != nil {
		return fmt.Errorf("graph: activate: %w", err)
	}
	c.mu.Lock()
	c.active[appID] = version
	c.mu.Unlock()
	return nil
}

// ActiveVersion implements activity.GraphSource. It answers from the local
// cache; a cache miss (never deployed/activated on this engine, or evicted)
// reads through to the backend store and remembers the answer.
func (c *DescriptorCache) ActiveVersion(appID string) string {
	c.mu.RLock()
	v, ok := c.active[appID]
	c.mu.RUnlock()
	if ok {
		return v
	}
	ctx := context.Background()
	key := c.keys.Key(keys.KindApp, appID, "active")
	vals, err := c.provider.HGetMany(ctx, key, []string{"version"})
	if err != nil {
		return ""
	}
	v = vals["version"]
	if v != "" {
		c.mu.Lock()
		c.active[appID] = v
		c.mu.Unlock()
	}
	return v
}

// Invalidate drops a version's cached descriptor so the next read forces a
// backend fetch. Called when a quorum "activate" message carries
// cache_mode=nocache (spec section 4.7).
func (c *DescriptorCache) Invalidate(appID, version string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(appID, version))
	c.mu.Unlock()
}

// app returns the resolved App for (appID, version), reading through to the
// backend store on a cache miss or expired entry.
func (c *DescriptorCache) app(ctx context.Context, appID, version string) (*App, bool, error) {
	ck := cacheKey(appID, version)
	c.mu.RLock()
	entry, ok := c.entries[ck]
	c.mu.RUnlock()
	if ok && (entry.ttl == 0 || time.Now().Before(entry.expiresAt)) {
		if c.ttl > 0 && entry.ttl > 0 {
			c.maybeTriggerRefresh(ck, entry)
		}
		return entry.app, true, nil
	}

	key := c.keys.Key(keys.KindApp, appID, version)
	vals, err := c.provider.HGetMany(ctx, key, []string{"descriptor"})
	if err != nil {
		return nil, false, fmt.Errorf("graph: load descriptor: %w", err)
	}
	raw, ok := vals["descriptor"]
	if !ok || raw == "" {
		return nil, false, nil
	}
	var app App
	if err := json.Unmarshal([]byte(raw), &app); err != nil {
		return nil, false, fmt.Errorf("graph: load descriptor: decode: %w", err)
	}
	c.mu.Lock()
	c.entries[ck] = &descriptorEntry{app: &app, expiresAt: time.Now().Add(c.ttl), ttl: c.ttl}
	c.mu.Unlock()
	return &app, true, nil
}

func (c *DescriptorCache) maybeTriggerRefresh(key string, entry *descriptorEntry) {
	if c.refreshCtx == nil {
		return
	}
	threshold := entry.expiresAt.Add(-entry.ttl / 5)
	if time.Now().Before(threshold) {
		return
	}
	select {
	case c.refreshCh <- key:
	case <-c.refreshCtx.Done():
	default:
	}
}

func (c *DescriptorCache) refreshLoop() {
	defer c.refreshWg.Done()
	refreshed := make(map[string]time.Time)
	for {
		select {
		case <-c.refreshCtx.Done():
			return
		case ck := <-c.refreshCh:
			if last, ok := refreshed[ck]; ok && time.Since(last) < c.refreshCooldown {
				continue
			}
			appID, version := splitCacheKey(ck)
			if appID == "" {
				continue
			}
			key := c.keys.Key(keys.KindApp, appID, version)
			vals, err := c.provider.HGetMany(c.refreshCtx, key, []string{"descriptor"})
			if err != nil || vals["descriptor"] == "" {
				continue
			}
			var app App
			if err := json.Unmarshal([]byte(vals["descriptor"]), &app); err != nil {
				continue
			}
			c.mu.Lock()
			if e, ok := c.entries[ck]; ok {
				c.entries[ck] = &descriptorEntry{app: &app, expiresAt: time.Now().Add(e.ttl), ttl: e.ttl}
			}
			c.mu.Unlock()
			refreshed[ck] = time.Now()
		}
	}
}

func splitCacheKey(ck string) (appID, version string) {
	for i := len(ck) - 1; i >= 0; i-- {
		if ck[i] == '@' {
			return ck[:i], ck[i+1:]
		}
	}
	return "", ""
}

// --- activity.GraphSource -----------------------------------------------

// Activity implements activity.GraphSource.
func (c *DescriptorCache) Activity(ctx context.Context, appID, version, aid string) (*Activity, bool, error) {
	app, ok, err := c.app(ctx, appID, version)
	if err != nil || !ok {
		return nil, false, err
	}
	for _, g := range app.Graphs {
		for i := range g.Activities {
			if g.Activities[i].AID == aid {
				return &g.Activities[i], true, nil
			}
		}
	}
	return nil, false, nil
}

// Transitions implements activity.GraphSource.
func (c *DescriptorCache) Transitions(ctx context.Context, appID, version, aid string) ([]Transition, error) {
	act, ok, err := c.Activity(ctx, appID, version, aid)
	if err != nil || !ok {
		return nil, err
	}
	return act.Transitions, nil
}

// HookRule implements activity.GraphSource.
func (c *DescriptorCache) HookRule(ctx context.Context, appID, version, topic string) (*HookRule, bool, error) {
	app, ok, err := c.app(ctx, appID, version)
	if err != nil || !ok {
		return nil, false, err
	}
	for _, g := range app.Graphs {
		for i := range g.Hooks {
			if g.Hooks[i].Topic == topic {
				return &g.Hooks[i], true, nil
			}
		}
	}
	return nil, false, nil
}

// RootSuccessors implements activity.GraphSource: the trigger activities
// of the graph subscribed to subscribes, in declaration order.
func (c *DescriptorCache) RootSuccessors(ctx context.Context, appID, version, subscribes string) ([]string, error) {
	app, ok, err := c.app(ctx, appID, version)
	if err != nil || !ok {
		return nil, err
	}
	for _, g := range app.Graphs {
		if g.Subscribes != subscribes {
			continue
		}
		var out []string
		for _, a := range g.Activities {
			if a.Type == TypeTrigger {
				out = append(out, a.AID)
			}
		}
		return out, nil
	}
	return nil, nil
}
