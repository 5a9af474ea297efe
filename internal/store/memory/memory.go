// Package memory provides an in-memory store.Provider implementation,
// grounded on the same "map + mutex, safe for concurrent use" shape as the
// teacher's in-memory registry store. Suitable for unit tests and
// single-process development; no persistence across restarts.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hotmeshio/hotmesh-go/internal/store"
)

type streamEntry struct {
	id     string
	fields map[string]string
}

type pendingEntry struct {
	consumer      string
	deliveredAt   time.Time
	deliveryCount int64
}

type streamState struct {
	mu       sync.Mutex
	entries  []streamEntry
	groups   map[string]*groupState
	seq      int64
}

type groupState struct {
	lastDelivered int
	pending       map[string]*pendingEntry
}

// Provider is an in-memory store.Provider. Safe for concurrent use.
type Provider struct {
	mu      sync.RWMutex
	hashes  map[string]map[string]string
	expires map[string]time.Time
	zsets   map[string]map[string]float64
	streams map[string]*streamState

	subMu sync.Mutex
	subs  map[string][]*memSubscription
}

var _ store.Provider = (*Provider)(nil)

// New constructs an empty in-memory provider.
func New() *Provider {
	return &Provider{
		hashes:  make(map[string]map[string]string),
		expires: make(map[string]time.Time),
		zsets:   make(map[string]map[string]float64),
		streams: make(map[string]*streamState),
		subs:    make(map[string][]*memSubscription),
	}
}

func (p *Provider) hash(key string, create bool) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hashes[key]
	if !ok && create {
		h = make(map[string]string)
		p.hashes[key] = h
	}
	return h
}

func (p *Provider) HGetMany(_ context.Context, key string, fields []string) (map[string]string, error) {
	h := p.hash(key, false)
	out := make(map[string]string, len(fields))
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, f := range fields {
		if v, ok := h[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func (p *Provider) HSetMany(_ context.Context, key string, fields map[string]string) error {
	h := p.hash(key, true)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (p *Provider) HIncrByInt(_ context.Context, key, field string, delta int64) (int64, error) {
	h := p.hash(key, true)
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (p *Provider) HIncrByFloat(_ context.Context, key, field string, delta float64) (float64, error) {
	h := p.hash(key, true)
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, _ := strconv.ParseFloat(h[field], 64)
	cur += delta
	h[field] = strconv.FormatFloat(cur, 'g', -1, 64)
	return cur, nil
}

func (p *Provider) HDelFields(_ context.Context, key string, fields []string) error {
	h := p.hash(key, false)
	if h == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (p *Provider) HGetAll(_ context.Context, key string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.hashes[key]
	if !ok || len(h) == 0 {
		return nil, store.ErrNotFound
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.hashes, key)
	delete(p.expires, key)
	return nil
}

func (p *Provider) Expire(_ context.Context, key string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expires[key] = time.Now().Add(ttl)
	return nil
}

func (p *Provider) ZAdd(_ context.Context, key string, score float64, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	z, ok := p.zsets[key]
	if !ok {
		z = make(map[string]float64)
		p.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (p *Provider) ZPopBelow(_ context.Context, key string, score float64, limit int64) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	z, ok := p.zsets[key]
	if !ok {
		return nil, nil
	}
	type ms struct {
		member string
		score  float64
	}
	var matched []ms
	for m, s := range z {
		if s <= score {
			matched = append(matched, ms{m, s})
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].score < matched[j].score })
	if limit > 0 && int64(len(matched)) > limit {
		matched = matched[:limit]
	}
	out := make([]string, 0, len(matched))
	for _, m := range matched {
		delete(z, m.member)
		out = append(out, m.member)
	}
	return out, nil
}

func (p *Provider) streamOf(stream string, create bool) *streamState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[stream]
	if !ok && create {
		s = &streamState{groups: make(map[string]*groupState)}
		p.streams[stream] = s
	}
	return s
}

func (p *Provider) StreamAppend(_ context.Context, stream string, fields map[string]string) (string, error) {
	s := p.streamOf(stream, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := strconv.FormatInt(s.seq, 10) + "-0"
	s.entries = append(s.entries, streamEntry{id: id, fields: fields})
	return id, nil
}

func (p *Provider) EnsureGroup(_ context.Context, stream, group string) error {
	s := p.streamOf(stream, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &groupState{pending: make(map[string]*pendingEntry)}
	}
	return nil
}

func (p *Provider) ReadGroup(_ context.Context, stream, group, consumer string, count int64, _ time.Duration) ([]store.Entry, error) {
	s := p.streamOf(stream, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		g = &groupState{pending: make(map[string]*pendingEntry)}
		s.groups[group] = g
	}
	var out []store.Entry
	for g.lastDelivered < len(s.entries) && (count <= 0 || int64(len(out)) < count) {
		e := s.entries[g.lastDelivered]
		g.lastDelivered++
		g.pending[e.id] = &pendingEntry{consumer: consumer, deliveredAt: time.Now(), deliveryCount: 1}
		out = append(out, store.Entry{ID: e.id, Fields: e.fields})
	}
	return out, nil
}

func (p *Provider) Ack(_ context.Context, stream, group string, ids ...string) error {
	s := p.streamOf(stream, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (p *Provider) Pending(_ context.Context, stream, group string, idle time.Duration, count int64) ([]store.Pending, error) {
	s := p.streamOf(stream, false)
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	var out []store.Pending
	for id, pe := range g.pending {
		age := time.Since(pe.deliveredAt)
		if age < idle {
			continue
		}
		out = append(out, store.Pending{ID: id, Consumer: pe.consumer, IdleTime: age, DeliveryCount: pe.deliveryCount})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Provider) Claim(_ context.Context, stream, group, consumer string, idle time.Duration, ids ...string) ([]store.Entry, error) {
	s := p.streamOf(stream, false)
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	byID := make(map[string]streamEntry, len(s.entries))
	for _, e := range s.entries {
		byID[e.id] = e
	}
	var out []store.Entry
	for _, id := range ids {
		pe, ok := g.pending[id]
		if !ok || time.Since(pe.deliveredAt) < idle {
			continue
		}
		pe.consumer = consumer
		pe.deliveredAt = time.Now()
		pe.deliveryCount++
		if e, ok := byID[id]; ok {
			out = append(out, store.Entry{ID: e.id, Fields: e.fields})
		}
	}
	return out, nil
}

func (p *Provider) Publish(_ context.Context, topic string, payload []byte) error {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for pattern, subs := range p.subs {
		if !topicMatches(pattern, topic) {
			continue
		}
		for _, s := range subs {
			select {
			case s.ch <- payload:
			default:
			}
		}
	}
	return nil
}

func (p *Provider) Subscribe(_ context.Context, topic string) (store.Subscription, error) {
	return p.subscribe(topic), nil
}

func (p *Provider) PSubscribe(_ context.Context, pattern string) (store.Subscription, error) {
	return p.subscribe(pattern), nil
}

func (p *Provider) subscribe(pattern string) *memSubscription {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	s := &memSubscription{ch: make(chan []byte, 64), provider: p, pattern: pattern}
	p.subs[pattern] = append(p.subs[pattern], s)
	return s
}

func (p *Provider) unsubscribe(s *memSubscription) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	list := p.subs[s.pattern]
	for i, v := range list {
		if v == s {
			p.subs[s.pattern] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// BatchExec applies every op under the provider's single write lock,
// giving all-or-nothing semantics within this process.
func (p *Provider) BatchExec(ctx context.Context, ops []store.BatchOp) error {
	for _, op := range ops {
		switch {
		case op.HSet != nil:
			if err := p.HSetMany(ctx, op.HSet.Key, op.HSet.Fields); err != nil {
				return err
			}
		case op.HIncrBy != nil:
			if _, err := p.HIncrByFloat(ctx, op.HIncrBy.Key, op.HIncrBy.Field, op.HIncrBy.Delta); err != nil {
				return err
			}
		case op.HDel != nil:
			if err := p.HDelFields(ctx, op.HDel.Key, op.HDel.Fields); err != nil {
				return err
			}
		case op.StreamAdd != nil:
			if _, err := p.StreamAppend(ctx, op.StreamAdd.Stream, op.StreamAdd.Fields); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Provider) Close(context.Context) error { return nil }

func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.Contains(pattern, "*") {
		prefix := strings.SplitN(pattern, "*", 2)[0]
		return strings.HasPrefix(topic, prefix)
	}
	return false
}

type memSubscription struct {
	ch       chan []byte
	provider *Provider
	pattern  string
}

func (s *memSubscription) Messages() <-chan []byte { return s.ch }

func (s *memSubscription) Close() error {
	s.provider.unsubscribe(s)
	return nil
}
