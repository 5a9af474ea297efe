package keys

import (
	"context"
	"fmt"
	"sync"
)

const symbolAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// SymbolStore persists and loads the per-app path-to-symbol table. Providers
// back it with a single hash keyed by Builder.SymbolsKey().
type SymbolStore interface {
	LoadSymbols(ctx context.Context, key string) (map[string]string, error)
	SaveSymbols(ctx context.Context, key string, symbols map[string]string) error
}

// Table maps activity-field paths (e.g. "output/metadata/ac") to compact
// 3-character symbols, and back. One Table exists per app.
type Table struct {
	mu      sync.RWMutex
	store   SymbolStore
	key     string
	forward map[string]string // path -> symbol
	reverse map[string]string // symbol -> path
	next    int
}

// NewTable constructs a Table backed by store under key, loading any
// previously minted symbols.
func NewTable(ctx context.Context, store SymbolStore, key string) (*Table, error) {
	t := &Table{
		store:   store,
		key:     key,
		forward: make(map[string]string),
		reverse: make(map[string]string),
	}
	existing, err := store.LoadSymbols(ctx, key)
	if err != nil {
		return nil, err
	}
	for path, sym := range existing {
		t.forward[path] = sym
		t.reverse[sym] = path
		t.next++
	}
	return t, nil
}

// Symbol returns the symbol for path, minting and persisting a new one if
// this is the first time the path has been seen.
func (t *Table) Symbol(ctx context.Context, path string) (string, error) {
	t.mu.RLock()
	if sym, ok := t.forward[path]; ok {
		t.mu.RUnlock()
		return sym, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if sym, ok := t.forward[path]; ok {
		return sym, nil
	}
	sym := t.mint()
	t.forward[path] = sym
	t.reverse[sym] = path
	if err := t.store.SaveSymbols(ctx, t.key, t.forward); err != nil {
		delete(t.forward, path)
		delete(t.reverse, sym)
		return "", err
	}
	return sym, nil
}

// Path returns the path a symbol was minted for, or false if unknown.
func (t *Table) Path(symbol string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.reverse[symbol]
	return p, ok
}

// mint derives the next symbol in base-62 3-character sequence. Caller must
// hold t.mu for writing.
func (t *Table) mint() string {
	n := t.next
	t.next++
	base := len(symbolAlphabet)
	b := [3]byte{}
	for i := 2; i >= 0; i-- {
		b[i] = symbolAlphabet[n%base]
		n /= base
	}
	if n != 0 {
		// overflowed 3 chars (62^3 ≈ 238k paths per app); fall back to a
		// longer symbol rather than colliding.
		return fmt.Sprintf("x%d", t.next)
	}
	return string(b[:])
}
