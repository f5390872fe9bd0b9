package market

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/storage"
)

// Registry manages tokens and trading pairs in a thread-safe manner.
// Pairs come from configuration or are materialized lazily when a vault
// reports a deposit of a token never seen before.
type Registry struct {
	mu     sync.RWMutex
	store  *storage.PebbleStore
	pairs  map[string]*Pair    // id -> pair
	tokens map[TokenRef]*Token // ref -> token
	quotes map[uint64]TokenRef // chain -> quote token new tokens are paired against
}

// NewRegistry loads persisted tokens and pairs. quotes maps a chain selector
// to the quote token lazily created pairs on that chain trade against.
func NewRegistry(store *storage.PebbleStore, quotes map[uint64]TokenRef) (*Registry, error) {
	r := &Registry{
		store:  store,
		pairs:  make(map[string]*Pair),
		tokens: make(map[TokenRef]*Token),
		quotes: make(map[uint64]TokenRef),
	}
	for chain, q := range quotes {
		r.quotes[chain] = q
	}

	if err := storage.ScanInto(store, storage.PairPrefix(), func(p *Pair) error {
		r.pairs[p.ID] = p
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to load pairs: %w", err)
	}
	if err := storage.ScanInto(store, storage.TokenPrefix(), func(t *Token) error {
		r.tokens[t.TokenRef] = t
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	return r, nil
}

// RegisterPair adds a pair, or updates its resting policy and status if it exists.
func (r *Registry) RegisterPair(p Pair) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Put(storage.PairKey(p.ID), &p); err != nil {
		return fmt.Errorf("failed to persist pair %s: %w", p.ID, err)
	}
	r.pairs[p.ID] = &p
	return nil
}

// RegisterToken records symbol and decimals for a token.
func (r *Registry) RegisterToken(t Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.FirstSeen.IsZero() {
		t.FirstSeen = time.Now().UTC()
	}
	if err := r.store.Put(storage.TokenKey(t.Chain, t.Address), &t); err != nil {
		return fmt.Errorf("failed to persist token %s: %w", t.TokenRef, err)
	}
	r.tokens[t.TokenRef] = &t
	return nil
}

// Observe materializes a token seen in a deposit. If the token is new and its
// chain has a configured quote token, a same-chain pair against that quote is
// created too. Returns the pair created, if any.
func (r *Registry) Observe(ref TokenRef, now time.Time) (*Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[ref]; ok {
		return nil, nil
	}

	tok := &Token{TokenRef: ref, FirstSeen: now.UTC()}
	if err := r.store.Put(storage.TokenKey(ref.Chain, ref.Address), tok); err != nil {
		return nil, fmt.Errorf("failed to persist token %s: %w", ref, err)
	}
	r.tokens[ref] = tok

	quote, ok := r.quotes[ref.Chain]
	if !ok || quote == ref {
		return nil, nil
	}
	id := DerivedPairID(ref, quote)
	if _, exists := r.pairs[id]; exists {
		return nil, nil
	}
	p := &Pair{ID: id, Base: ref, Quote: quote, AllowResting: true, Status: Active}
	if err := r.store.Put(storage.PairKey(id), p); err != nil {
		return nil, fmt.Errorf("failed to persist pair %s: %w", id, err)
	}
	r.pairs[id] = p
	return p, nil
}

// Pair returns a copy of the pair, or an error if it is unknown.
func (r *Registry) Pair(id string) (Pair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pairs[id]
	if !ok {
		return Pair{}, errs.NotFound("pair", id)
	}
	return *p, nil
}

// Token returns token metadata, or false if it was never observed.
func (r *Registry) Token(ref TokenRef) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[ref]
	if !ok {
		return Token{}, false
	}
	return *t, true
}

// Pairs returns all pairs sorted by id.
func (r *Registry) Pairs() []Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetStatus changes a pair's trading status. Delisted is terminal.
func (r *Registry) SetStatus(id string, status PairStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pairs[id]
	if !ok {
		return errs.NotFound("pair", id)
	}
	if p.Status == Delisted {
		return fmt.Errorf("cannot change status of delisted pair %s", id)
	}
	next := *p
	next.Status = status
	if err := r.store.Put(storage.PairKey(id), &next); err != nil {
		return fmt.Errorf("failed to persist pair %s: %w", id, err)
	}
	r.pairs[id] = &next
	return nil
}
