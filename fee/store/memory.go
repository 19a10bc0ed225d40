// Package store provides in-memory implementations of the fee ledger's
// collaborator interfaces, for testing and development.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/fee-engine/fee"
)

// =============================================================================
// MEMORY ENTRY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-memory fee.EntryStore with signature and source
// indexes. Entries are stored by value copy so a caller mutating a
// returned entry never corrupts the store.
type Memory struct {
	mu          sync.RWMutex
	entries     map[string]fee.Entry
	byTx        map[string][]string
	bySignature map[string]string
	bySource    map[fee.SourceRef][]string
	order       []string
}

// NewMemory creates an empty in-memory entry store.
func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[string]fee.Entry),
		byTx:        make(map[string][]string),
		bySignature: make(map[string]string),
		bySource:    make(map[fee.SourceRef][]string),
	}
}

// SaveEntry persists the entry, assigning an id when absent.
func (m *Memory) SaveEntry(_ context.Context, e *fee.Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := e.EntryID
	if id == "" {
		id = uuid.NewString()
	}
	stored := cloneEntry(e)
	stored.EntryID = id

	m.entries[id] = stored
	m.byTx[stored.TransactionID] = append(m.byTx[stored.TransactionID], id)
	if stored.Signature != "" {
		m.bySignature[stored.Signature] = id
	}
	if stored.Source != (fee.SourceRef{}) {
		m.bySource[stored.Source] = append(m.bySource[stored.Source], id)
	}
	m.order = append(m.order, id)
	return id, nil
}

// LoadEntry returns a copy of the entry, or nil when absent.
func (m *Memory) LoadEntry(_ context.Context, entryID string) (*fee.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(entryID), nil
}

func (m *Memory) loadLocked(entryID string) *fee.Entry {
	e, ok := m.entries[entryID]
	if !ok {
		return nil
	}
	cp := cloneEntry(&e)
	return &cp
}

// cloneEntry deep-copies the child collections so the stored record and
// the caller's entry never share backing arrays.
func cloneEntry(e *fee.Entry) fee.Entry {
	cp := *e
	if e.Breakdown != nil {
		cp.Breakdown = make([]fee.BreakdownEntry, len(e.Breakdown))
		for i, b := range e.Breakdown {
			b.RateApplied = copyDec(b.RateApplied)
			b.FixedUsed = copyDec(b.FixedUsed)
			b.TierIndex = copyInt(b.TierIndex)
			b.CapDelta = copyDec(b.CapDelta)
			b.Tags = append([]string(nil), b.Tags...)
			b.LineIDs = append([]string(nil), b.LineIDs...)
			cp.Breakdown[i] = b
		}
	}
	if e.Allocation != nil {
		cp.Allocation = make([]fee.AllocationEntry, len(e.Allocation))
		for i, a := range e.Allocation {
			a.Components = append([]fee.LineComponent(nil), a.Components...)
			cp.Allocation[i] = a
		}
	}
	if e.Warnings != nil {
		cp.Warnings = append([]fee.Warning(nil), e.Warnings...)
	}
	if e.RefundPlan != nil {
		cp.RefundPlan = append([]fee.RefundLine(nil), e.RefundPlan...)
	}
	return cp
}

func copyDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func copyInt(n *int) *int {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

// UpdateEntryStatus flips an entry's status. The single permitted
// mutation: the parent status flip on adjustment.
func (m *Memory) UpdateEntryStatus(_ context.Context, entryID string, status fee.EntryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return fee.ErrEntryNotFound
	}
	e.Status = status
	m.entries[entryID] = e
	return nil
}

// LoadByTransaction returns all entries for a transaction id, in
// persistence order.
func (m *Memory) LoadByTransaction(_ context.Context, transactionID string) ([]*fee.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byTx[transactionID]
	out := make([]*fee.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.loadLocked(id))
	}
	return out, nil
}

// FindBySignature implements fee.SignatureIndex.
func (m *Memory) FindBySignature(_ context.Context, signature string) (*fee.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySignature[signature]
	if !ok {
		return nil, nil
	}
	return m.loadLocked(id), nil
}

// LoadLatestForSource implements fee.SourceQuerier.
func (m *Memory) LoadLatestForSource(_ context.Context, src fee.SourceRef) (*fee.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.bySource[src]
	if len(ids) == 0 {
		return nil, nil
	}
	return m.loadLocked(ids[len(ids)-1]), nil
}

// LoadAllForSource implements fee.SourceQuerier.
func (m *Memory) LoadAllForSource(_ context.Context, src fee.SourceRef) ([]*fee.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.bySource[src]
	out := make([]*fee.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.loadLocked(id))
	}
	return out, nil
}

// CountForSource implements fee.SourceQuerier.
func (m *Memory) CountForSource(_ context.Context, src fee.SourceRef) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySource[src]), nil
}

// IterateForSource implements fee.SourceQuerier.
func (m *Memory) IterateForSource(ctx context.Context, src fee.SourceRef, fn func(*fee.Entry) error) error {
	entries, err := m.LoadAllForSource(ctx, src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// STATIC POLICIES - Fixed channel->policy mapping (for testing/dev)
// =============================================================================

// StaticPolicies is a fee.PolicyLoader over a fixed channel map. The
// as-of date is ignored; every channel has exactly one live policy.
type StaticPolicies struct {
	mu       sync.RWMutex
	policies map[string]*fee.Policy
}

// NewStaticPolicies builds a loader over the given policies, keyed by
// policy key.
func NewStaticPolicies(policies ...*fee.Policy) *StaticPolicies {
	sp := &StaticPolicies{policies: make(map[string]*fee.Policy, len(policies))}
	for _, p := range policies {
		sp.policies[p.Key] = p
	}
	return sp
}

// Put registers or replaces a policy.
func (sp *StaticPolicies) Put(p *fee.Policy) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.policies[p.Key] = p
}

// LoadPolicy implements fee.PolicyLoader.
func (sp *StaticPolicies) LoadPolicy(_ context.Context, channelKey string, _ time.Time) (*fee.Policy, error) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.policies[channelKey], nil
}

// =============================================================================
// CACHED POLICY LOADER - Explicit cache object, never ambient state
// =============================================================================

type cacheKey struct {
	Channel string
	AsOf    string
}

// CachedPolicies wraps a PolicyLoader with an explicit in-process cache
// keyed by (channel, as-of date). Invalidation is explicit; there is no
// TTL and no global state.
type CachedPolicies struct {
	mu     sync.RWMutex
	source fee.PolicyLoader
	cache  map[cacheKey]*fee.Policy
}

// NewCachedPolicies wraps source with a cache.
func NewCachedPolicies(source fee.PolicyLoader) *CachedPolicies {
	return &CachedPolicies{source: source, cache: make(map[cacheKey]*fee.Policy)}
}

// LoadPolicy implements fee.PolicyLoader. Negative results (no policy)
// are not cached so a newly created policy becomes visible immediately.
func (cp *CachedPolicies) LoadPolicy(ctx context.Context, channelKey string, asOf time.Time) (*fee.Policy, error) {
	k := cacheKey{Channel: channelKey, AsOf: asOf.Format("2006-01-02")}

	cp.mu.RLock()
	cached, ok := cp.cache[k]
	cp.mu.RUnlock()
	if ok {
		return cached, nil
	}

	p, err := cp.source.LoadPolicy(ctx, channelKey, asOf)
	if err != nil {
		return nil, err
	}
	if p != nil {
		cp.mu.Lock()
		cp.cache[k] = p
		cp.mu.Unlock()
	}
	return p, nil
}

// Invalidate drops every cached resolution for a channel.
func (cp *CachedPolicies) Invalidate(channelKey string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for k := range cp.cache {
		if k.Channel == channelKey {
			delete(cp.cache, k)
		}
	}
}

// InvalidateAll drops the whole cache.
func (cp *CachedPolicies) InvalidateAll() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.cache = make(map[cacheKey]*fee.Policy)
}
