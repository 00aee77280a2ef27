package ledger

import (
	"context"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/mintcache"
)

// Method names used by Memory for call counting and fault injection.
const (
	MethodTotalSupply = "total_supply"
	MethodBalanceOf   = "balance_of"
	MethodOwnerOf     = "owner_of"
	MethodTokensOf    = "tokens_of"
	MethodMetadata    = "token_metadata"
	MethodBalances    = "balances"
)

type memToken struct {
	id    mintcache.TokenID
	owner mintcache.Principal
	meta  Metadata
}

// Memory is an in-memory ledger. It backs tests and the demo mode and
// counts calls per method so callers can assert round trips.
type Memory struct {
	mu       sync.RWMutex
	tokens   map[mintcache.Collection][]memToken // ascending id order
	next     map[mintcache.Collection]uint64
	balances map[mintcache.Hash]mintcache.Balances
	failures map[string]error
	gaps     map[mintcache.TokenID]bool
	latency  func(method string) time.Duration

	calls sync.Map // method -> *atomic.Int64
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		tokens:   make(map[mintcache.Collection][]memToken),
		next:     make(map[mintcache.Collection]uint64),
		balances: make(map[mintcache.Hash]mintcache.Balances),
		failures: make(map[string]error),
		gaps:     make(map[mintcache.TokenID]bool),
	}
}

// Mint appends a token to collection c and returns its id. Ids start at 1.
func (m *Memory) Mint(c mintcache.Collection, owner mintcache.Principal, meta Metadata) mintcache.TokenID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next[c]++
	id := mintcache.NewTokenID(m.next[c])
	m.tokens[c] = append(m.tokens[c], memToken{id: id, owner: owner, meta: maps.Clone(meta)})
	return id
}

// SetBalances stores the balances returned for a sub-account.
func (m *Memory) SetBalances(subaccount mintcache.Hash, b mintcache.Balances) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[subaccount] = maps.Clone(b)
}

// SetFailure makes every call to method fail with err. A nil err clears it.
func (m *Memory) SetFailure(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// SetLatency installs a per-call delay function.
func (m *Memory) SetLatency(fn func(method string) time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = fn
}

// SetOwnerGap makes batched OwnerOf calls (more than one id) answer nil for
// id. Single-id calls still answer.
func (m *Memory) SetOwnerGap(id mintcache.TokenID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps[id] = true
}

// Calls returns how many times method has been called.
func (m *Memory) Calls(method string) int64 {
	v, ok := m.calls.Load(method)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// ResetCalls zeroes all call counters.
func (m *Memory) ResetCalls() {
	m.calls.Range(func(k, _ any) bool {
		m.calls.Delete(k)
		return true
	})
}

func (m *Memory) enter(ctx context.Context, method string) error {
	v, _ := m.calls.LoadOrStore(method, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)

	m.mu.RLock()
	latency := m.latency
	err := m.failures[method]
	m.mu.RUnlock()

	if latency != nil {
		if d := latency(method); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

func (m *Memory) find(c mintcache.Collection, id mintcache.TokenID) (memToken, bool) {
	tokens := m.tokens[c]
	i := sort.Search(len(tokens), func(i int) bool { return tokens[i].id.Cmp(id) >= 0 })
	if i < len(tokens) && tokens[i].id == id {
		return tokens[i], true
	}
	return memToken{}, false
}

// TotalSupply implements Ledger.
func (m *Memory) TotalSupply(ctx context.Context, c mintcache.Collection) (uint64, error) {
	if err := m.enter(ctx, MethodTotalSupply); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.tokens[c])), nil
}

// BalanceOf implements Ledger.
func (m *Memory) BalanceOf(ctx context.Context, c mintcache.Collection, p mintcache.Principal) (uint64, error) {
	if err := m.enter(ctx, MethodBalanceOf); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n uint64
	for _, t := range m.tokens[c] {
		if t.owner == p {
			n++
		}
	}
	return n, nil
}

// OwnerOf implements Ledger.
func (m *Memory) OwnerOf(ctx context.Context, c mintcache.Collection, ids []mintcache.TokenID) ([]*Owner, error) {
	if err := m.enter(ctx, MethodOwnerOf); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Owner, len(ids))
	for i, id := range ids {
		if len(ids) > 1 && m.gaps[id] {
			continue
		}
		if t, ok := m.find(c, id); ok {
			out[i] = &Owner{Owner: t.owner}
		}
	}
	return out, nil
}

// TokensOf implements Ledger.
func (m *Memory) TokensOf(ctx context.Context, c mintcache.Collection, p mintcache.Principal, cursor *mintcache.TokenID, limit int) ([]mintcache.TokenID, error) {
	if err := m.enter(ctx, MethodTokensOf); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	tokens := m.tokens[c]
	start := 0
	if cursor != nil {
		start = sort.Search(len(tokens), func(i int) bool { return tokens[i].id.Cmp(*cursor) > 0 })
	}

	var out []mintcache.TokenID
	for _, t := range tokens[start:] {
		if len(out) >= limit {
			break
		}
		if p != "" && t.owner != p {
			continue
		}
		out = append(out, t.id)
	}
	return out, nil
}

// Metadata implements Ledger.
func (m *Memory) Metadata(ctx context.Context, c mintcache.Collection, ids []mintcache.TokenID) ([]Metadata, error) {
	if err := m.enter(ctx, MethodMetadata); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Metadata, len(ids))
	for i, id := range ids {
		if t, ok := m.find(c, id); ok && t.meta != nil {
			out[i] = maps.Clone(t.meta)
		}
	}
	return out, nil
}

// Balances implements BalanceActor.
func (m *Memory) Balances(ctx context.Context, subaccount mintcache.Hash) (mintcache.Balances, error) {
	if err := m.enter(ctx, MethodBalances); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.balances[subaccount]), nil
}

var (
	_ Ledger       = (*Memory)(nil)
	_ BalanceActor = (*Memory)(nil)
)
