package market

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry holds one Market per token, grounded on the teacher's
// pkg/app/core/market/registry.go MarketRegistry, trimmed of the
// consensus-era status-transition machinery not relevant to a
// single-process engine.
type Registry struct {
	mu      sync.RWMutex
	markets map[common.Address]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[common.Address]*Market)}
}

func (r *Registry) Register(m *Market) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[m.Token]; exists {
		return fmt.Errorf("market already registered for token %s", m.Token.Hex())
	}
	r.markets[m.Token] = m
	return nil
}

func (r *Registry) Get(token common.Address) (*Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[token]
	return m, ok
}

func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
