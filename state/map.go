package state

import (
	"fmt"
	"sync"

	"github.com/t7a/pitledger/wallet"
)

// Map is an in-memory Store.  Roots are version counters, so two
// maps with equal contents don't necessarily have equal roots.
type Map struct {
	mu      sync.Mutex
	version uint64
	accts   map[wallet.PublicKey]wallet.Account
}

func NewMap() *Map {
	return &Map{accts: make(map[wallet.PublicKey]wallet.Account)}
}

func (m *Map) root() string {
	return fmt.Sprintf("mem/%d", m.version)
}

func (m *Map) Root() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root(), nil
}

// Fork snapshots the current contents.
func (m *Map) Fork() (*Fork, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := make(map[wallet.PublicKey]wallet.Account, len(m.accts))
	for id, acct := range m.accts {
		base[id] = acct
	}
	return newFork(m.root(), base), nil
}

func (m *Map) Merge(fork *Fork) (root string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(fork.pending) == 0 {
		return m.root(), nil
	}
	if fork.root != m.root() {
		return "", ErrStale
	}
	for id, acct := range fork.pending {
		m.accts[id] = acct
	}
	m.version++
	fork.Discard()
	return m.root(), nil
}

var _ Store = (*Map)(nil)
