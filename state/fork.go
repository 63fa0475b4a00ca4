package state

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/t7a/pitledger/wallet"
)

// ErrStale means a fork was taken from a root that is no longer
// current, so merging it could lose writes.
var ErrStale = errors.New("stale fork")

// Store holds the account map.  Readers and the executor work on a
// Fork; Merge publishes a fork's writes as one atomic step and
// returns the new root.
type Store interface {
	Fork() (*Fork, error)
	Merge(fork *Fork) (root string, err error)
	Root() (string, error)
}

// Fork is a copy-on-write view of the account map at one root.
// Writes stay in the fork until it is merged.  A Fork is not safe
// for concurrent use.
type Fork struct {
	root    string
	base    map[wallet.PublicKey]wallet.Account
	pending map[wallet.PublicKey]wallet.Account
}

func newFork(root string, base map[wallet.PublicKey]wallet.Account) *Fork {
	return &Fork{
		root:    root,
		base:    base,
		pending: make(map[wallet.PublicKey]wallet.Account),
	}
}

// Root returns the root the fork was taken from.
func (f *Fork) Root() string {
	return f.root
}

func (f *Fork) Get(id wallet.PublicKey) (acct wallet.Account, ok bool, err error) {
	acct, ok = f.pending[id]
	if ok {
		return
	}
	acct, ok = f.base[id]
	return
}

func (f *Fork) Put(id wallet.PublicKey, acct wallet.Account) error {
	if acct.ID != id {
		return errors.Errorf("put %s: record is for %s", id, acct.ID)
	}
	f.pending[id] = acct
	return nil
}

func (f *Fork) Accounts() (accts []wallet.Account, err error) {
	for id, acct := range f.base {
		if _, ok := f.pending[id]; !ok {
			accts = append(accts, acct)
		}
	}
	for _, acct := range f.pending {
		accts = append(accts, acct)
	}
	sortAccounts(accts)
	return
}

// Changes returns the pending writes ordered by ID.
func (f *Fork) Changes() (accts []wallet.Account) {
	for _, acct := range f.pending {
		accts = append(accts, acct)
	}
	sortAccounts(accts)
	return
}

// Discard drops the pending writes.
func (f *Fork) Discard() {
	f.pending = make(map[wallet.PublicKey]wallet.Account)
}

func sortAccounts(accts []wallet.Account) {
	sort.Slice(accts, func(i, j int) bool {
		return accts[i].ID.Less(accts[j].ID)
	})
}

var _ wallet.Access = (*Fork)(nil)
