package wallet

import (
	"math/bits"

	. "github.com/stevegt/goadapt"
)

// InitialBalance is credited to every new account.
const InitialBalance uint64 = 100

// Account is a single ledger entry.  ID and Label never change after
// creation; Balance only changes through transfers.
type Account struct {
	ID      PublicKey `msgpack:"id"`
	Label   string    `msgpack:"label"`
	Balance uint64    `msgpack:"balance"`
}

func NewAccount(id PublicKey, label string, balance uint64) Account {
	return Account{ID: id, Label: label, Balance: balance}
}

// Increase returns a copy of a with amount added to the balance.  It
// panics on overflow rather than wrap.
func (a Account) Increase(amount uint64) Account {
	sum, carry := bits.Add64(a.Balance, amount, 0)
	Assert(carry == 0, "balance overflow: %s has %d, adding %d", a.ID, a.Balance, amount)
	return NewAccount(a.ID, a.Label, sum)
}

// Decrease returns a copy of a with amount subtracted from the
// balance.  Callers must check the balance first; a shortfall is a
// bug and panics.
func (a Account) Decrease(amount uint64) Account {
	Assert(a.Balance >= amount, "balance underflow: %s has %d, removing %d", a.ID, a.Balance, amount)
	return NewAccount(a.ID, a.Label, a.Balance-amount)
}
