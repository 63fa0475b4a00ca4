package wallet

// Access is the executor's view of the account store for one
// invocation.  Puts become visible to later Gets at once but reach
// durable state only when the owner of the view commits it, all
// together or not at all.
type Access interface {
	Get(id PublicKey) (acct Account, ok bool, err error)
	Put(id PublicKey, acct Account) error
	// Accounts lists every account ordered by ID.
	Accounts() ([]Account, error)
}
