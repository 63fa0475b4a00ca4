package wallet

// Kind tags a transaction on the wire.
type Kind uint8

const (
	KindCreateAccount Kind = 1
	KindTransfer      Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindCreateAccount:
		return "create"
	case KindTransfer:
		return "transfer"
	}
	return "unknown"
}

// Tx is a state-transition request.  The caller's identity travels
// beside it, never inside it.
type Tx interface {
	Kind() Kind
}

// CreateAccount opens an account for the caller.
type CreateAccount struct {
	Label string `msgpack:"label"`
}

func (CreateAccount) Kind() Kind { return KindCreateAccount }

// Transfer moves Amount from the caller to To.  Seed makes otherwise
// identical transfers distinct; it has no effect on execution.
type Transfer struct {
	To     PublicKey `msgpack:"to"`
	Amount uint64    `msgpack:"amount"`
	Seed   uint64    `msgpack:"seed"`
}

func (Transfer) Kind() Kind { return KindTransfer }
