package node

import (
	"fmt"

	"github.com/t7a/pitledger/wallet"
	"github.com/vmihailenco/msgpack"
)

// Receipt records the outcome of one submission.  Rejected
// submissions get a receipt too; their Root is the unchanged root.
type Receipt struct {
	Seq     uint64           `msgpack:"seq"`
	Caller  wallet.PublicKey `msgpack:"caller"`
	Kind    wallet.Kind      `msgpack:"kind"`
	Payload []byte           `msgpack:"payload"`
	OK      bool             `msgpack:"ok"`
	Code    wallet.Code      `msgpack:"code"`
	Root    string           `msgpack:"root"`
}

// Err returns the rejection, or nil if the transaction was applied.
func (r *Receipt) Err() *wallet.Error {
	if r.OK {
		return nil
	}
	return wallet.NewError(r.Code)
}

// Tx decodes the submitted transaction.
func (r *Receipt) Tx() (wallet.Tx, error) {
	env := wallet.Envelope{Caller: r.Caller, Kind: r.Kind, Payload: r.Payload}
	return env.Tx()
}

func (r *Receipt) String() string {
	outcome := "ok"
	if !r.OK {
		outcome = r.Code.String()
	}
	detail := ""
	tx, err := r.Tx()
	switch tx := tx.(type) {
	case wallet.CreateAccount:
		detail = fmt.Sprintf("%q", tx.Label)
	case wallet.Transfer:
		detail = fmt.Sprintf("%d to %s seed %d", tx.Amount, tx.To, tx.Seed)
	default:
		detail = fmt.Sprintf("undecodable: %v", err)
	}
	return fmt.Sprintf("%d %s %s %s %s", r.Seq, r.Caller, r.Kind, detail, outcome)
}

func encodeTx(tx wallet.Tx) ([]byte, error) {
	return msgpack.Marshal(tx)
}
