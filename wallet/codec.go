package wallet

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// Envelope is the wire form of a submission.  Caller comes from the
// authentication layer; Payload is the msgpack encoding of the
// transaction named by Kind.
type Envelope struct {
	Caller  PublicKey `msgpack:"caller"`
	Kind    Kind      `msgpack:"kind"`
	Payload []byte    `msgpack:"payload"`
}

// Encode wraps tx for the wire.
func Encode(caller PublicKey, tx Tx) (buf []byte, err error) {
	payload, err := msgpack.Marshal(tx)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return msgpack.Marshal(&Envelope{Caller: caller, Kind: tx.Kind(), Payload: payload})
}

// Decode unwraps an envelope produced by Encode.
func Decode(buf []byte) (caller PublicKey, tx Tx, err error) {
	var env Envelope
	err = msgpack.Unmarshal(buf, &env)
	if err != nil {
		return caller, nil, errors.Wrap(err, "decode envelope")
	}
	tx, err = env.Tx()
	return env.Caller, tx, err
}

// Tx decodes the payload.
func (env *Envelope) Tx() (tx Tx, err error) {
	switch env.Kind {
	case KindCreateAccount:
		var c CreateAccount
		err = msgpack.Unmarshal(env.Payload, &c)
		tx = c
	case KindTransfer:
		var t Transfer
		err = msgpack.Unmarshal(env.Payload, &t)
		tx = t
	default:
		return nil, errors.Errorf("unknown transaction kind %d", env.Kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", env.Kind)
	}
	return
}
