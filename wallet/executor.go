package wallet

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Executor applies transactions to an Access.  It holds no state of
// its own; the store is the only source of truth.
//
// Each entry point returns a non-nil txerr when the transaction is
// rejected, in which case nothing was written, or a non-nil err when
// the invocation could not be carried out at all.
type Executor struct{}

func NewExecutor() *Executor {
	return &Executor{}
}

// Execute dispatches tx to the matching entry point.
func (x *Executor) Execute(access Access, caller PublicKey, tx Tx) (txerr *Error, err error) {
	switch tx := tx.(type) {
	case CreateAccount:
		return x.ExecuteCreateAccount(access, caller, tx)
	case *CreateAccount:
		return x.ExecuteCreateAccount(access, caller, *tx)
	case Transfer:
		return x.ExecuteTransfer(access, caller, tx)
	case *Transfer:
		return x.ExecuteTransfer(access, caller, *tx)
	}
	return nil, errors.Errorf("unknown transaction type %T", tx)
}

// ExecuteCreateAccount opens an account for caller with
// InitialBalance.
func (x *Executor) ExecuteCreateAccount(access Access, caller PublicKey, tx CreateAccount) (txerr *Error, err error) {
	if caller.IsZero() {
		return nil, ErrNoCaller
	}
	_, found, err := access.Get(caller)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", caller)
	}
	if found {
		log.Debugf("create %s: exists", caller)
		return NewError(AccountAlreadyExists), nil
	}
	acct := NewAccount(caller, tx.Label, InitialBalance)
	err = access.Put(caller, acct)
	if err != nil {
		return nil, errors.Wrapf(err, "put %s", caller)
	}
	log.Debugf("created %s %q", caller, tx.Label)
	return nil, nil
}

// ExecuteTransfer moves tx.Amount from caller to tx.To.  The checks
// run in a fixed order and the first failure wins: self-transfer,
// missing sender, missing receiver, short balance.
func (x *Executor) ExecuteTransfer(access Access, caller PublicKey, tx Transfer) (txerr *Error, err error) {
	if caller.IsZero() {
		return nil, ErrNoCaller
	}
	if caller == tx.To {
		return NewError(SenderIsReceiver), nil
	}

	sender, found, err := access.Get(caller)
	if err != nil {
		return nil, errors.Wrapf(err, "get sender %s", caller)
	}
	if !found {
		return NewError(SenderNotFound), nil
	}

	receiver, found, err := access.Get(tx.To)
	if err != nil {
		return nil, errors.Wrapf(err, "get receiver %s", tx.To)
	}
	if !found {
		return NewError(ReceiverNotFound), nil
	}

	if sender.Balance < tx.Amount {
		return NewError(InsufficientBalance), nil
	}

	sender = sender.Decrease(tx.Amount)
	receiver = receiver.Increase(tx.Amount)
	err = access.Put(caller, sender)
	if err != nil {
		return nil, errors.Wrapf(err, "put sender %s", caller)
	}
	err = access.Put(tx.To, receiver)
	if err != nil {
		return nil, errors.Wrapf(err, "put receiver %s", tx.To)
	}
	log.Debugf("transfer %d %s -> %s seed %d", tx.Amount, caller, tx.To, tx.Seed)
	return nil, nil
}
