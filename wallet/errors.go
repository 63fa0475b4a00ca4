package wallet

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the reason a transaction was rejected.  The numeric values
// are part of the wire format and must not change.
type Code uint8

const (
	AccountAlreadyExists Code = 0
	SenderNotFound       Code = 1
	ReceiverNotFound     Code = 2
	InsufficientBalance  Code = 3
	SenderIsReceiver     Code = 4
)

var codeNames = map[Code]string{
	AccountAlreadyExists: "AccountAlreadyExists",
	SenderNotFound:       "SenderNotFound",
	ReceiverNotFound:     "ReceiverNotFound",
	InsufficientBalance:  "InsufficientBalance",
	SenderIsReceiver:     "SenderIsReceiver",
}

var codeDescriptions = map[Code]string{
	AccountAlreadyExists: "account already exists",
	SenderNotFound:       "sender doesn't exist",
	ReceiverNotFound:     "receiver doesn't exist",
	InsufficientBalance:  "insufficient balance",
	SenderIsReceiver:     "sender same as receiver",
}

func (c Code) String() string {
	name, ok := codeNames[c]
	if !ok {
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
	return name
}

// Description is a human-readable form of c.
func (c Code) Description() string {
	return codeDescriptions[c]
}

// Error is a rejected transaction.  It is an expected outcome, not a
// fault: the ledger is unchanged and processing continues.
type Error struct {
	Code Code
}

func NewError(code Code) *Error {
	return &Error{Code: code}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, uint8(e.Code), e.Code.Description())
}

// ErrNoCaller means a transaction arrived without an authenticated
// identity.  It is a fault in the caller, not a rejection.
var ErrNoCaller = errors.New("missing caller identity")

// IsRejection reports whether err is, or wraps, a *Error.
func IsRejection(err error) (code Code, ok bool) {
	e, ok := errors.Cause(err).(*Error)
	if !ok {
		return
	}
	return e.Code, true
}
