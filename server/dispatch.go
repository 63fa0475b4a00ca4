package server

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitledger/node"
	"github.com/t7a/pitledger/wallet"
)

// Op names a request type.
type Op string

const (
	OpSubmit   Op = "submit"
	OpAccount  Op = "account"
	OpAccounts Op = "accounts"
	OpRichest  Op = "richest"
	OpRoot     Op = "root"
	OpHead     Op = "head"
	OpReceipts Op = "receipts"
)

// Request is one msgpack frame from a client.
type Request struct {
	Op Op               `msgpack:"op"`
	Tx []byte           `msgpack:"tx,omitempty"` // wallet envelope, for submit
	ID wallet.PublicKey `msgpack:"id"`           // for account
	N  int              `msgpack:"n,omitempty"`  // for richest
}

// Response is one msgpack frame back.  Err is set for faults;
// rejected transactions come back as a receipt.
type Response struct {
	Err      string           `msgpack:"err,omitempty"`
	NotFound bool             `msgpack:"notfound,omitempty"`
	Receipt  *node.Receipt    `msgpack:"receipt,omitempty"`
	Account  *wallet.Account  `msgpack:"account,omitempty"`
	Accounts []wallet.Account `msgpack:"accounts,omitempty"`
	Receipts []node.Receipt   `msgpack:"receipts,omitempty"`
	Root     string           `msgpack:"root,omitempty"` // state root, or journal head
}

type Handler func(req *Request) (*Response, error)

// Dispatcher routes requests to handlers by Op.
type Dispatcher struct {
	handlers map[Op]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Op]Handler)}
}

// Register records h as the handler Dispatch() will call for op,
// replacing any earlier one.
func (dp *Dispatcher) Register(op Op, h Handler) {
	dp.handlers[op] = h
}

// Dispatch calls the handler registered for req.Op.  It always
// returns a response; errors and panics become Err.
func (dp *Dispatcher) Dispatch(req *Request) (res *Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s: panic: %v", req.Op, r)
			res = &Response{Err: fmt.Sprintf("%s: internal error: %v", req.Op, r)}
		}
	}()
	h, ok := dp.handlers[req.Op]
	if !ok {
		return &Response{Err: fmt.Sprintf("unknown op %q", req.Op)}
	}
	res, err := h(req)
	if err != nil {
		res = &Response{Err: err.Error(), NotFound: err == node.ErrNotFound}
	}
	if res == nil {
		res = &Response{}
	}
	return
}

// register wires the ledger operations into dp.
func register(dp *Dispatcher, l Ledger) {
	dp.Register(OpSubmit, func(req *Request) (*Response, error) {
		caller, tx, err := wallet.Decode(req.Tx)
		if err != nil {
			return nil, err
		}
		rcpt, err := l.Submit(caller, tx)
		if err != nil {
			return nil, err
		}
		return &Response{Receipt: rcpt}, nil
	})
	dp.Register(OpAccount, func(req *Request) (*Response, error) {
		acct, err := l.Account(req.ID)
		if err != nil {
			return nil, err
		}
		return &Response{Account: &acct}, nil
	})
	dp.Register(OpAccounts, func(req *Request) (*Response, error) {
		accts, err := l.Accounts()
		return &Response{Accounts: accts}, err
	})
	dp.Register(OpRichest, func(req *Request) (*Response, error) {
		accts, err := l.Richest(req.N)
		return &Response{Accounts: accts}, err
	})
	dp.Register(OpRoot, func(req *Request) (*Response, error) {
		root, err := l.Root()
		return &Response{Root: root}, err
	})
	dp.Register(OpHead, func(req *Request) (*Response, error) {
		head, err := l.Head()
		return &Response{Root: head}, err
	})
	dp.Register(OpReceipts, func(req *Request) (*Response, error) {
		rcpts, err := l.Receipts()
		return &Response{Receipts: rcpts}, err
	})
}
