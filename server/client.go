package server

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/t7a/pitledger/node"
	"github.com/t7a/pitledger/wallet"
	"github.com/vmihailenco/msgpack"
)

// Client talks to a Server over its socket.  It is safe for
// concurrent use; calls are serialized on one connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
}

var _ Ledger = (*Client)(nil)

// Dial connects to the socket at fn.
func Dial(fn string) (c *Client, err error) {
	conn, err := net.Dial("unix", fn)
	if err != nil {
		return
	}
	return &Client{conn: conn, enc: msgpack.NewEncoder(conn), dec: msgpack.NewDecoder(conn)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req *Request) (res *Response, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.enc.Encode(req)
	if err != nil {
		return nil, errors.Wrapf(err, "send %s", req.Op)
	}
	res = &Response{}
	err = c.dec.Decode(res)
	if err != nil {
		return nil, errors.Wrapf(err, "receive %s", req.Op)
	}
	if res.NotFound {
		return nil, node.ErrNotFound
	}
	if res.Err != "" {
		return nil, errors.New(res.Err)
	}
	return
}

// SubmitEnvelope sends an already-encoded wallet envelope.
func (c *Client) SubmitEnvelope(buf []byte) (rcpt *node.Receipt, err error) {
	res, err := c.call(&Request{Op: OpSubmit, Tx: buf})
	if err != nil {
		return
	}
	if res.Receipt == nil {
		return nil, errors.New("submit: no receipt")
	}
	return res.Receipt, nil
}

func (c *Client) Submit(caller wallet.PublicKey, tx wallet.Tx) (rcpt *node.Receipt, err error) {
	buf, err := wallet.Encode(caller, tx)
	if err != nil {
		return
	}
	return c.SubmitEnvelope(buf)
}

func (c *Client) Account(id wallet.PublicKey) (acct wallet.Account, err error) {
	res, err := c.call(&Request{Op: OpAccount, ID: id})
	if err != nil {
		return
	}
	if res.Account == nil {
		return acct, errors.New("account: empty response")
	}
	return *res.Account, nil
}

func (c *Client) Accounts() (accts []wallet.Account, err error) {
	res, err := c.call(&Request{Op: OpAccounts})
	if err != nil {
		return
	}
	return res.Accounts, nil
}

func (c *Client) Richest(n int) (accts []wallet.Account, err error) {
	res, err := c.call(&Request{Op: OpRichest, N: n})
	if err != nil {
		return
	}
	return res.Accounts, nil
}

func (c *Client) Root() (root string, err error) {
	res, err := c.call(&Request{Op: OpRoot})
	if err != nil {
		return
	}
	return res.Root, nil
}

// Head returns the journal head the server sees.
func (c *Client) Head() (head string, err error) {
	res, err := c.call(&Request{Op: OpHead})
	if err != nil {
		return
	}
	return res.Root, nil
}

func (c *Client) Receipts() (rcpts []node.Receipt, err error) {
	res, err := c.call(&Request{Op: OpReceipts})
	if err != nil {
		return
	}
	return res.Receipts, nil
}
