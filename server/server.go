// Package server exposes a ledger on a UNIX domain socket.  Each
// request and response is a single msgpack frame; a connection
// carries any number of them in turn.
package server

import (
	"io"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitledger/node"
	"github.com/t7a/pitledger/wallet"
	"github.com/vmihailenco/msgpack"
)

// Ledger is what the server serves and what the client offers.
type Ledger interface {
	Submit(caller wallet.PublicKey, tx wallet.Tx) (*node.Receipt, error)
	Account(id wallet.PublicKey) (wallet.Account, error)
	Accounts() ([]wallet.Account, error)
	Richest(n int) ([]wallet.Account, error)
	Root() (string, error)
	Head() (string, error)
	Receipts() ([]node.Receipt, error)
	Close() error
}

var _ Ledger = (*node.Node)(nil)

type Server struct {
	Ledger Ledger
	dp     *Dispatcher

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]bool
	wg       sync.WaitGroup
}

func New(l Ledger) *Server {
	s := &Server{Ledger: l, dp: NewDispatcher(), conns: make(map[net.Conn]bool)}
	register(s.dp, l)
	return s
}

// Serve listens on the socket at fn and handles connections in the
// background until Close.  A leftover socket file from a dead server
// is removed first.
func (s *Server) Serve(fn string) (err error) {
	defer Return(&err)

	if _, err := os.Lstat(fn); err == nil {
		conn, err := net.Dial("unix", fn)
		if err == nil {
			conn.Close()
			return errors.Errorf("%s: already serving", fn)
		}
		err = os.Remove(fn)
		Ck(err)
	}
	listener, err := net.Listen("unix", fn)
	Ck(err)
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				// listener closed
				log.Debugf("accept: %v", err)
				return
			}
			s.mu.Lock()
			if s.listener == nil {
				// closed while accepting
				s.mu.Unlock()
				conn.Close()
				return
			}
			s.conns[conn] = true
			s.wg.Add(1)
			s.mu.Unlock()
			go s.handle(conn)
		}
	}()
	log.Debugf("serving on %s", fn)
	return
}

// handle a single connection from a client
func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	dec := msgpack.NewDecoder(conn)
	enc := msgpack.NewEncoder(conn)
	for {
		var req Request
		err := dec.Decode(&req)
		if errors.Cause(err) == io.EOF {
			return
		}
		if err != nil {
			log.Debugf("decode: %v", err)
			return
		}
		res := s.dp.Dispatch(&req)
		err = enc.Encode(res)
		if err != nil {
			log.Debugf("encode: %v", err)
			return
		}
	}
}

// Close stops accepting, drops open connections, and waits for the
// handlers to finish.  It doesn't close the ledger.
func (s *Server) Close() (err error) {
	s.mu.Lock()
	if s.listener != nil {
		err = s.listener.Close()
		s.listener = nil
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return
}
