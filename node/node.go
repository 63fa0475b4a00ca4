// Package node runs the ledger: it serializes submissions, executes
// each one against a fork of the account store, commits successful
// ones atomically, and journals every outcome.
package node

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitledger/config"
	"github.com/t7a/pitledger/db"
	"github.com/t7a/pitledger/index"
	"github.com/t7a/pitledger/state"
	"github.com/t7a/pitledger/wallet"
	"github.com/vmihailenco/msgpack"
)

// ErrNotFound is returned by queries for an unknown account.
var ErrNotFound = errors.New("account not found")

type Node struct {
	Db      *db.Db
	Algo    string
	Store   *state.Merkle
	Journal *Journal
	Index   *index.Index // optional

	exec *wallet.Executor
	mu   sync.Mutex
}

// Create initializes an empty ledger in cfg.Dir and opens it.
func Create(cfg config.Config) (n *Node, err error) {
	_, err = db.Db{Dir: cfg.Dir, Depth: cfg.Depth}.Create()
	if err != nil {
		return
	}
	return Open(cfg)
}

// Open opens the ledger in cfg.Dir.
func Open(cfg config.Config) (n *Node, err error) {
	d, err := db.Open(cfg.Dir)
	if err != nil {
		return
	}
	var ix *index.Index
	if path := cfg.IndexPath(); path != "" {
		ix, err = index.Open(path)
		if err != nil {
			return
		}
	}
	n, err = New(d, cfg.Algo, ix)
	if err != nil && ix != nil {
		ix.Close()
	}
	return
}

// New assembles a node from an open db.  ix may be nil.
func New(d *db.Db, algo string, ix *index.Index) (n *Node, err error) {
	defer Return(&err)
	n = &Node{
		Db:    d,
		Algo:  algo,
		Store: state.NewMerkle(d, algo),
		Index: ix,
		exec:  wallet.NewExecutor(),
	}
	n.Journal, err = OpenJournal(d, algo)
	Ck(err)
	unlock, err := d.Lock()
	Ck(err)
	defer unlock()
	err = n.rollForward()
	Ck(err)
	err = n.syncIndex()
	Ck(err)
	return
}

func (n *Node) Close() error {
	return n.Index.Close()
}

// rollForward finishes a commit that was journaled but never
// published, which happens if a process dies between the two steps.
// Callers hold Db.Lock.
func (n *Node) rollForward() (err error) {
	defer Return(&err)
	last, err := n.Journal.Last()
	Ck(err)
	if last == nil || !last.OK {
		return
	}
	root, err := n.Store.Root()
	Ck(err)
	if root == last.Root {
		return
	}
	log.Warnf("seq %d: rolling %s forward to %s", last.Seq, root, last.Root)
	return n.Store.Relink(last.Root)
}

// syncIndex rebuilds the index if it doesn't reflect the current root.
func (n *Node) syncIndex() (err error) {
	if n.Index == nil {
		return
	}
	ctx := context.Background()
	ixroot, err := n.Index.Root(ctx)
	if err != nil {
		return
	}
	fork, err := n.Store.Fork()
	if err != nil {
		return
	}
	if ixroot == fork.Root() {
		return
	}
	accts, err := fork.Accounts()
	if err != nil {
		return
	}
	log.Debugf("rebuilding index at %s", fork.Root())
	return n.Index.Rebuild(ctx, fork.Root(), accts)
}

// current reports whether the index reflects the store's root.
func (n *Node) current(ctx context.Context) bool {
	if n.Index == nil {
		return false
	}
	ixroot, err := n.Index.Root(ctx)
	if err != nil {
		log.Errorf("index: %v", err)
		return false
	}
	root, err := n.Store.Root()
	if err != nil {
		return false
	}
	return ixroot == root
}

// Submit executes tx on behalf of caller.  A rejected transaction is
// not an error: it comes back as a receipt whose Err() is set.  err
// is reserved for faults, after which nothing was committed for this
// submission.
func (n *Node) Submit(caller wallet.PublicKey, tx wallet.Tx) (rcpt *Receipt, err error) {
	payload, err := encodeTx(tx)
	if err != nil {
		return
	}
	return n.submit(caller, tx.Kind(), payload, tx)
}

// SubmitEnvelope decodes and submits a wallet.Envelope.
func (n *Node) SubmitEnvelope(buf []byte) (rcpt *Receipt, err error) {
	var env wallet.Envelope
	err = msgpack.Unmarshal(buf, &env)
	if err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	tx, err := env.Tx()
	if err != nil {
		return
	}
	return n.submit(env.Caller, env.Kind, env.Payload, tx)
}

func (n *Node) submit(caller wallet.PublicKey, kind wallet.Kind, payload []byte, tx wallet.Tx) (rcpt *Receipt, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if caller.IsZero() {
		return nil, wallet.ErrNoCaller
	}

	unlock, err := n.Db.Lock()
	if err != nil {
		return
	}
	defer unlock()
	err = n.rollForward()
	if err != nil {
		return nil, errors.Wrap(err, "roll forward")
	}

	fork, err := n.Store.Fork()
	if err != nil {
		return
	}
	base := fork.Root()
	txerr, err := n.execute(fork, caller, tx)
	if err != nil {
		log.Errorf("%s from %s: %v", kind, caller, err)
		return nil, err
	}

	rcpt = &Receipt{Caller: caller, Kind: kind, Payload: payload, OK: txerr == nil, Root: base}
	var staged *state.Staged
	var changes []wallet.Account
	if txerr != nil {
		rcpt.Code = txerr.Code
		log.Debugf("%s from %s rejected: %v", kind, caller, txerr)
	} else {
		changes = fork.Changes()
		staged, err = n.Store.Stage(fork)
		if err != nil {
			return nil, errors.Wrap(err, "stage")
		}
		rcpt.Root = staged.Root()
	}

	// the journal entry is the commit point
	err = n.Journal.Append(rcpt)
	if err != nil {
		return nil, errors.Wrap(err, "journal")
	}
	if staged == nil {
		return
	}
	err = n.Store.Commit(staged)
	if err != nil {
		// journaled but not published; rollForward finishes it
		log.Errorf("seq %d: publish %s: %v", rcpt.Seq, rcpt.Root, err)
		return rcpt, nil
	}

	if n.Index != nil {
		// the index is derived; a failure here is repaired by the
		// next syncIndex
		ctx := context.Background()
		ixroot, ixerr := n.Index.Root(ctx)
		if ixerr == nil {
			if ixroot == base {
				ixerr = n.Index.Apply(ctx, rcpt.Root, changes)
			} else {
				ixerr = n.syncIndex()
			}
		}
		if ixerr != nil {
			log.Errorf("index: %v", ixerr)
		}
	}
	return
}

// execute turns invariant violations inside the executor into a
// fault for this submission only.
func (n *Node) execute(fork *state.Fork, caller wallet.PublicKey, tx wallet.Tx) (txerr *wallet.Error, err error) {
	defer Return(&err)
	return n.exec.Execute(fork, caller, tx)
}

// Account returns the current record for id.  It reads the index
// when the index is current and the store otherwise.
func (n *Node) Account(id wallet.PublicKey) (acct wallet.Account, err error) {
	ctx := context.Background()
	if n.current(ctx) {
		acct, err = n.Index.Account(ctx, id)
		if err == index.ErrNotFound {
			return acct, ErrNotFound
		}
		return
	}
	fork, err := n.Store.Fork()
	if err != nil {
		return
	}
	acct, ok, err := fork.Get(id)
	if err != nil {
		return
	}
	if !ok {
		return acct, ErrNotFound
	}
	return
}

// Accounts returns every account ordered by id.
func (n *Node) Accounts() (accts []wallet.Account, err error) {
	ctx := context.Background()
	if n.current(ctx) {
		return n.Index.Accounts(ctx, 0, 0)
	}
	fork, err := n.Store.Fork()
	if err != nil {
		return
	}
	return fork.Accounts()
}

// Richest returns the k accounts with the highest balances.  It uses
// the index when it is current.
func (n *Node) Richest(k int) (accts []wallet.Account, err error) {
	ctx := context.Background()
	if n.current(ctx) {
		return n.Index.Richest(ctx, k)
	}
	accts, err = n.Accounts()
	if err != nil {
		return
	}
	sort.SliceStable(accts, func(i, j int) bool {
		return accts[i].Balance > accts[j].Balance
	})
	if k < len(accts) {
		accts = accts[:k]
	}
	return
}

// Root returns the current state root.
func (n *Node) Root() (string, error) {
	return n.Store.Root()
}

// Receipts returns the journal.
func (n *Node) Receipts() ([]Receipt, error) {
	return n.Journal.Receipts()
}

// Head returns the journal's head tree, which authenticates every
// receipt.
func (n *Node) Head() (string, error) {
	return n.Journal.Head()
}

// Verify checks the hashes of the account map and the journal, that
// the balances add up, and that the index agrees with the store.
func (n *Node) Verify() (err error) {
	defer Return(&err)
	err = n.Store.Verify()
	if err != nil {
		return errors.Wrap(err, "accounts")
	}
	err = n.Journal.Verify()
	if err != nil {
		return errors.Wrap(err, "journal")
	}

	fork, err := n.Store.Fork()
	Ck(err)
	accts, err := fork.Accounts()
	Ck(err)
	var sum uint64
	for _, acct := range accts {
		sum += acct.Balance
	}
	want := uint64(len(accts)) * wallet.InitialBalance
	if sum != want {
		return errors.Errorf("balances sum to %d, want %d", sum, want)
	}

	if n.Index == nil {
		return
	}
	ctx := context.Background()
	ixroot, err := n.Index.Root(ctx)
	Ck(err)
	if ixroot != fork.Root() {
		return errors.Errorf("index at %s, store at %s", ixroot, fork.Root())
	}
	count, ixsum, err := n.Index.Total(ctx)
	Ck(err)
	if count != len(accts) || ixsum != sum {
		return errors.Errorf("index has %d accounts totalling %d, store has %d totalling %d", count, ixsum, len(accts), sum)
	}
	return
}

// Watch reports state root changes, including those made by other
// processes sharing the directory.
func (n *Node) Watch(ctx context.Context) (<-chan string, error) {
	return state.Watch(ctx, n.Db, state.AccountsLabel)
}
