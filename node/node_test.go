package node

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitledger/config"
	"github.com/t7a/pitledger/wallet"
	"github.com/vmihailenco/msgpack"
)

var (
	alice = wallet.PublicKey{0xa1}
	bob   = wallet.PublicKey{0xb0}
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func testConfig(t *testing.T) config.Config {
	var dir string
	var err error
	if os.Getenv("DEBUG") == "1" {
		dir, err = ioutil.TempDir("", "pitledger")
		Ck(err)
		t.Log(dir)
	} else {
		dir = t.TempDir()
	}
	cfg, err := config.LoadFrom(map[string]string{"PLDIR": dir})
	Ck(err)
	return cfg
}

func setup(t *testing.T) *Node {
	n, err := Create(testConfig(t))
	tassert(t, err == nil, "create: %v", err)
	t.Cleanup(func() { n.Close() })
	return n
}

func mustSubmit(t *testing.T, n *Node, caller wallet.PublicKey, tx wallet.Tx) *Receipt {
	t.Helper()
	rcpt, err := n.Submit(caller, tx)
	tassert(t, err == nil, "submit: %v", err)
	return rcpt
}

func TestSubmit(t *testing.T) {
	n := setup(t)
	empty, err := n.Root()
	tassert(t, err == nil, "%v", err)

	r := mustSubmit(t, n, alice, wallet.CreateAccount{Label: "Alice"})
	tassert(t, r.OK && r.Err() == nil, "create alice: %v", r.Err())
	tassert(t, r.Seq == 0, "seq %d", r.Seq)
	tassert(t, r.Root != empty, "root did not move")

	r = mustSubmit(t, n, bob, wallet.CreateAccount{Label: "Bob"})
	tassert(t, r.OK, "create bob: %v", r.Err())

	r = mustSubmit(t, n, alice, wallet.Transfer{To: bob, Amount: 30, Seed: 1})
	tassert(t, r.OK, "transfer: %v", r.Err())
	root := r.Root

	a, err := n.Account(alice)
	tassert(t, err == nil && a.Balance == 70, "alice %v %v", a, err)
	b, err := n.Account(bob)
	tassert(t, err == nil && b.Balance == 130, "bob %v %v", b, err)

	// rejected: root unchanged, receipt still journaled
	r = mustSubmit(t, n, alice, wallet.Transfer{To: bob, Amount: 1000})
	tassert(t, !r.OK && r.Code == wallet.InsufficientBalance, "expected InsufficientBalance, got %v", r.Err())
	tassert(t, r.Root == root, "rejected tx moved root")
	tassert(t, r.Seq == 3, "seq %d", r.Seq)
	now, err := n.Root()
	tassert(t, err == nil && now == root, "root %s", now)

	_, err = n.Account(wallet.PublicKey{0xee})
	tassert(t, err == ErrNotFound, "expected ErrNotFound, got %v", err)

	rcpts, err := n.Receipts()
	tassert(t, err == nil, "%v", err)
	tassert(t, len(rcpts) == 4, "receipts %d", len(rcpts))
	for i, rc := range rcpts {
		tassert(t, rc.Seq == uint64(i), "receipt %d seq %d", i, rc.Seq)
	}
	tx, err := rcpts[2].Tx()
	tassert(t, err == nil, "%v", err)
	tassert(t, tx == wallet.Transfer{To: bob, Amount: 30, Seed: 1}, "tx %#v", tx)

	err = n.Verify()
	tassert(t, err == nil, "verify: %v", err)
}

func TestSubmitMissingCaller(t *testing.T) {
	n := setup(t)
	_, err := n.Submit(wallet.PublicKey{}, wallet.CreateAccount{Label: "nobody"})
	tassert(t, err == wallet.ErrNoCaller, "expected ErrNoCaller, got %v", err)
	tassert(t, n.Journal.Len() == 0, "fault was journaled")
}

func TestSubmitOverflowIsFault(t *testing.T) {
	n := setup(t)
	mustSubmit(t, n, alice, wallet.CreateAccount{Label: "Alice"})
	mustSubmit(t, n, bob, wallet.CreateAccount{Label: "Bob"})

	// force bob to the edge behind the executor's back
	fork, err := n.Store.Fork()
	tassert(t, err == nil, "%v", err)
	Ck(fork.Put(bob, wallet.NewAccount(bob, "Bob", ^uint64(0))))
	before, err := n.Store.Merge(fork)
	tassert(t, err == nil, "%v", err)
	// journal it too, or the next submit rolls the store back to the
	// last journaled root
	Ck(n.Journal.Append(&Receipt{Caller: bob, Kind: wallet.KindCreateAccount, OK: true, Root: before}))

	_, err = n.Submit(alice, wallet.Transfer{To: bob, Amount: 1})
	tassert(t, err != nil, "overflow not reported")
	after, err := n.Root()
	tassert(t, err == nil && after == before, "fault changed state")
	a, err := n.Account(alice)
	tassert(t, err == nil && a.Balance == 100, "alice %v", a)
}

func TestSubmitEnvelope(t *testing.T) {
	n := setup(t)
	buf, err := wallet.Encode(alice, wallet.CreateAccount{Label: "Alice"})
	tassert(t, err == nil, "%v", err)
	r, err := n.SubmitEnvelope(buf)
	tassert(t, err == nil && r.OK, "%v %v", r, err)
	r, err = n.SubmitEnvelope(buf)
	tassert(t, err == nil && r.Code == wallet.AccountAlreadyExists, "%v %v", r, err)

	_, err = n.SubmitEnvelope([]byte{0xc1})
	tassert(t, err != nil, "garbage accepted")
}

func TestReopen(t *testing.T) {
	cfg := testConfig(t)
	n, err := Create(cfg)
	tassert(t, err == nil, "%v", err)
	mustSubmit(t, n, alice, wallet.CreateAccount{Label: "Alice"})
	mustSubmit(t, n, bob, wallet.CreateAccount{Label: "Bob"})
	root, err := n.Root()
	tassert(t, err == nil, "%v", err)
	n.Close()

	// drop the index; open rebuilds it
	files, err := filepath.Glob(cfg.IndexPath() + "*")
	Ck(err)
	for _, fn := range files {
		Ck(os.Remove(fn))
	}

	n, err = Open(cfg)
	tassert(t, err == nil, "%v", err)
	defer n.Close()
	got, err := n.Root()
	tassert(t, err == nil && got == root, "root %s", got)
	tassert(t, n.Journal.Len() == 2, "journal %d", n.Journal.Len())
	r := mustSubmit(t, n, alice, wallet.Transfer{To: bob, Amount: 5})
	tassert(t, r.Seq == 2 && r.OK, "receipt %v", r)

	rich, err := n.Richest(1)
	tassert(t, err == nil && len(rich) == 1 && rich[0].ID == bob, "richest %v %v", rich, err)
	ixroot, err := n.Index.Root(context.Background())
	tassert(t, err == nil && ixroot == r.Root, "index root %s", ixroot)
}

func TestRichestWithoutIndex(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index = "off"
	n, err := Create(cfg)
	tassert(t, err == nil, "%v", err)
	tassert(t, n.Index == nil, "index opened")
	mustSubmit(t, n, alice, wallet.CreateAccount{Label: "Alice"})
	mustSubmit(t, n, bob, wallet.CreateAccount{Label: "Bob"})
	mustSubmit(t, n, alice, wallet.Transfer{To: bob, Amount: 5})
	rich, err := n.Richest(5)
	tassert(t, err == nil && len(rich) == 2, "richest %v %v", rich, err)
	tassert(t, rich[0].ID == bob && rich[1].ID == alice, "order %v", rich)
}

func TestSnapshotRestore(t *testing.T) {
	n := setup(t)
	mustSubmit(t, n, alice, wallet.CreateAccount{Label: "Alice"})
	mustSubmit(t, n, bob, wallet.CreateAccount{Label: "Bob"})
	mustSubmit(t, n, alice, wallet.Transfer{To: bob, Amount: 12})
	root, err := n.Snapshot("first")
	tassert(t, err == nil, "snapshot: %v", err)
	now, _ := n.Root()
	tassert(t, root == now, "snapshot root %s, current %s", root, now)

	rd, err := n.OpenSnapshot("first")
	tassert(t, err == nil, "%v", err)

	other := setup(t)
	got, err := other.Restore(rd)
	tassert(t, err == nil, "restore: %v", err)
	tassert(t, got == root, "restored root %s, want %s", got, root)
	b, err := other.Account(bob)
	tassert(t, err == nil && b.Balance == 112, "bob %v %v", b, err)

	// not into a ledger that has accounts
	rd, err = n.OpenSnapshot("first")
	tassert(t, err == nil, "%v", err)
	_, err = n.Restore(rd)
	tassert(t, err == ErrNotEmpty, "expected ErrNotEmpty, got %v", err)

	_, err = n.Snapshot("first")
	tassert(t, err == ErrSnapshotExists, "expected ErrSnapshotExists, got %v", err)

	_, err = n.OpenSnapshot("nope")
	tassert(t, err == ErrNotFound, "expected ErrNotFound, got %v", err)
	tassert(t, n.Db.StreamExists(filepath.Join(SnapshotPrefix, "first")), "stream missing")
}

func TestWatch(t *testing.T) {
	n := setup(t)
	_, err := n.Root()
	tassert(t, err == nil, "%v", err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	roots, err := n.Watch(ctx)
	tassert(t, err == nil, "%v", err)
	r := mustSubmit(t, n, alice, wallet.CreateAccount{Label: "Alice"})
	select {
	case got := <-roots:
		tassert(t, got == r.Root, "expected %s got %s", r.Root, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no root change seen")
	}
}

func TestRestoreRejectsBadIDs(t *testing.T) {
	cases := []struct {
		name  string
		accts []wallet.Account
	}{
		{"zero", []wallet.Account{wallet.NewAccount(wallet.PublicKey{}, "nobody", 100)}},
		{"duplicate", []wallet.Account{
			wallet.NewAccount(alice, "Alice", 100),
			wallet.NewAccount(alice, "Alice again", 100),
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			n := setup(t)
			empty, err := n.Root()
			tassert(t, err == nil, "%v", err)
			buf, err := msgpack.Marshal(&Snapshot{Root: empty, Accounts: c.accts})
			Ck(err)
			_, err = n.Restore(bytes.NewReader(buf))
			tassert(t, err != nil, "restore accepted %v", c.accts)
			now, err := n.Root()
			tassert(t, err == nil && now == empty, "restore changed root to %s", now)
		})
	}
}

// Two nodes on one directory stand in for two processes.
func TestSharedDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index = "off"
	a, err := Create(cfg)
	tassert(t, err == nil, "%v", err)
	defer a.Close()
	b, err := Open(cfg)
	tassert(t, err == nil, "%v", err)
	defer b.Close()

	r := mustSubmit(t, a, alice, wallet.CreateAccount{Label: "Alice"})
	tassert(t, r.OK && r.Seq == 0, "receipt %v", r)
	r = mustSubmit(t, b, bob, wallet.CreateAccount{Label: "Bob"})
	tassert(t, r.OK && r.Seq == 1, "receipt %v", r)
	r = mustSubmit(t, a, alice, wallet.Transfer{To: bob, Amount: 10})
	tassert(t, r.OK && r.Seq == 2, "receipt %v", r)

	for _, n := range []*Node{a, b} {
		tassert(t, n.Journal.Len() == 3, "journal %d", n.Journal.Len())
		rcpts, err := n.Receipts()
		tassert(t, err == nil && len(rcpts) == 3, "receipts %v %v", rcpts, err)
		accts, err := n.Accounts()
		tassert(t, err == nil && len(accts) == 2, "accounts %v %v", accts, err)
		bb, err := n.Account(bob)
		tassert(t, err == nil && bb.Balance == 110, "bob %v %v", bb, err)
		err = n.Verify()
		tassert(t, err == nil, "verify: %v", err)
	}
}

func TestSharedDirectoryConcurrent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index = "off"
	a, err := Create(cfg)
	tassert(t, err == nil, "%v", err)
	defer a.Close()
	b, err := Open(cfg)
	tassert(t, err == nil, "%v", err)
	defer b.Close()
	mustSubmit(t, a, alice, wallet.CreateAccount{Label: "Alice"})
	mustSubmit(t, b, bob, wallet.CreateAccount{Label: "Bob"})

	var wg sync.WaitGroup
	for _, n := range []*Node{a, b} {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := n.Submit(alice, wallet.Transfer{To: bob, Amount: 1, Seed: uint64(i)})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(n)
	}
	wg.Wait()

	rcpts, err := a.Receipts()
	tassert(t, err == nil && len(rcpts) == 22, "receipts %d %v", len(rcpts), err)
	bb, err := a.Account(bob)
	tassert(t, err == nil && bb.Balance == 120, "bob %v %v", bb, err)
	err = b.Verify()
	tassert(t, err == nil, "verify: %v", err)
}

func TestJournalFailureCommitsNothing(t *testing.T) {
	n := setup(t)
	mustSubmit(t, n, alice, wallet.CreateAccount{Label: "Alice"})
	before, err := n.Root()
	tassert(t, err == nil, "%v", err)

	// the store keeps working; only the journal's writes fail
	n.Journal.Algo = "bogus"
	_, err = n.Submit(bob, wallet.CreateAccount{Label: "Bob"})
	tassert(t, err != nil, "journal failure not reported")
	after, err := n.Root()
	tassert(t, err == nil && after == before, "state moved to %s without a receipt", after)
	_, err = n.Account(bob)
	tassert(t, err == ErrNotFound, "bob visible: %v", err)

	n.Journal.Algo = n.Algo
	r := mustSubmit(t, n, bob, wallet.CreateAccount{Label: "Bob"})
	tassert(t, r.OK && r.Seq == 1, "receipt %v", r)
	err = n.Verify()
	tassert(t, err == nil, "verify: %v", err)
}

func TestRollForward(t *testing.T) {
	cfg := testConfig(t)
	n, err := Create(cfg)
	tassert(t, err == nil, "%v", err)
	empty, err := n.Root()
	tassert(t, err == nil, "%v", err)
	r := mustSubmit(t, n, alice, wallet.CreateAccount{Label: "Alice"})
	committed := r.Root

	// as if the process died after journaling but before publishing
	Ck(n.Store.Relink(empty))
	n.Close()

	n, err = Open(cfg)
	tassert(t, err == nil, "%v", err)
	defer n.Close()
	got, err := n.Root()
	tassert(t, err == nil && got == committed, "root %s, want %s", got, committed)

	// and the same on the next submit without a reopen
	Ck(n.Store.Relink(empty))
	r = mustSubmit(t, n, bob, wallet.CreateAccount{Label: "Bob"})
	tassert(t, r.OK && r.Seq == 1, "receipt %v", r)
	a, err := n.Account(alice)
	tassert(t, err == nil && a.Balance == 100, "alice %v %v", a, err)
	err = n.Verify()
	tassert(t, err == nil, "verify: %v", err)
}

// The scenarios from the ledger's documented behaviour, run end to
// end.  After every step balances add up and the index matches the
// store.
func TestScenarios(t *testing.T) {
	carol := wallet.PublicKey{0xc3}
	type step struct {
		caller wallet.PublicKey
		tx     wallet.Tx
		ok     bool
		code   wallet.Code
	}
	cases := []struct {
		name     string
		steps    []step
		balances map[wallet.PublicKey]uint64
	}{
		{"create and transfer", []step{
			{alice, wallet.CreateAccount{Label: "Alice"}, true, 0},
			{bob, wallet.CreateAccount{Label: "Bob"}, true, 0},
			{alice, wallet.Transfer{To: bob, Amount: 30}, true, 0},
		}, map[wallet.PublicKey]uint64{alice: 70, bob: 130}},
		{"duplicate create", []step{
			{alice, wallet.CreateAccount{Label: "Alice"}, true, 0},
			{alice, wallet.CreateAccount{Label: "Alice again"}, false, wallet.AccountAlreadyExists},
		}, map[wallet.PublicKey]uint64{alice: 100}},
		{"missing parties", []step{
			{alice, wallet.Transfer{To: bob, Amount: 1}, false, wallet.SenderNotFound},
			{alice, wallet.CreateAccount{Label: "Alice"}, true, 0},
			{alice, wallet.Transfer{To: bob, Amount: 1}, false, wallet.ReceiverNotFound},
		}, map[wallet.PublicKey]uint64{alice: 100}},
		{"insufficient balance", []step{
			{alice, wallet.CreateAccount{Label: "Alice"}, true, 0},
			{bob, wallet.CreateAccount{Label: "Bob"}, true, 0},
			{alice, wallet.Transfer{To: bob, Amount: 101}, false, wallet.InsufficientBalance},
			{alice, wallet.Transfer{To: bob, Amount: 100}, true, 0},
		}, map[wallet.PublicKey]uint64{alice: 0, bob: 200}},
		{"self transfer checked first", []step{
			{carol, wallet.Transfer{To: carol, Amount: 1000}, false, wallet.SenderIsReceiver},
			{carol, wallet.CreateAccount{Label: "Carol"}, true, 0},
			{carol, wallet.Transfer{To: carol, Amount: 1}, false, wallet.SenderIsReceiver},
		}, map[wallet.PublicKey]uint64{carol: 100}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			n := setup(t)
			tassert(t, n.Index != nil, "no index")
			ctx := context.Background()
			for i, s := range c.steps {
				r := mustSubmit(t, n, s.caller, s.tx)
				tassert(t, r.Seq == uint64(i), "step %d: seq %d", i, r.Seq)
				tassert(t, r.OK == s.ok, "step %d: ok %v, rejection %v", i, r.OK, r.Err())
				if !s.ok {
					tassert(t, r.Code == s.code, "step %d: got %v, want %v", i, r.Code, s.code)
				}

				root, err := n.Root()
				tassert(t, err == nil && root == r.Root, "step %d: root %s, receipt %s", i, root, r.Root)
				ixroot, err := n.Index.Root(ctx)
				tassert(t, err == nil && ixroot == root, "step %d: index at %s, store at %s", i, ixroot, root)
				accts, err := n.Accounts()
				tassert(t, err == nil, "%v", err)
				var sum uint64
				for _, acct := range accts {
					sum += acct.Balance
				}
				tassert(t, sum == uint64(len(accts))*wallet.InitialBalance, "step %d: %d accounts sum to %d", i, len(accts), sum)
				err = n.Verify()
				tassert(t, err == nil, "step %d: verify: %v", i, err)
			}
			for id, want := range c.balances {
				acct, err := n.Account(id)
				tassert(t, err == nil && acct.Balance == want, "%s: %v %v, want %d", id, acct, err, want)
			}
			rcpts, err := n.Receipts()
			tassert(t, err == nil && len(rcpts) == len(c.steps), "receipts %d %v", len(rcpts), err)
		})
	}
}

func TestIndexedReads(t *testing.T) {
	n := setup(t)
	mustSubmit(t, n, alice, wallet.CreateAccount{Label: "Alice"})
	mustSubmit(t, n, bob, wallet.CreateAccount{Label: "Bob"})
	ctx := context.Background()
	tassert(t, n.current(ctx), "index not current")

	a, err := n.Account(alice)
	tassert(t, err == nil && a.Label == "Alice", "alice %v %v", a, err)
	_, err = n.Account(wallet.PublicKey{0xee})
	tassert(t, err == ErrNotFound, "expected ErrNotFound, got %v", err)
	accts, err := n.Accounts()
	tassert(t, err == nil && len(accts) == 2 && accts[0].ID == alice, "accounts %v %v", accts, err)

	// a stale index is bypassed
	Ck(n.Index.Rebuild(ctx, "stale", nil))
	tassert(t, !n.current(ctx), "stale index reported current")
	accts, err = n.Accounts()
	tassert(t, err == nil && len(accts) == 2, "accounts %v %v", accts, err)
	err = n.Verify()
	tassert(t, err != nil, "verify passed with a stale index")

	head, err := n.Head()
	tassert(t, err == nil && head != "", "head %q %v", head, err)
	r := mustSubmit(t, n, alice, wallet.Transfer{To: bob, Amount: 1})
	head2, err := n.Head()
	tassert(t, err == nil && head2 != head, "head did not move")
	tassert(t, r.Seq == 2, "seq %d", r.Seq)
	// the submit resynced the index
	tassert(t, n.current(ctx), "index not current after submit")
}
