package state

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitledger/db"
	"github.com/t7a/pitledger/wallet"
	"github.com/vmihailenco/msgpack"
)

// AccountsLabel is the stream holding the current account map.
const AccountsLabel = "accounts"

// Merkle is a Store kept in a db.  Each account is a msgpack block;
// the root is a single tree listing every account block in ID order,
// and the accounts stream points at it.  Equal account maps therefore
// have equal roots, and the root authenticates the whole map.
//
// The mutex only covers this process.  Processes sharing the
// directory serialize Stage and Commit with Db.Lock.
type Merkle struct {
	Db    *db.Db
	Algo  string
	Label string

	mu  sync.Mutex
	cur *snapshot
}

type snapshot struct {
	root   string
	accts  map[wallet.PublicKey]wallet.Account
	blocks map[wallet.PublicKey]db.Object
}

func NewMerkle(d *db.Db, algo string) *Merkle {
	return &Merkle{Db: d, Algo: algo, Label: AccountsLabel}
}

func (m *Merkle) Root() (root string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, err := m.load()
	if err != nil {
		return
	}
	return snap.root, nil
}

func (m *Merkle) Fork() (fork *Fork, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, err := m.load()
	if err != nil {
		return
	}
	// snapshots are replaced, never modified, so the fork can share
	// the map
	return newFork(snap.root, snap.accts), nil
}

// Staged is a merged account map whose blocks and root tree are in
// the db but not yet published through the accounts stream.
type Staged struct {
	base string
	snap *snapshot
	tree *db.Tree
}

// Root returns the root the staged map will have once committed.
func (st *Staged) Root() string {
	return st.snap.root
}

// Merge stages the fork's changed accounts and commits them in one
// step.
func (m *Merkle) Merge(fork *Fork) (root string, err error) {
	st, err := m.Stage(fork)
	if err != nil {
		return
	}
	err = m.Commit(st)
	if err != nil {
		return
	}
	return st.Root(), nil
}

// Stage writes the fork's changed accounts and a new root tree
// without relinking the accounts stream.  Objects from a stage that
// is never committed are unreferenced and harmless.
func (m *Merkle) Stage(fork *Fork) (st *Staged, err error) {
	defer Return(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.load()
	Ck(err)
	changes := fork.Changes()
	if len(changes) == 0 {
		return &Staged{base: cur.root, snap: cur}, nil
	}
	if fork.root != cur.root {
		return nil, ErrStale
	}

	next := &snapshot{
		accts:  make(map[wallet.PublicKey]wallet.Account, len(cur.accts)+len(changes)),
		blocks: make(map[wallet.PublicKey]db.Object, len(cur.blocks)+len(changes)),
	}
	for id, acct := range cur.accts {
		next.accts[id] = acct
		next.blocks[id] = cur.blocks[id]
	}
	for _, acct := range changes {
		buf, err := msgpack.Marshal(&acct)
		Ck(err)
		block, err := m.Db.PutBlock(m.Algo, buf)
		Ck(err)
		next.accts[acct.ID] = acct
		next.blocks[acct.ID] = block
	}

	tree, err := m.Db.PutTree(m.Algo, next.ordered()...)
	Ck(err)
	next.root = tree.Path.Canon
	fork.Discard()
	log.Debugf("staged %d accounts, root %s", len(changes), next.root)
	return &Staged{base: cur.root, snap: next, tree: tree}, nil
}

// Commit publishes st by relinking the accounts stream.  It fails
// with ErrStale if the root moved since st was staged.
func (m *Merkle) Commit(st *Staged) (err error) {
	defer Return(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	if st.tree == nil {
		// nothing changed
		return
	}
	cur, err := m.load()
	Ck(err)
	if cur.root == st.snap.root {
		return
	}
	if cur.root != st.base {
		return ErrStale
	}
	_, err = st.tree.LinkStream(m.Label)
	Ck(err)
	m.cur = st.snap
	log.Debugf("committed root %s", st.snap.root)
	return
}

// Relink points the accounts stream at root, which must be a tree
// already in the db.
func (m *Merkle) Relink(root string) (err error) {
	defer Return(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := db.Path{}.New(m.Db, root)
	Ck(err)
	tree, err := m.Db.GetTree(path)
	Ck(err)
	_, err = tree.LinkStream(m.Label)
	Ck(err)
	m.cur = nil
	log.Debugf("relinked %s to %s", m.Label, root)
	return
}

// Verify rehashes everything reachable from the current root and
// checks that the account blocks decode in strictly increasing ID
// order.
func (m *Merkle) Verify() (err error) {
	defer Return(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, err := m.stream()
	Ck(err)
	ok, err := stream.RootNode.Verify()
	Ck(err)
	if !ok {
		return errors.Errorf("hash mismatch under %s", stream.RootNode.Path.Canon)
	}
	entries, err := stream.RootNode.Entries()
	Ck(err)
	var prev *wallet.PublicKey
	for _, entry := range entries {
		acct, err := m.decode(entry)
		Ck(err)
		if prev != nil && !prev.Less(acct.ID) {
			return errors.Errorf("%s out of order after %s", acct.ID, *prev)
		}
		id := acct.ID
		prev = &id
	}
	return
}

// stream opens the accounts stream, creating an empty one first if
// needed.
func (m *Merkle) stream() (stream *db.Stream, err error) {
	stream, err = m.Db.OpenStream(m.Label)
	if !os.IsNotExist(err) {
		return
	}
	tree, err := m.Db.PutTree(m.Algo)
	if err != nil {
		return
	}
	_, err = tree.LinkStream(m.Label)
	if err != nil {
		return
	}
	return m.Db.OpenStream(m.Label)
}

// load returns the snapshot at the current root, reading account
// blocks only if the root moved since the last call.
func (m *Merkle) load() (snap *snapshot, err error) {
	defer Return(&err)
	stream, err := m.stream()
	Ck(err)
	root := stream.RootNode.Path.Canon
	if m.cur != nil && m.cur.root == root {
		return m.cur, nil
	}

	entries, err := stream.RootNode.Entries()
	Ck(err)
	snap = &snapshot{
		root:   root,
		accts:  make(map[wallet.PublicKey]wallet.Account, len(entries)),
		blocks: make(map[wallet.PublicKey]db.Object, len(entries)),
	}
	for _, entry := range entries {
		acct, err := m.decode(entry)
		Ck(err)
		snap.accts[acct.ID] = acct
		snap.blocks[acct.ID] = entry
	}
	log.Debugf("loaded %d accounts at %s", len(entries), root)
	m.cur = snap
	return
}

func (m *Merkle) decode(obj db.Object) (acct wallet.Account, err error) {
	buf, err := m.Db.GetBlock(obj.GetPath())
	if err != nil {
		return
	}
	err = msgpack.Unmarshal(buf, &acct)
	if err != nil {
		err = errors.Wrapf(err, "decode %s", obj.GetPath().Canon)
	}
	return
}

func (s *snapshot) ordered() (objs []db.Object) {
	accts := make([]wallet.Account, 0, len(s.accts))
	for _, acct := range s.accts {
		accts = append(accts, acct)
	}
	sortAccounts(accts)
	for _, acct := range accts {
		objs = append(objs, s.blocks[acct.ID])
	}
	return
}

var _ Store = (*Merkle)(nil)
