package node

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitledger/wallet"
	"github.com/vmihailenco/msgpack"
)

// SnapshotPrefix is prepended to snapshot names to form stream labels.
const SnapshotPrefix = "snapshot"

var (
	// ErrNotEmpty is returned by Restore on a ledger that has accounts.
	ErrNotEmpty = errors.New("ledger is not empty")
	// ErrSnapshotExists is returned by Snapshot for a name in use.
	ErrSnapshotExists = errors.New("snapshot exists")
)

// Snapshot is a full copy of the account map at one root.
type Snapshot struct {
	Root     string           `msgpack:"root"`
	Accounts []wallet.Account `msgpack:"accounts"`
}

// Snapshot stores the current account map as a chunked stream named
// name and returns the root it captured.  Names are not reused.
func (n *Node) Snapshot(name string) (root string, err error) {
	defer Return(&err)
	n.mu.Lock()
	defer n.mu.Unlock()
	unlock, err := n.Db.Lock()
	Ck(err)
	defer unlock()

	label := filepath.Join(SnapshotPrefix, name)
	if n.Db.StreamExists(label) {
		return "", ErrSnapshotExists
	}
	err = n.rollForward()
	Ck(err)
	fork, err := n.Store.Fork()
	Ck(err)
	accts, err := fork.Accounts()
	Ck(err)
	snap := &Snapshot{Root: fork.Root(), Accounts: accts}
	buf, err := msgpack.Marshal(snap)
	Ck(err)
	tree, err := n.Db.PutStream(n.Algo, bytes.NewReader(buf))
	Ck(err)
	_, err = tree.LinkStream(label)
	Ck(err)
	log.Debugf("snapshot %s: %d accounts at %s", name, len(accts), snap.Root)
	return snap.Root, nil
}

// OpenSnapshot returns a reader for the encoded snapshot called name,
// or ErrNotFound.
func (n *Node) OpenSnapshot(name string) (rd io.Reader, err error) {
	stream, err := n.Db.OpenStream(filepath.Join(SnapshotPrefix, name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return
	}
	return stream, nil
}

// Restore loads an encoded snapshot into an empty ledger.  The
// resulting root must match the one recorded in the snapshot.
func (n *Node) Restore(rd io.Reader) (root string, err error) {
	defer Return(&err)
	n.mu.Lock()
	defer n.mu.Unlock()

	buf, err := ioutil.ReadAll(rd)
	Ck(err)
	var snap Snapshot
	err = msgpack.Unmarshal(buf, &snap)
	if err != nil {
		return "", errors.Wrap(err, "decode snapshot")
	}
	seen := make(map[wallet.PublicKey]bool, len(snap.Accounts))
	for i, acct := range snap.Accounts {
		if acct.ID.IsZero() {
			return "", errors.Errorf("snapshot account %d has no id", i)
		}
		if seen[acct.ID] {
			return "", errors.Errorf("snapshot lists %s twice", acct.ID)
		}
		seen[acct.ID] = true
	}

	unlock, err := n.Db.Lock()
	Ck(err)
	defer unlock()
	err = n.rollForward()
	Ck(err)
	fork, err := n.Store.Fork()
	Ck(err)
	existing, err := fork.Accounts()
	Ck(err)
	if len(existing) > 0 {
		return "", ErrNotEmpty
	}
	for _, acct := range snap.Accounts {
		err = fork.Put(acct.ID, acct)
		Ck(err)
	}
	root, err = n.Store.Merge(fork)
	Ck(err)
	if snap.Root != root {
		return root, errors.Errorf("restored root %s, snapshot says %s", root, snap.Root)
	}
	if n.Index != nil {
		err = n.Index.Rebuild(context.Background(), root, snap.Accounts)
		Ck(err)
	}
	return
}
