package node

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitledger/db"
	"github.com/vmihailenco/msgpack"
)

// JournalLabel is the stream holding receipts.
const JournalLabel = "journal"

// Journal is an append-only list of receipts kept as a hash chain:
// each append makes a new root tree whose children are the previous
// root and the new receipt block.
type Journal struct {
	Db    *db.Db
	Algo  string
	Label string

	mu     sync.Mutex
	stream *db.Stream
	count  uint64
}

func OpenJournal(d *db.Db, algo string) (j *Journal, err error) {
	j = &Journal{Db: d, Algo: algo, Label: JournalLabel}
	err = j.refresh()
	if err != nil {
		return nil, err
	}
	log.Debugf("journal has %d receipts", j.count)
	return
}

// refresh picks up appends made through other Journals on the same
// directory.  The leaf count is only recomputed when the head moved.
// Callers hold j.mu.
func (j *Journal) refresh() (err error) {
	defer Return(&err)
	stream, err := j.Db.OpenStream(j.Label)
	if os.IsNotExist(err) {
		j.stream = nil
		j.count = 0
		return nil
	}
	Ck(err)
	if j.stream != nil && j.stream.RootNode.Path.Canon == stream.RootNode.Path.Canon {
		return
	}
	leaves, err := stream.Ls(false)
	Ck(err)
	j.stream = stream
	j.count = uint64(len(leaves))
	return
}

// Len returns the number of receipts.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.refresh()
	if err != nil {
		log.Errorf("journal: %v", err)
	}
	return j.count
}

// Append assigns the next sequence number to r and stores it.  When
// other processes share the directory the caller must hold Db.Lock.
func (j *Journal) Append(r *Receipt) (err error) {
	defer Return(&err)
	j.mu.Lock()
	defer j.mu.Unlock()

	err = j.refresh()
	Ck(err)
	seq := j.count
	r.Seq = seq
	buf, err := msgpack.Marshal(r)
	Ck(err)
	if j.stream == nil {
		block, err := j.Db.PutBlock(j.Algo, buf)
		Ck(err)
		tree, err := j.Db.PutTree(j.Algo, block)
		Ck(err)
		_, err = tree.LinkStream(j.Label)
		Ck(err)
	} else {
		_, err = j.stream.AppendBlock(j.Algo, buf)
		Ck(err)
	}
	// reopen rather than keep the in-memory chain, which would grow
	// with every append
	j.stream, err = j.Db.OpenStream(j.Label)
	Ck(err)
	j.count = seq + 1
	return
}

// Receipts returns every receipt in order.
func (j *Journal) Receipts() (rcpts []Receipt, err error) {
	defer Return(&err)
	j.mu.Lock()
	defer j.mu.Unlock()
	err = j.refresh()
	Ck(err)
	if j.stream == nil {
		return
	}
	leaves, err := j.stream.Ls(false)
	Ck(err)
	for _, leaf := range leaves {
		r, err := j.decode(leaf)
		Ck(err)
		rcpts = append(rcpts, *r)
	}
	return
}

// Last returns the newest receipt, or nil if the journal is empty.
// It reads only the head of the chain.
func (j *Journal) Last() (r *Receipt, err error) {
	defer Return(&err)
	j.mu.Lock()
	defer j.mu.Unlock()
	err = j.refresh()
	Ck(err)
	if j.stream == nil {
		return
	}
	entries, err := j.stream.RootNode.Entries()
	Ck(err)
	Assert(len(entries) > 0, "empty journal head %s", j.stream.RootNode.Path.Canon)
	return j.decode(entries[len(entries)-1])
}

func (j *Journal) decode(obj db.Object) (r *Receipt, err error) {
	buf, err := j.Db.GetBlock(obj.GetPath())
	if err != nil {
		return
	}
	r = &Receipt{}
	err = msgpack.Unmarshal(buf, r)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", obj.GetPath().Canon)
	}
	return
}

// Head returns the canpath of the journal's root tree, or "" if it
// is empty.
func (j *Journal) Head() (head string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	err = j.refresh()
	if err != nil || j.stream == nil {
		return
	}
	return j.stream.RootNode.Path.Canon, nil
}

// Verify rehashes the whole chain and checks sequence numbers.
func (j *Journal) Verify() (err error) {
	defer Return(&err)
	j.mu.Lock()
	err = j.refresh()
	stream := j.stream
	j.mu.Unlock()
	Ck(err)
	if stream == nil {
		return
	}
	ok, err := stream.RootNode.Verify()
	Ck(err)
	if !ok {
		return errors.Errorf("journal hash mismatch under %s", stream.RootNode.Path.Canon)
	}
	rcpts, err := j.Receipts()
	Ck(err)
	for i, r := range rcpts {
		if r.Seq != uint64(i) {
			return errors.Errorf("journal entry %d has seq %d", i, r.Seq)
		}
	}
	return
}
