package db

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	resticRabin "github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// Db is a content-addressable store. Dir is the base directory. Depth
// is the number of subdirectory levels in the block and tree dirs.  We
// use three-character hexadecimal names for the subdirectories, giving
// us a maximum of 4096 subdirs in a parent dir.
type Db struct {
	Dir     string          // base of tree
	Depth   int             // number of subdir levels in block and tree dirs
	Poly    resticRabin.Pol // rabin polynomial for chunking
	MinSize uint            // minimum chunk size
	MaxSize uint            // maximum chunk size
}

const (
	configName = "config.json"
	lockName   = ".lock"
)

// Open loads an existing db from dir.
func Open(dir string) (db *Db, err error) {
	dir, err = filepath.Abs(dir)
	if err != nil {
		return
	}
	if !canstat(dir) {
		return nil, fmt.Errorf("cannot open: %s", dir)
	}
	buf, err := ioutil.ReadFile(filepath.Join(dir, configName))
	if err != nil {
		return nil, &NotDbError{Dir: dir}
	}
	db = &Db{}
	err = json.Unmarshal(buf, db)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", filepath.Join(dir, configName))
	}
	// the db may have been moved since it was created
	db.Dir = dir
	return
}

// Create initializes a db directory and its contents.  An existing
// directory must be empty.
func (db Db) Create() (out *Db, err error) {
	defer Return(&err)

	db.Dir, err = filepath.Abs(db.Dir)
	Ck(err)
	dir := db.Dir

	if canstat(dir) {
		files, err := ioutil.ReadDir(dir)
		Ck(err)
		if len(files) > 0 {
			return nil, &ExistsError{Dir: dir}
		}
	}

	if db.Depth < 1 {
		db.Depth = 2
	}

	for _, sub := range []string{"", "block", "tree", "stream"} {
		err = mkdir(filepath.Join(dir, sub))
		Ck(err)
	}

	if db.Poly == 0 {
		db.Poly, err = resticRabin.RandomPolynomial()
		Ck(err)
	}

	buf, err := json.Marshal(db)
	Ck(err)
	err = ioutil.WriteFile(filepath.Join(dir, configName), buf, 0644)
	Ck(err)

	return &db, nil
}

type NotDbError struct {
	Dir string
}

func (e *NotDbError) Error() string {
	return fmt.Sprintf("not a database: %s", e.Dir)
}

type ExistsError struct {
	Dir string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Dir)
}

// ObjectFromPath returns a block or tree for an existing path.
func (db *Db) ObjectFromPath(path *Path) (obj Object, err error) {
	defer Return(&err)
	file, err := OpenWORM(db, path)
	Ck(err)
	switch path.Class {
	case "block":
		return Block{}.New(db, file), nil
	case "tree":
		return Tree{}.New(db, file), nil
	default:
		ErrnoIf(true, syscall.EINVAL, "unhandled class %s", path.Class)
	}
	return
}

// GetBlock retrieves an entire block.
func (db *Db) GetBlock(path *Path) (buf []byte, err error) {
	file, err := OpenWORM(db, path)
	if err != nil {
		return
	}
	defer file.Close()
	return file.ReadAll()
}

// PutBlock stores buf in a file named after its hash and returns the
// block.
func (db *Db) PutBlock(algo string, buf []byte) (b *Block, err error) {
	defer Return(&err)
	file, err := CreateWORM(db, "block", algo)
	Ck(err)
	b = Block{}.New(db, file)
	n, err := b.Write(buf)
	Ck(err)
	Assert(n == len(buf), "short write")
	err = b.Close()
	Ck(err)
	return
}

// PutTree stores the canpaths of children, in order, as a new tree.
// A tree may have no children.
func (db *Db) PutTree(algo string, children ...Object) (tree *Tree, err error) {
	defer Return(&err)
	file, err := CreateWORM(db, "tree", algo)
	Ck(err)
	tree = Tree{}.New(db, file)
	// this is a new tree, so there is nothing to load
	tree.entries = children
	tree.loaded = true

	txt, err := tree.Txt()
	Ck(err)
	n, err := tree.Write([]byte(txt))
	Ck(err)
	Assert(n == len(txt), "short write")
	err = tree.Close()
	Ck(err)
	return
}

// GetTree returns the tree at path with its entries loaded.
func (db *Db) GetTree(path *Path) (tree *Tree, err error) {
	defer Return(&err)
	ErrnoIf(path.Class != "tree", syscall.EINVAL, "not a tree: %s", path.Canon)
	file, err := OpenWORM(db, path)
	Ck(err)
	tree = Tree{}.New(db, file)
	err = tree.loadEntries()
	Ck(err)
	return
}

// PutStream chunks rd, stores the chunks as blocks, links them into a
// Merkle tree, and returns the root node of the new tree.
func (db *Db) PutStream(algo string, rd io.Reader) (rootnode *Tree, err error) {
	defer Return(&err)
	chunker, err := rabin{Poly: db.Poly, MinSize: db.MinSize, MaxSize: db.MaxSize}.Init()
	Ck(err)
	chunker.Start(rd)

	buf := make([]byte, chunker.MaxSize)
	for {
		chunk, err := chunker.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		Ck(err)

		block, err := db.PutBlock(algo, chunk.Data)
		Ck(err)
		if rootnode == nil {
			rootnode, err = db.PutTree(algo, block)
		} else {
			rootnode, err = db.PutTree(algo, rootnode, block)
		}
		Ck(err)
		log.Debugf("PutStream rootnode %s", rootnode.Path.Canon)
	}
	ErrnoIf(rootnode == nil, syscall.ENODATA, "empty stream")
	return
}

// OpenStream returns the stream with the given label.  A missing
// label yields an error satisfying os.IsNotExist.
func (db *Db) OpenStream(label string) (stream *Stream, err error) {
	linkrel := filepath.Join("stream", label)
	target, err := os.Readlink(filepath.Join(db.Dir, linkrel))
	if err != nil {
		return
	}
	defer Return(&err)
	treepath, err := Path{}.New(db, filepath.Join(filepath.Dir(linkrel), target))
	Ck(err)
	rootnode, err := db.GetTree(treepath)
	Ck(err)
	stream, err = Stream{}.New(db, label, rootnode)
	Ck(err)
	return
}

// StreamExists reports whether label names a stream.
func (db *Db) StreamExists(label string) bool {
	return exists(filepath.Join(db.Dir, "stream", label))
}

// Lock takes an exclusive lock on the db, shared with every other
// process and every other Db opened on the same directory.  It blocks
// until the lock is free.  Call unlock to release it.
func (db *Db) Lock() (unlock func(), err error) {
	fh, err := os.OpenFile(filepath.Join(db.Dir, lockName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return
	}
	err = syscall.Flock(int(fh.Fd()), syscall.LOCK_EX)
	if err != nil {
		fh.Close()
		return nil, errors.Wrapf(err, "lock %s", db.Dir)
	}
	unlock = func() {
		err := syscall.Flock(int(fh.Fd()), syscall.LOCK_UN)
		if err != nil {
			log.Errorf("unlock %s: %v", db.Dir, err)
		}
		fh.Close()
	}
	return
}
