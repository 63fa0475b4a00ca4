package db

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// Tree is a vertex in a Merkle tree.  Its body is a list of child
// canpaths, one per line, so its hash covers the hashes of all of
// its descendants.
type Tree struct {
	Db *Db
	*WORM
	entries     []Object
	loaded      bool
	leaves      []Object
	currentLeaf int
}

func (tree Tree) New(db *Db, file *WORM) *Tree {
	tree.Db = db
	tree.WORM = file
	return &tree
}

// Entries returns the direct children of tree.
func (tree *Tree) Entries() (entries []Object, err error) {
	if !tree.loaded {
		err = tree.loadEntries()
		if err != nil {
			return
		}
	}
	return tree.entries, nil
}

// AppendBlock puts a block in the database and returns a new root
// node with the old root and the block as its two children.  Repeated
// appends grow a hash chain, which is what a journal needs.
func (tree *Tree) AppendBlock(algo string, buf []byte) (newrootnode *Tree, err error) {
	defer Return(&err)
	block, err := tree.Db.PutBlock(algo, buf)
	Ck(err)
	newrootnode, err = tree.Db.PutTree(algo, tree, block)
	Ck(err)
	return
}

// Leaves returns the blocks under tree in order.
func (tree *Tree) Leaves() (leaves []Object, err error) {
	defer Return(&err)
	if tree.leaves == nil {
		tree.leaves, err = tree.traverse(false)
		Ck(err)
	}
	return tree.leaves, nil
}

// LinkStream points the stream label at tree, replacing any previous
// target atomically, and returns the resulting stream.
func (tree *Tree) LinkStream(label string) (stream *Stream, err error) {
	defer Return(&err)
	stream, err = Stream{}.New(tree.Db, label, tree)
	Ck(err)
	linkabs := stream.Path.Abs
	err = mkdir(filepath.Dir(linkabs))
	Ck(err)
	src, err := filepath.Rel(filepath.Dir(linkabs), tree.Path.Abs)
	Ck(err)
	log.Debugf("link %s -> %s", linkabs, src)
	err = renameio.Symlink(src, linkabs)
	Ck(err)
	return
}

func (tree *Tree) loadEntries() (err error) {
	defer Return(&err)
	Assert(tree.WORM != nil)
	Assert(tree.WORM.Path != nil)

	err = tree.WORM.Rewind()
	Ck(err)
	var entries []Object
	scanner := bufio.NewScanner(tree.WORM)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		path, err := Path{}.New(tree.Db, line)
		Ck(err)
		entry, err := tree.Db.ObjectFromPath(path)
		Ck(err)
		entries = append(entries, entry)
	}
	err = scanner.Err()
	Ck(err, "%q", tree.Path.Abs)
	tree.WORM.Close()

	tree.entries = entries
	tree.loaded = true
	return
}

// Read fills buf with the next chunk of data from tree's leaves.
func (tree *Tree) Read(buf []byte) (n int, err error) {
	defer Return(&err)

	leaves, err := tree.Leaves()
	Ck(err)

	for {
		if tree.currentLeaf >= len(leaves) {
			return 0, io.EOF
		}
		obj := leaves[tree.currentLeaf]
		n, err = obj.Read(buf)
		if errors.Cause(err) == io.EOF {
			// read-only, so no need to check the error
			obj.Close()
			tree.currentLeaf++
			if n > 0 {
				return n, nil
			}
			continue
		}
		Ck(err)
		return
	}
}

// Rewind resets Read to the first byte of the first leaf.
func (tree *Tree) Rewind() (err error) {
	tree.currentLeaf = 0
	for _, leaf := range tree.leaves {
		leaf.Close()
	}
	return
}

// Size returns the total size of tree's leaves.
func (tree *Tree) Size() (total int64, err error) {
	defer Return(&err)
	leaves, err := tree.Leaves()
	Ck(err)
	for _, leaf := range leaves {
		size, err := leaf.Size()
		Ck(err)
		total += size
	}
	return
}

// Txt returns the concatenated tree entries.
func (tree *Tree) Txt() (out string, err error) {
	entries, err := tree.Entries()
	if err != nil {
		return
	}
	for _, entry := range entries {
		out += strings.TrimSpace(entry.GetPath().Canon) + "\n"
	}
	return
}

// Verify rehashes tree and every object below it.
func (tree *Tree) Verify() (ok bool, err error) {
	defer Return(&err)
	ok, err = tree.WORM.Verify()
	Ck(err)
	if !ok {
		return
	}
	objects, err := tree.traverse(true)
	Ck(err)
	for _, obj := range objects[1:] {
		var objok bool
		switch child := obj.(type) {
		case *Tree:
			objok, err = child.WORM.Verify()
		case *Block:
			objok, err = child.Verify()
		default:
			Assert(false, "unhandled type %T", child)
		}
		Ck(err)
		if !objok {
			log.Debugf("verify failed: %s", obj.GetPath().Canon)
			return false, nil
		}
	}
	return true, nil
}

// traverse recurses down the tree returning leaves, or with all set,
// every node in depth-first order starting with tree itself.
func (tree *Tree) traverse(all bool) (objects []Object, err error) {
	defer Return(&err)

	if all {
		objects = append(objects, tree)
	}
	entries, err := tree.Entries()
	Ck(err)
	for _, obj := range entries {
		switch child := obj.(type) {
		case *Tree:
			childobjs, err := child.traverse(all)
			Ck(err)
			objects = append(objects, childobjs...)
		case *Block:
			objects = append(objects, obj)
		default:
			panic(fmt.Sprintf("unhandled type %T", child))
		}
	}
	return
}
