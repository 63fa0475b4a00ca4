package db

import (
	"path/filepath"

	. "github.com/stevegt/goadapt"
)

// Stream is a labeled pointer to a root tree, stored as a symlink
// under stream/.  Labels may contain slashes.  Moving a stream to a
// new root is a single atomic symlink replacement, so readers see
// either the old tree or the new one.
type Stream struct {
	Db       *Db
	RootNode *Tree
	Label    string
	Path     *Path
}

func (stream Stream) New(db *Db, label string, rootnode *Tree) (out *Stream, err error) {
	defer Return(&err)
	stream.Db = db
	stream.Label = label
	stream.RootNode = rootnode
	stream.Path, err = Path{}.New(db, filepath.Join("stream", label))
	Ck(err)
	return &stream, nil
}

// AppendBlock puts a block in the database, appends it to the Merkle
// tree as a new leaf node, and then relinks the stream label to the
// new tree root.
func (stream *Stream) AppendBlock(algo string, buf []byte) (newstream *Stream, err error) {
	defer Return(&err)
	newrootnode, err := stream.RootNode.AppendBlock(algo, buf)
	Ck(err)
	newstream, err = newrootnode.LinkStream(stream.Label)
	Ck(err)
	return
}

func (stream *Stream) Read(buf []byte) (n int, err error) {
	return stream.RootNode.Read(buf)
}

func (stream *Stream) Rewind() error {
	return stream.RootNode.Rewind()
}

// Ls lists the leaf nodes of a stream, or with all set, every node.
func (stream *Stream) Ls(all bool) (objects []Object, err error) {
	return stream.RootNode.traverse(all)
}
