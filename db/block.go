package db

// Block is a leaf: an opaque chunk of data stored under block/.
type Block struct {
	Db *Db
	*WORM
}

func (b Block) New(db *Db, file *WORM) *Block {
	b.Db = db
	b.WORM = file
	return &b
}

// Object is a block or tree.
type Object interface {
	GetPath() *Path
	Read(buf []byte) (n int, err error)
	Rewind() error
	Size() (int64, error)
	Verify() (ok bool, err error)
	Close() error
}

var _ Object = (*Block)(nil)
var _ Object = (*Tree)(nil)
