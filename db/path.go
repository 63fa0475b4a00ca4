package db

import (
	"fmt"
	"path/filepath"
	"strings"
	"syscall"

	. "github.com/stevegt/goadapt"
)

// Path describes the on-disk location of an object in every form we
// use.  Raw is whatever the caller handed us: an abspath, a relpath,
// or a canpath.
type Path struct {
	Db    *Db `json:"-"`
	Raw   string
	Abs   string // absolute
	Rel   string // relative to Db.Dir, with subdirs
	Canon string // canonical, without subdirs
	Class string // block, tree, or stream
	Algo  string
	Hash  string
	Addr  string // algo/hash
	Label string // stream label
}

func (path Path) New(db *Db, raw string) (res *Path, err error) {
	defer Return(&err)
	Assert(db != nil, "db is nil")
	path.Db = db
	path.Raw = raw

	clean := filepath.Clean(raw)
	if filepath.IsAbs(clean) {
		rel, err := filepath.Rel(db.Dir, clean)
		Ck(err)
		ErrnoIf(strings.HasPrefix(rel, ".."), syscall.EINVAL, "outside of db: %s", raw)
		clean = rel
	}

	parts := strings.Split(clean, "/")
	ErrnoIf(len(parts) < 2, syscall.EINVAL, "malformed path: %s", raw)
	path.Class = parts[0]

	switch path.Class {
	case "stream":
		path.Label = filepath.Join(parts[1:]...)
		path.Rel = filepath.Join(path.Class, path.Label)
		path.Abs = filepath.Join(db.Dir, path.Rel)
		path.Canon = path.Rel
	case "block", "tree":
		ErrnoIf(len(parts) < 3, syscall.EINVAL, "malformed path: %s", raw)
		path.Algo = parts[1]
		// the last part is always the full hash, whether we were
		// given a relpath or a canpath
		path.Hash = parts[len(parts)-1]
		ErrnoIf(len(path.Hash) < 3*db.Depth, syscall.EINVAL, "short hash: %s", raw)
		ErrnoIf(strings.Trim(path.Hash, "0123456789abcdef") != "", syscall.EINVAL, "not a hex hash: %s", raw)

		var subpath string
		for i := 0; i < db.Depth; i++ {
			subpath = filepath.Join(subpath, path.Hash[3*i:3*i+3])
		}
		path.Rel = filepath.Join(path.Class, path.Algo, subpath, path.Hash)
		path.Abs = filepath.Join(db.Dir, path.Rel)
		path.Canon = filepath.Join(path.Class, path.Algo, path.Hash)
		path.Addr = filepath.Join(path.Algo, path.Hash)
	default:
		ErrnoIf(true, syscall.EINVAL, "unknown class %q: %s", path.Class, raw)
	}

	return &path, nil
}

func (path *Path) header() string {
	return fmt.Sprintf("%s\n", path.Class)
}
