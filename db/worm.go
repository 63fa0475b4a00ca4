package db

import (
	"fmt"
	"hash"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// WORM is a write-once, read-many file.  A new WORM is written to a
// temporary file; Close() hashes the content and moves it to its
// permanent hash-addressed location, after which it is read-only.
// Every WORM starts with a one-line class header which is included
// in the hash but hidden from Read, Seek, and Size.
type WORM struct {
	Db *Db
	*Path
	writable bool
	fh       *os.File
	hash     hash.Hash
}

// CreateWORM returns a new writable file of the given class.  The
// path isn't known until Close().
func CreateWORM(db *Db, class string, algo string) (file *WORM, err error) {
	defer Return(&err)
	Assert(db != nil, "db is nil")
	file = &WORM{Db: db, writable: true}
	// we don't call Path.New() here because there's no hash yet
	file.Path = &Path{Db: db, Class: class, Algo: algo}
	file.hash, err = newHash(algo)
	Ck(err)
	return
}

// OpenWORM returns a read-only handle on an existing file.
func OpenWORM(db *Db, path *Path) (file *WORM, err error) {
	defer Return(&err)
	ErrnoIf(path == nil || len(path.Abs) == 0, syscall.EINVAL, "empty path")
	ErrnoIf(!canstat(path.Abs), syscall.ENOENT, "not found: %s", path.Canon)
	file = &WORM{Db: db, Path: path}
	return
}

func (file *WORM) GetPath() *Path {
	return file.Path
}

// ckopen opens the underlying file on first use.
func (file *WORM) ckopen() (err error) {
	defer Return(&err)

	if file.fh != nil {
		return
	}
	header := []byte(file.header())
	if file.writable {
		file.fh, err = ioutil.TempFile(file.Db.Dir, ".worm-*")
		Ck(err)
		var n int
		n, err = file.fh.Write(header)
		Ck(err)
		Assert(n == len(header), "short header write")
		// the header is part of the hashed content so a block and a
		// tree with the same body never share an address
		_, err = file.hash.Write(header)
		Ck(err)
		return
	}
	file.fh, err = os.Open(file.Path.Abs)
	Ck(err)
	buf := make([]byte, len(header))
	n, err := io.ReadFull(file.fh, buf)
	if err != nil || n != len(header) || string(buf) != string(header) {
		file.fh.Close()
		file.fh = nil
		return fmt.Errorf("malformed header: %q file: %s", buf[:n], file.Path.Abs)
	}
	return
}

// Close finishes a write by moving the content into place, or just
// releases the handle of a read-only file.
func (file *WORM) Close() (err error) {
	defer Return(&err)
	if !file.writable {
		if file.fh != nil {
			// read-only, nothing to flush
			file.fh.Close()
			file.fh = nil
		}
		return
	}

	// an empty body still gets a header
	err = file.ckopen()
	Ck(err)
	tmpname := file.fh.Name()
	err = file.fh.Close()
	Ck(err)
	file.fh = nil

	hexhash := bin2hex(file.hash.Sum(nil))
	canpath := filepath.Join(file.Path.Class, file.Path.Algo, hexhash)
	file.Path, err = Path{}.New(file.Db, canpath)
	Ck(err)
	file.writable = false

	if canstat(file.Path.Abs) {
		// dedup: same content is already stored
		err = os.Remove(tmpname)
		Ck(err)
		log.Debugf("dedup %s", file.Path.Canon)
		return
	}

	dir, _ := filepath.Split(file.Path.Abs)
	err = mkdir(dir)
	Ck(err)
	err = os.Chmod(tmpname, 0444)
	Ck(err)
	err = os.Rename(tmpname, file.Path.Abs)
	Ck(err)
	log.Debugf("wrote %s", file.Path.Canon)
	return
}

// Read supports the io.Reader interface.
func (file *WORM) Read(buf []byte) (n int, err error) {
	if file.writable {
		return 0, fmt.Errorf("cannot read unfinished object")
	}
	err = file.ckopen()
	if err != nil {
		return
	}
	return file.fh.Read(buf)
}

// ReadAll returns the body of the file from the current position.
func (file *WORM) ReadAll() (buf []byte, err error) {
	defer Return(&err)
	err = file.ckopen()
	Ck(err)
	buf, err = ioutil.ReadAll(file.fh)
	Ck(err)
	return
}

func (file *WORM) Rewind() error {
	_, err := file.Seek(0, io.SeekStart)
	return err
}

// Seek supports the io.Seeker interface.  Offsets are relative to the
// body; callers never see the header.
func (file *WORM) Seek(n int64, whence int) (nout int64, err error) {
	defer Return(&err)
	Assert(!file.writable, "cannot seek in unfinished object")
	err = file.ckopen()
	Ck(err)

	hl := int64(len(file.header()))
	switch whence {
	case io.SeekStart:
		nout, err = file.fh.Seek(n+hl, io.SeekStart)
	case io.SeekCurrent, io.SeekEnd:
		nout, err = file.fh.Seek(n, whence)
	default:
		Assert(false, "bad whence %d", whence)
	}
	Ck(err)
	if nout < hl {
		// don't let callers seek backwards into the header
		nout, err = file.fh.Seek(hl, io.SeekStart)
		Ck(err)
	}
	return nout - hl, nil
}

// Size returns the body size.
func (file *WORM) Size() (n int64, err error) {
	info, err := os.Stat(file.Path.Abs)
	if err != nil {
		return
	}
	return info.Size() - int64(len(file.header())), nil
}

// Write supports the io.Writer interface.  Large objects can be
// written with several calls before Close().
func (file *WORM) Write(data []byte) (n int, err error) {
	if !file.writable {
		err = fmt.Errorf("cannot write to existing object: %s", file.Path.Canon)
		return
	}
	err = file.ckopen()
	if err != nil {
		return
	}
	_, err = file.hash.Write(data)
	if err != nil {
		return
	}
	return file.fh.Write(data)
}

// Verify rehashes the whole file, header included, and compares the
// result with the hash in its path.
func (file *WORM) Verify() (ok bool, err error) {
	defer Return(&err)
	Assert(!file.writable, "cannot verify unfinished object")
	raw, err := ioutil.ReadFile(file.Path.Abs)
	Ck(err)
	binhash, err := Hash(file.Path.Algo, raw)
	Ck(err)
	got := bin2hex(binhash)
	if got != file.Path.Hash {
		log.Debugf("verify %s: calculated %s", file.Path.Canon, got)
		return false, nil
	}
	return true, nil
}
