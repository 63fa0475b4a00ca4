// Package fuse mounts a read-only view of a ledger:
//
//	root              current state root
//	head              journal head
//	receipts          one line per journaled receipt
//	accounts/<id>     "label balance" for each account
package fuse

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitledger/node"
	"github.com/t7a/pitledger/wallet"
)

// Source is the part of a ledger the view reads from.
type Source interface {
	Account(id wallet.PublicKey) (wallet.Account, error)
	Accounts() ([]wallet.Account, error)
	Root() (string, error)
	Head() (string, error)
	Receipts() ([]node.Receipt, error)
}

type DirNode struct {
	fs.Inode
}

func (r *DirNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	entries := []fuse.DirEntry{
		{Mode: syscall.S_IFDIR, Name: "."},
		{Mode: syscall.S_IFDIR, Name: ".."},
	}
	for name, child := range r.Children() {
		entry := fuse.DirEntry{Mode: child.Mode(), Name: name}
		entries = append(entries, entry)
	}
	return fs.NewListDirStream(entries), 0
}

// root

type fsRoot struct {
	DirNode
	src Source
}

var _ = (fs.NodeOnAdder)((*fsRoot)(nil))

func (root *fsRoot) OnAdd(ctx context.Context) {
	src := root.src
	files := map[string]func() ([]byte, error){
		"root":     func() ([]byte, error) { return renderRoot(src) },
		"head":     func() ([]byte, error) { return renderHead(src) },
		"receipts": func() ([]byte, error) { return renderReceipts(src) },
	}
	for name, render := range files {
		ch := root.NewPersistentInode(ctx,
			&viewFile{render: render},
			fs.StableAttr{Mode: fuse.S_IFREG},
		)
		root.AddChild(name, ch, false)
	}
	ch := root.NewPersistentInode(ctx,
		&accountsNode{src: src},
		fs.StableAttr{Mode: syscall.S_IFDIR},
	)
	root.AddChild("accounts", ch, false)
}

// accounts

type accountsNode struct {
	fs.Inode
	src Source
}

var _ = (fs.NodeLookuper)((*accountsNode)(nil))
var _ = (fs.NodeReaddirer)((*accountsNode)(nil))

func (n *accountsNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (child *fs.Inode, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	id, err := wallet.ParseKey(name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	_, err = n.src.Account(id)
	if err == node.ErrNotFound {
		return nil, syscall.ENOENT
	}
	Ck(err)
	src := n.src
	child = n.NewInode(ctx,
		&viewFile{render: func() ([]byte, error) { return renderAccount(src, id) }},
		fs.StableAttr{Mode: fuse.S_IFREG},
	)
	return child, 0
}

func (n *accountsNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	accts, err := n.src.Accounts()
	Ck(err)
	entries := []fuse.DirEntry{
		{Mode: syscall.S_IFDIR, Name: "."},
		{Mode: syscall.S_IFDIR, Name: ".."},
	}
	for _, acct := range accts {
		entries = append(entries, fuse.DirEntry{Mode: fuse.S_IFREG, Name: acct.ID.String()})
	}
	return fs.NewListDirStream(entries), 0
}

// files

// viewFile renders its content from the ledger on every open.
type viewFile struct {
	fs.Inode
	render func() ([]byte, error)
}

var _ = (fs.NodeOpener)((*viewFile)(nil))
var _ = (fs.NodeGetattrer)((*viewFile)(nil))

func (n *viewFile) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, outflags uint32, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	// disallow writes
	if flags&(syscall.O_RDWR|syscall.O_WRONLY) != 0 {
		return nil, 0, syscall.EROFS
	}
	data, err := n.render()
	if err != nil {
		log.Errorf("render: %v", err)
		return nil, 0, syscall.EIO
	}
	// content changes with every merge, so skip the page cache
	return &viewHandle{data: data}, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (n *viewFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	out.Mode = 0444
	out.Mtime = uint64(time.Now().Unix())
	if h, ok := fh.(*viewHandle); ok {
		out.Size = uint64(len(h.data))
		return 0
	}
	data, err := n.render()
	if err != nil {
		log.Errorf("render: %v", err)
		return syscall.EIO
	}
	out.Size = uint64(len(data))
	return 0
}

type viewHandle struct {
	data []byte
}

var _ = (fs.FileReader)((*viewHandle)(nil))

func (fh *viewHandle) Read(ctx context.Context, buf []byte, offset int64) (res fuse.ReadResult, errno syscall.Errno) {
	if offset >= int64(len(fh.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := offset + int64(len(buf))
	if end > int64(len(fh.data)) {
		end = int64(len(fh.data))
	}
	return fuse.ReadResultData(fh.data[offset:end]), 0
}

// rendering

func renderRoot(src Source) (buf []byte, err error) {
	root, err := src.Root()
	if err != nil {
		return
	}
	return []byte(root + "\n"), nil
}

func renderHead(src Source) (buf []byte, err error) {
	head, err := src.Head()
	if err != nil {
		return
	}
	return []byte(head + "\n"), nil
}

func renderAccount(src Source, id wallet.PublicKey) (buf []byte, err error) {
	acct, err := src.Account(id)
	if err != nil {
		return
	}
	return []byte(fmt.Sprintf("%s %d\n", acct.Label, acct.Balance)), nil
}

func renderReceipts(src Source) (buf []byte, err error) {
	rcpts, err := src.Receipts()
	if err != nil {
		return
	}
	var out bytes.Buffer
	for _, r := range rcpts {
		fmt.Fprintln(&out, r.String())
	}
	return out.Bytes(), nil
}

// server

// Serve mounts the view of src at mnt and returns once the mount is
// live.  Unmount the returned server to stop.
func Serve(src Source, mnt string) (server *fuse.Server, err error) {
	defer Return(&err)
	opts := &fs.Options{}
	opts.Debug = log.IsLevelEnabled(log.DebugLevel)
	// start inode numbers at 2^16
	opts.FirstAutomaticIno = 1 << 16
	server, err = fs.Mount(mnt, &fsRoot{src: src}, opts)
	Ck(err)
	server.WaitMount()
	return
}

func msglog(msg string) {
	log.Errorf("unpanic: %v", msg)
}
