package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitledger/config"
	"github.com/t7a/pitledger/fuse"
	"github.com/t7a/pitledger/node"
	"github.com/t7a/pitledger/server"
)

const usage = `pld

Usage:
  pld init
  pld serve [<mountpoint>]

Options:
  -h --help     Show this screen.
  --version     Show version.
`

type Opts struct {
	Init       bool
	Serve      bool
	Mountpoint string `docopt:"<mountpoint>"`
}

func main() {
	rc, msg := Run()
	if len(msg) > 0 {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(rc)
}

func Run() (rc int, msg string) {
	defer Halt(&rc, &msg)

	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.0")
	var opts Opts
	err := o.Bind(&opts)
	Ck(err)

	cfg, err := config.Load()
	Ck(err)
	config.InitLog(cfg.Debug)

	if opts.Init {
		n, err := node.Create(cfg)
		Ck(err)
		n.Close()
		fmt.Printf("Initialized empty ledger in %s\n", cfg.Dir)
	}

	if opts.Serve {
		err := serve(cfg, opts.Mountpoint)
		Ck(err)
	}

	return
}

// serve runs the socket server, and the FUSE view if mountpoint is
// set, until SIGINT or SIGTERM.
func serve(cfg config.Config, mountpoint string) (err error) {
	defer Return(&err)

	n, err := node.Open(cfg)
	Ck(err)
	defer n.Close()

	srv := server.New(n)
	err = srv.Serve(cfg.SocketPath())
	Ck(err)
	defer srv.Close()
	log.Infof("listening on %s", cfg.SocketPath())

	var mnt *gofuse.Server
	// unmount on exit
	defer func() { umount(mnt) }()
	if mountpoint != "" {
		mnt, err = fuse.Serve(n, mountpoint)
		Ck(err)
		log.Infof("mounted on %s", mountpoint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	roots, err := n.Watch(ctx)
	Ck(err)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	for {
		select {
		case root, ok := <-roots:
			if !ok {
				return
			}
			log.Infof("root %s", root)
		case s := <-sig:
			log.Infof("%v: shutting down", s)
			return
		}
	}
}

func umount(server *gofuse.Server) {
	if server != nil {
		server.Unmount()
	}
}
