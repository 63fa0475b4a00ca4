package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alessio/shellescape"
	"github.com/docopt/docopt-go"
	"github.com/google/shlex"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitledger/config"
	"github.com/t7a/pitledger/node"
	"github.com/t7a/pitledger/server"
	"github.com/t7a/pitledger/wallet"
)

const usage = `pl

Usage:
  pl init
  pl [-r] create <caller> <label>
  pl [-r] transfer <caller> <to> <amount> [<seed>]
  pl [-r] account <id>
  pl [-r] accounts
  pl [-r] richest <n>
  pl [-r] root
  pl [-r] head
  pl [-r] log
  pl [-r] batch [<filename>]
  pl verify
  pl snapshot <name>
  pl export <name> [-o <filename>]
  pl restore <filename>
  pl watch [-n <count>]

Options:
  -h --help     Show this screen.
  --version     Show version.
  -r            Talk to a running pld over its socket.
`

type Opts struct {
	Init     bool
	Create   bool
	Transfer bool
	Account  bool
	Accounts bool
	Richest  bool
	Root     bool
	Head     bool
	Log      bool
	Batch    bool
	Verify   bool
	Snapshot bool
	Export   bool
	Restore  bool
	Watch    bool
	Remote   bool   `docopt:"-r"`
	Out      bool   `docopt:"-o"`
	Limit    bool   `docopt:"-n"`
	Caller   string `docopt:"<caller>"`
	Label    string `docopt:"<label>"`
	To       string `docopt:"<to>"`
	Amount   string `docopt:"<amount>"`
	Seed     string `docopt:"<seed>"`
	Id       string `docopt:"<id>"`
	N        string `docopt:"<n>"`
	Name     string `docopt:"<name>"`
	Filename string `docopt:"<filename>"`
	Count    string `docopt:"<count>"`
}

// exit codes
const (
	rcOK       = 0
	rcRejected = 3
	rcUsage    = 22
	rcFault    = 42
)

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {
	return runArgs(os.Args[1:])
}

func runArgs(args []string) (rc int) {
	cfg, err := config.Load()
	if err != nil {
		return fault(err)
	}
	config.InitLog(cfg.Debug)

	parser := &docopt.Parser{HelpHandler: docopt.PrintHelpOnly, OptionsFirst: false}
	o, err := parser.ParseArgs(usage, args, "0.0")
	if err != nil {
		return rcUsage
	}
	if help, _ := o.Bool("--help"); help {
		return rcOK
	}
	if version, _ := o.Bool("--version"); version {
		return rcOK
	}
	var opts Opts
	err = o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return rcUsage
	}
	log.Debug(opts)

	switch true {
	case opts.Init:
		n, err := node.Create(cfg)
		if err != nil {
			return fault(err)
		}
		n.Close()
		fmt.Printf("Initialized empty ledger in %s\n", cfg.Dir)
		return
	case opts.Verify, opts.Snapshot, opts.Export, opts.Restore, opts.Watch:
		return local(cfg, &opts)
	}

	var cmd func(server.Ledger) int
	if !opts.Batch {
		cmd, err = parse(&opts)
		if err != nil {
			return usageErr(err)
		}
	}
	l, err := open(cfg, opts.Remote)
	if err != nil {
		return fault(err)
	}
	defer l.Close()
	if opts.Batch {
		return batch(l, opts.Filename)
	}
	return cmd(l)
}

// open returns the ledger in cfg.Dir, or a client for the pld
// serving it.
func open(cfg config.Config, remote bool) (l server.Ledger, err error) {
	if remote {
		return server.Dial(cfg.SocketPath())
	}
	return node.Open(cfg)
}

// parse checks the arguments of a command that works the same locally
// and over the socket, and returns a func that runs it.
func parse(opts *Opts) (cmd func(l server.Ledger) int, err error) {
	switch true {
	case opts.Create:
		caller, err := wallet.ParseKey(opts.Caller)
		if err != nil {
			return nil, err
		}
		tx := wallet.CreateAccount{Label: opts.Label}
		return func(l server.Ledger) int { return submit(l, caller, tx) }, nil
	case opts.Transfer:
		caller, err := wallet.ParseKey(opts.Caller)
		if err != nil {
			return nil, err
		}
		to, err := wallet.ParseKey(opts.To)
		if err != nil {
			return nil, err
		}
		amount, err := strconv.ParseUint(opts.Amount, 10, 64)
		if err != nil {
			return nil, err
		}
		var seed uint64
		if opts.Seed != "" {
			seed, err = strconv.ParseUint(opts.Seed, 10, 64)
			if err != nil {
				return nil, err
			}
		}
		tx := wallet.Transfer{To: to, Amount: amount, Seed: seed}
		return func(l server.Ledger) int { return submit(l, caller, tx) }, nil
	case opts.Account:
		id, err := wallet.ParseKey(opts.Id)
		if err != nil {
			return nil, err
		}
		return func(l server.Ledger) int {
			acct, err := l.Account(id)
			if err != nil {
				return fault(err)
			}
			fmt.Printf("%s %d\n", acct.Label, acct.Balance)
			return rcOK
		}, nil
	case opts.Accounts:
		return func(l server.Ledger) int {
			accts, err := l.Accounts()
			if err != nil {
				return fault(err)
			}
			printAccounts(accts)
			return rcOK
		}, nil
	case opts.Richest:
		k, err := strconv.Atoi(opts.N)
		if err != nil || k < 0 {
			return nil, errors.Errorf("bad count %q", opts.N)
		}
		return func(l server.Ledger) int {
			accts, err := l.Richest(k)
			if err != nil {
				return fault(err)
			}
			printAccounts(accts)
			return rcOK
		}, nil
	case opts.Root:
		return func(l server.Ledger) int { return printString(l.Root()) }, nil
	case opts.Head:
		return func(l server.Ledger) int { return printString(l.Head()) }, nil
	case opts.Log:
		return func(l server.Ledger) int {
			rcpts, err := l.Receipts()
			if err != nil {
				return fault(err)
			}
			for _, r := range rcpts {
				fmt.Println(r.String())
			}
			return rcOK
		}, nil
	}
	return nil, errors.New("no command")
}

func printString(s string, err error) int {
	if err != nil {
		return fault(err)
	}
	fmt.Println(s)
	return rcOK
}

func submit(l server.Ledger, caller wallet.PublicKey, tx wallet.Tx) (rc int) {
	rcpt, err := l.Submit(caller, tx)
	if err != nil {
		return fault(err)
	}
	if txerr := rcpt.Err(); txerr != nil {
		fmt.Printf("seq %d rejected: %v\n", rcpt.Seq, txerr)
		return rcRejected
	}
	fmt.Printf("seq %d ok\n", rcpt.Seq)
	return
}

// batch submits one create or transfer per line of fn, or of stdin
// if fn is empty.  Lines are split with shell quoting rules; blank
// lines and lines starting with # are skipped.  A fault stops the
// batch; rejections don't.
func batch(l server.Ledger, fn string) (rc int) {
	var rd io.Reader = os.Stdin
	if fn != "" {
		fh, err := os.Open(fn)
		if err != nil {
			return fault(err)
		}
		defer fh.Close()
		rd = fh
	}
	scanner := bufio.NewScanner(rd)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args, err := shlex.Split(line)
		if err != nil {
			return usageErr(errors.Wrapf(err, "line %d", lineno))
		}
		opts := &Opts{}
		switch {
		case args[0] == "create" && len(args) == 3:
			opts.Create, opts.Caller, opts.Label = true, args[1], args[2]
		case args[0] == "transfer" && (len(args) == 4 || len(args) == 5):
			opts.Transfer, opts.Caller, opts.To, opts.Amount = true, args[1], args[2], args[3]
			if len(args) == 5 {
				opts.Seed = args[4]
			}
		default:
			return usageErr(errors.Errorf("line %d: expected create or transfer: %s", lineno, line))
		}
		cmd, err := parse(opts)
		if err != nil {
			return usageErr(errors.Wrapf(err, "line %d", lineno))
		}
		switch r := cmd(l); r {
		case rcOK:
		case rcRejected:
			rc = rcRejected
		default:
			return r
		}
	}
	err := scanner.Err()
	if err != nil {
		return fault(err)
	}
	return
}

func printAccounts(accts []wallet.Account) {
	for _, acct := range accts {
		fmt.Printf("%s %s %d\n", acct.ID, shellescape.Quote(acct.Label), acct.Balance)
	}
}

// local runs the commands that need the ledger directory itself.
func local(cfg config.Config, opts *Opts) (rc int) {
	n, err := node.Open(cfg)
	if err != nil {
		return fault(err)
	}
	defer n.Close()

	switch true {
	case opts.Verify:
		err = n.Verify()
		if err != nil {
			return fault(err)
		}
		fmt.Println("ok")
	case opts.Snapshot:
		root, err := n.Snapshot(opts.Name)
		if err != nil {
			return fault(err)
		}
		log.Debugf("snapshot %s at %s", opts.Name, root)
		accts, err := n.Accounts()
		if err != nil {
			return fault(err)
		}
		fmt.Printf("snapshot %s: %d accounts\n", opts.Name, len(accts))
	case opts.Export:
		rd, err := n.OpenSnapshot(opts.Name)
		if err != nil {
			return fault(err)
		}
		var w io.Writer = os.Stdout
		if opts.Out {
			fh, err := os.Create(opts.Filename)
			if err != nil {
				return fault(err)
			}
			defer fh.Close()
			w = fh
		}
		_, err = io.Copy(w, rd)
		if err != nil {
			return fault(err)
		}
	case opts.Restore:
		fh, err := os.Open(opts.Filename)
		if err != nil {
			return fault(err)
		}
		defer fh.Close()
		_, err = n.Restore(fh)
		if err != nil {
			return fault(err)
		}
		accts, err := n.Accounts()
		if err != nil {
			return fault(err)
		}
		fmt.Printf("restored %d accounts\n", len(accts))
	case opts.Watch:
		limit := -1
		if opts.Limit {
			limit, err = strconv.Atoi(opts.Count)
			if err != nil {
				return usageErr(err)
			}
		}
		err = watch(n, limit)
		if err != nil {
			return fault(err)
		}
	}
	return
}

// watch prints each new root until limit changes have been seen or
// the process is interrupted.  A negative limit means no limit.
func watch(n *node.Node, limit int) (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	roots, err := n.Watch(ctx)
	if err != nil {
		return
	}
	for seen := 0; limit < 0 || seen < limit; seen++ {
		root, ok := <-roots
		if !ok {
			return
		}
		fmt.Println(root)
	}
	return
}

func usageErr(err error) int {
	fmt.Fprintln(os.Stderr, "usage:", err)
	return rcUsage
}

func fault(err error) int {
	if err == node.ErrNotFound {
		fmt.Fprintln(os.Stderr, "not found")
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	log.Debugf("%+v", err)
	return rcFault
}
