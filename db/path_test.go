package db

import (
	"path/filepath"
	"testing"
)

func TestPath(t *testing.T) {
	db := setup(t, nil)

	hash := "d2c71afc5848aa2a33ff08621217f24dab485077d95d788c5170995285a5d65d"
	addr := "sha256/d2c71afc5848aa2a33ff08621217f24dab485077d95d788c5170995285a5d65d"
	canpath := "block/sha256/d2c71afc5848aa2a33ff08621217f24dab485077d95d788c5170995285a5d65d"
	relpath := "block/sha256/d2c/71a/d2c71afc5848aa2a33ff08621217f24dab485077d95d788c5170995285a5d65d"

	for _, raw := range []string{canpath, relpath, filepath.Join(db.Dir, relpath)} {
		path, err := Path{}.New(db, raw)
		tassert(t, err == nil, "%#v", err)

		expect := filepath.Join(db.Dir, relpath)
		got := path.Abs
		tassert(t, expect == got, "expected %s, got %s", expect, got)

		expect = canpath
		got = path.Canon
		tassert(t, expect == got, "expected %s, got %s", expect, got)

		expect = hash
		got = path.Hash
		tassert(t, expect == got, "expected %s, got %s", expect, got)

		expect = addr
		got = path.Addr
		tassert(t, expect == got, "expected %s, got %s", expect, got)
	}
}

func TestPathStream(t *testing.T) {
	db := setup(t, nil)
	path, err := Path{}.New(db, "stream/snapshot/day1")
	tassert(t, err == nil, "%#v", err)
	tassert(t, path.Label == "snapshot/day1", "label %q", path.Label)
	tassert(t, path.Abs == filepath.Join(db.Dir, "stream/snapshot/day1"), "abs %q", path.Abs)
}

func TestPathMalformed(t *testing.T) {
	db := setup(t, nil)
	for _, raw := range []string{
		"block",
		"block/sha256",
		"tree/sha256/zz",
		"tree/sha256/not-a-hash-at-all",
		"widget/sha256/d2c71afc",
		"/somewhere/else/block/sha256/d2c71afc5848",
	} {
		_, err := Path{}.New(db, raw)
		tassert(t, err != nil, "expected error for %q", raw)
	}
}
