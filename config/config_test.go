package config

import (
	"os"
	"path/filepath"
	"testing"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	tassert(t, err == nil, "%v", err)
	wd, err := os.Getwd()
	tassert(t, err == nil, "%v", err)
	tassert(t, cfg.Dir == wd, "dir %q", cfg.Dir)
	tassert(t, cfg.Algo == "sha256", "algo %q", cfg.Algo)
	tassert(t, cfg.Depth == 2, "depth %d", cfg.Depth)
	tassert(t, !cfg.Debug, "debug on")
	tassert(t, cfg.SocketPath() == filepath.Join(wd, "pl.sock"), "socket %q", cfg.SocketPath())
	tassert(t, cfg.IndexPath() == filepath.Join(wd, "index.sqlite"), "index %q", cfg.IndexPath())
}

func TestOverrides(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(map[string]string{
		"PLDIR":   dir,
		"PLSOCK":  "/run/pl.sock",
		"PLINDEX": "off",
		"PLALGO":  "sha512",
		"PLDEPTH": "3",
		"DEBUG":   "1",
	})
	tassert(t, err == nil, "%v", err)
	tassert(t, cfg.Dir == dir, "dir %q", cfg.Dir)
	tassert(t, cfg.SocketPath() == "/run/pl.sock", "socket %q", cfg.SocketPath())
	tassert(t, cfg.IndexPath() == "", "index %q", cfg.IndexPath())
	tassert(t, cfg.Algo == "sha512", "algo %q", cfg.Algo)
	tassert(t, cfg.Depth == 3, "depth %d", cfg.Depth)
	tassert(t, cfg.Debug, "debug off")
}

func TestBadValues(t *testing.T) {
	for _, vars := range []map[string]string{
		{"PLALGO": "md5"},
		{"PLDEPTH": "0"},
		{"PLDEPTH": "deep"},
		{"DEBUG": "maybe"},
	} {
		_, err := LoadFrom(vars)
		tassert(t, err != nil, "accepted %v", vars)
	}
}
