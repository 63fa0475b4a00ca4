// Package config loads ledger settings from the environment and sets
// up logging the same way for every command.
package config

import (
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config is read from the environment.
type Config struct {
	Dir    string `env:"PLDIR"`                      // ledger directory, default cwd
	Socket string `env:"PLSOCK"`                     // default <Dir>/pl.sock
	Index  string `env:"PLINDEX"`                    // default <Dir>/index.sqlite, "off" disables
	Algo   string `env:"PLALGO" envDefault:"sha256"` // hash algorithm for new objects
	Depth  int    `env:"PLDEPTH" envDefault:"2"`     // subdir levels, used by init only
	Debug  bool   `env:"DEBUG"`
}

// Load parses the process environment.
func Load() (cfg Config, err error) {
	return parse(env.Options{})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (cfg Config, err error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (cfg Config, err error) {
	err = env.ParseWithOptions(&cfg, opts)
	if err != nil {
		return cfg, errors.Wrap(err, "parse env")
	}
	if cfg.Dir == "" {
		cfg.Dir, err = os.Getwd()
		if err != nil {
			return cfg, errors.Wrap(err, "can't get current directory")
		}
	}
	cfg.Dir, err = filepath.Abs(cfg.Dir)
	if err != nil {
		return
	}
	switch cfg.Algo {
	case "sha256", "sha512":
	default:
		return cfg, errors.Errorf("PLALGO: unsupported algorithm %q", cfg.Algo)
	}
	if cfg.Depth < 1 {
		return cfg, errors.Errorf("PLDEPTH: must be at least 1, got %d", cfg.Depth)
	}
	return
}

// SocketPath is where the daemon listens.
func (cfg Config) SocketPath() string {
	if cfg.Socket != "" {
		return cfg.Socket
	}
	return filepath.Join(cfg.Dir, "pl.sock")
}

// IndexPath is the SQLite index file, or "" when the index is off.
func (cfg Config) IndexPath() string {
	switch cfg.Index {
	case "off":
		return ""
	case "":
		return filepath.Join(cfg.Dir, "index.sqlite")
	}
	return cfg.Index
}
