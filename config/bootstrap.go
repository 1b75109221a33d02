package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Bootstrap is the process-level configuration read at startup: how many
// workers to run, where to listen, and where the metadata store lives.
// This is distinct from the Recognized runtime keys in config.go, which live
// inside the database and can be changed with ConfigSet while running.
type Bootstrap struct {
	DBPath        string `toml:"db_path"`
	FrontendAddr  string `toml:"frontend_addr"`
	BackendAddr   string `toml:"backend_addr"`
	WorkerCount   int    `toml:"worker_count"`
	MetricsAddr   string `toml:"metrics_addr"`
	LogLevel      string `toml:"log_level"`
}

// DefaultBootstrap is the configuration used when no bootstrap file is
// given, and the base a bootstrap file's fields override.
func DefaultBootstrap() Bootstrap {
	return Bootstrap{
		DBPath:       "./db",
		FrontendAddr: "tcp://0.0.0.0:9281",
		BackendAddr:  "inproc://workers",
		WorkerCount:  4,
		MetricsAddr:  "127.0.0.1:9282",
		LogLevel:     "info",
	}
}

// LoadBootstrap reads a TOML bootstrap file, falling back to
// DefaultBootstrap for any field the file omits.
func LoadBootstrap(path string) (Bootstrap, error) {
	cfg := DefaultBootstrap()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: reading bootstrap file %q", path)
	}
	if _, err := toml.Decode(string(raw), &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parsing bootstrap file %q", path)
	}
	if cfg.WorkerCount <= 0 {
		return cfg, errors.Errorf("config: worker_count must be positive, got %d", cfg.WorkerCount)
	}
	return cfg, nil
}
