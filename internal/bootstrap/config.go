// Package bootstrap implements the HTTP server that runs inside every
// sandbox. It loads user modules from the sandbox directory on request and
// executes their default export for each incoming HTTP request.
package bootstrap

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

const (
	defaultHost    = "127.0.0.1"
	defaultPort    = 8000
	defaultDir     = "."
	defaultTimeout = 60 * time.Second
)

// Config holds the sandbox server settings, normally parsed from flags.
type Config struct {
	Host         string
	Port         int
	Dir          string
	Timeout      time.Duration
	AllowReplace bool
}

// DefaultConfig returns the sandbox defaults.
func DefaultConfig() Config {
	return Config{
		Host:         defaultHost,
		Port:         defaultPort,
		Dir:          defaultDir,
		Timeout:      defaultTimeout,
		AllowReplace: true,
	}
}

// BindFlags registers the sandbox flags on fs, writing into cfg.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "interface to listen on")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "directory holding linked module files")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-request execution limit")
	fs.BoolVar(&cfg.AllowReplace, "allow-replace", cfg.AllowReplace, "allow loading a different module over the resident one")
}

// Validate reports settings the server cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if c.Dir == "" {
		return errors.New("dir is required")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}
