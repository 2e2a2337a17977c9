// Package sandboxtest lets tests run real sandbox processes without a
// separately built binary: the test binary re-executes itself as the
// sandbox.
package sandboxtest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/spf13/pflag"

	"github.com/seantiz/anvil/internal/bootstrap"
	"github.com/seantiz/anvil/internal/sandbox"
)

const envChild = "ANVIL_SANDBOX_CHILD"

// Main runs the sandbox server instead of the tests when the binary was
// started by a Spawner from this package. Call it from TestMain.
func Main(m *testing.M) {
	if os.Getenv(envChild) != "1" {
		os.Exit(m.Run())
	}

	cfg := bootstrap.DefaultConfig()
	fs := pflag.NewFlagSet("sandbox", pflag.ContinueOnError)
	bootstrap.BindFlags(fs, &cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if err := bootstrap.Run(context.Background(), cfg, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Spawner returns a process spawner that starts the running test binary in
// sandbox mode.
func Spawner(t testing.TB) *sandbox.ProcessSpawner {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	return &sandbox.ProcessSpawner{
		Bin: exe,
		Env: []string{envChild + "=1"},
	}
}
