package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/modules"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/sandbox"
	"github.com/seantiz/anvil/internal/supervisor"
	"github.com/seantiz/anvil/internal/worker"
)

func newServeCmd() *cobra.Command {
	var (
		listenAddr     string
		supervisorAddr string
		dataDir        string
		sandboxName    string
		poolMax        int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the platform: admin API, supervisor and worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flagConfig
			if path == "" {
				path = os.Getenv("ANVIL_CONFIG")
			}
			cfg, err := config.LoadPath(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if flags.Changed("supervisor-addr") {
				cfg.SupervisorAddr = supervisorAddr
			}
			if flags.Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if flags.Changed("sandbox") {
				cfg.Sandbox = sandboxName
			}
			if flags.Changed("pool-max") {
				cfg.PoolMax = poolMax
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			// Explicit log flags win over the file and environment.
			root := cmd.Root().PersistentFlags()
			level, format := cfg.LogLevel, cfg.LogFormat
			if root.Changed("log-level") || flagDebug {
				level = config.ParseLogLevel(flagLogLevel)
			}
			if root.Changed("log-format") {
				format = flagLogFormat
			}
			log := config.NewLogger(cmd.ErrOrStderr(), level, format)

			return serve(cmd.Context(), cfg, log)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Admin API listen address (or ANVIL_LISTEN_ADDR)")
	cmd.Flags().StringVar(&supervisorAddr, "supervisor-addr", "", "Supervisor listen address (or ANVIL_SUPERVISOR_ADDR)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for modules and worker state (or ANVIL_DATA_DIR)")
	cmd.Flags().StringVar(&sandboxName, "sandbox", "", "Sandbox backend: process or docker (or ANVIL_SANDBOX)")
	cmd.Flags().IntVar(&poolMax, "pool-max", 0, "Maximum number of workers (or ANVIL_POOL_MAX)")

	return cmd
}

// serve wires the platform together and blocks until ctx is cancelled or a
// termination signal arrives.
func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	log.Info("anvil: starting",
		"listen_addr", cfg.ListenAddr,
		"supervisor_addr", cfg.SupervisorAddr,
		"data_dir", cfg.DataDir,
		"sandbox", cfg.Sandbox,
		"pool_max", cfg.PoolMax,
	)

	store, err := modules.Open(ctx, modules.Options{Root: filepath.Join(cfg.DataDir, "modules")})
	if err != nil {
		return fmt.Errorf("open module store: %w", err)
	}
	defer store.Close()

	// Worker directories belong to sandboxes of a previous run.
	workersDir := filepath.Join(cfg.DataDir, "workers")
	if err := os.RemoveAll(workersDir); err != nil {
		return fmt.Errorf("clear worker directories: %w", err)
	}

	spawner, err := newSpawner(cfg, log)
	if err != nil {
		return err
	}

	wp := pool.NewWorkerPool(spawner, store, pool.Config{
		Max:               cfg.PoolMax,
		Min:               cfg.PoolMin,
		MinIdle:           cfg.PoolMinIdle,
		AcquireMaxRetries: cfg.AcquireRetries,
		AcquireRetryWait:  cfg.AcquireRetryWait,
	}, worker.Options{
		DataDir:        workersDir,
		RequestTimeout: cfg.RequestTimeout,
		AllowReplace:   cfg.AllowReplace,
		ShutdownGrace:  cfg.ShutdownGrace,
		Logger:         log,
	})
	if err := wp.Start(ctx); err != nil {
		wp.Close(context.Background(), cfg.ShutdownGrace)
		return fmt.Errorf("start worker pool: %w", err)
	}

	sup := supervisor.New(store, wp, supervisor.Options{
		Addr:          cfg.SupervisorAddr,
		IdleTTL:       cfg.WorkerIdleTTL,
		ShutdownGrace: cfg.ShutdownGrace,
		Logger:        log,
	})
	if err := sup.Start(ctx); err != nil {
		wp.Close(context.Background(), cfg.ShutdownGrace)
		return fmt.Errorf("start supervisor: %w", err)
	}
	log.Info("anvil: supervisor ready", "url", sup.URL())

	srv := api.NewServer(cfg.ListenAddr, store, sup, wp, log)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// newSpawner resolves the configured sandbox backend.
func newSpawner(cfg config.Config, log *slog.Logger) (sandbox.Spawner, error) {
	bin := cfg.SandboxBin
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate sandbox binary: %w", err)
		}
		bin = exe
	}

	reg := sandbox.NewRegistry()
	reg.Register("process", &sandbox.ProcessSpawner{
		Bin:         bin,
		Args:        []string{"sandbox"},
		CPUs:        cfg.SandboxCPUs,
		MemoryBytes: cfg.SandboxMemory,
	})
	reg.Register("docker", sandbox.NewDockerSpawner(cfg.DockerImage, cfg.SandboxCPUs, cfg.SandboxMemory, log))

	spawner, err := reg.Resolve(cfg.Sandbox)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox: %w", err)
	}
	return spawner, nil
}
