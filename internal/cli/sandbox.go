package cli

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/bootstrap"
)

func newSandboxCmd() *cobra.Command {
	cfg := bootstrap.DefaultConfig()

	cmd := &cobra.Command{
		Use:    "sandbox",
		Short:  "Run a sandbox server (started by the platform, not by hand)",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bootstrap.Run(cmd.Context(), cfg, logger.With("component", "sandbox"))
		},
	}

	bootstrap.BindFlags(cmd.Flags(), &cfg)
	return cmd
}
