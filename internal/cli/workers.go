package cli

import (
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/pool"
)

type workerList struct {
	Active []string   `json:"active"`
	Pool   pool.Stats `json:"pool"`
}

func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Show worker pool usage and modules holding a worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list workerList
			if err := client.Get("/v1/workers", &list); err != nil {
				return fmt.Errorf("list workers: %w", err)
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SIZE\tIDLE\tACQUIRED\tCREATING\tMAX")
			fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\n",
				list.Pool.Size, list.Pool.Idle, list.Pool.Acquired, list.Pool.Creating, list.Pool.Max)
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintln(out)
			if len(list.Active) == 0 {
				fmt.Fprintln(out, "No active modules.")
				return nil
			}
			fmt.Fprintln(out, "ACTIVE")
			for _, name := range list.Active {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
}

func newEvictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict <name>",
		Short: "Release the worker held by a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := client.Delete("/v1/workers/" + url.PathEscape(name)); err != nil {
				return fmt.Errorf("evict %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %s\n", name)
			return nil
		},
	}
}
