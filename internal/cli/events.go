package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/model"
)

func newEventsCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow module loads as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := client.Stream(cmd.Context(), "/v1/events")
			if err != nil {
				return fmt.Errorf("open event stream: %w", err)
			}
			defer body.Close()

			out := cmd.OutOrStdout()
			seen := 0
			scanner := bufio.NewScanner(body)
			for scanner.Scan() {
				data, ok := strings.CutPrefix(scanner.Text(), "data: ")
				if !ok {
					continue
				}

				var ev model.LoadEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					logger.Warn("skipping malformed event", "data", data, "error", err)
					continue
				}
				fmt.Fprintf(out, "%s  %s@%s\n", ev.At.Local().Format(time.RFC3339), ev.Name, shortVersion(ev.Version))

				seen++
				if count > 0 && seen >= count {
					return nil
				}
			}
			if err := scanner.Err(); err != nil && cmd.Context().Err() == nil {
				return fmt.Errorf("read event stream: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many events (0 follows forever)")
	return cmd
}
