package cli

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/model"
)

type moduleList struct {
	Modules []model.Module `json:"modules"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

type moduleDetail struct {
	model.Module
	Versions []model.ModuleVersion `json:"versions"`
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <name> <file>",
		Short: "Upload a module's code (use - to read stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]

			var code []byte
			var err error
			if path == "-" {
				code, err = io.ReadAll(cmd.InOrStdin())
			} else {
				code, err = os.ReadFile(path)
			}
			if err != nil {
				return fmt.Errorf("read code: %w", err)
			}

			var out model.Module
			if err := client.Post("/v1/modules", map[string]string{
				"name": name,
				"code": string(code),
			}, &out); err != nil {
				return fmt.Errorf("load module: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s@%s (%s)\n", out.Name, out.Version, humanize.Bytes(uint64(len(code))))
			return nil
		},
	}
}

func newModulesCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "modules [name]",
		Short: "List modules, or show one module's versions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return showModule(cmd, args[0])
			}

			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))

			var list moduleList
			if err := client.Get("/v1/modules?"+q.Encode(), &list); err != nil {
				return fmt.Errorf("list modules: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(list.Modules) == 0 {
				fmt.Fprintln(out, "No modules found.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tUPDATED")
			for _, m := range list.Modules {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, shortVersion(m.Version), humanize.Time(m.UpdatedAt))
			}
			tw.Flush()

			if shown := list.Offset + len(list.Modules); shown < list.Total {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(list.Modules), list.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum modules to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Modules to skip")
	return cmd
}

func showModule(cmd *cobra.Command, name string) error {
	var m moduleDetail
	if err := client.Get("/v1/modules/"+url.PathEscape(name), &m); err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("module %q not found", name)
		}
		return fmt.Errorf("get module: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Name:    %s\n", m.Name)
	fmt.Fprintf(out, "Version: %s\n", m.Version)
	fmt.Fprintf(out, "Updated: %s\n", humanize.Time(m.UpdatedAt))
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tCREATED")
	for _, v := range m.Versions {
		fmt.Fprintf(tw, "%s\t%s\n", shortVersion(v.Version), humanize.Time(v.CreatedAt))
	}
	return tw.Flush()
}

func newSourceCmd() *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "source <name>",
		Short: "Print a module's code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/modules/" + url.PathEscape(args[0]) + "/source"
			if version != "" {
				path += "?version=" + url.QueryEscape(version)
			}

			code, err := client.GetRaw(path)
			if err != nil {
				return fmt.Errorf("get source: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(code)
			return err
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Version to print instead of the latest")
	return cmd
}

// shortVersion abbreviates a content hash for tables.
func shortVersion(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}
