package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func actionsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the actions available to plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tREQUIRED\tDESCRIPTION")
			for _, info := range a.executor.Catalog() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", info.Name, strings.Join(info.Required, ","), info.Description)
			}
			return w.Flush()
		},
	}
}
