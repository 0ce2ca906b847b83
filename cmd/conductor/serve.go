package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/conductor/pkg/mcp"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewServer(mcp.ServerDeps{
				Conductor: a.orch,
				Catalog:   a.executor,
				Hub:       a.hub,
				Version:   version,
				Logger:    logger,
			})
			logger.Info("serving MCP on stdio")
			return srv.Serve(ctx)
		},
	}
}
