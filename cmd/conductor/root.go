package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/conductor/internal/config"
	"github.com/rendis/conductor/internal/logging"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Conversational planner and executor for multi-step work",
		Long:          "Conductor turns a user's request into a short plan of actions, runs it, and carries the session across clarification and continuation turns.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the settings file (default "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		serveCmd(&flags),
		turnCmd(&flags),
		actionsCmd(&flags),
		versionCmd(),
	)
	return root
}

// load reads configuration and builds the logger. Logs go to w, which is
// never stdout for the MCP server.
func (f *globalFlags) load(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, logging.New(w, cfg.Log.Level, cfg.Log.Format), nil
}
