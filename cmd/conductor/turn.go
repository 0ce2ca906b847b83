package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/conductor/internal/engine"
)

type turnFlags struct {
	sessionID string
	userID    string
	summary   string
}

func turnCmd(flags *globalFlags) *cobra.Command {
	var tf turnFlags

	cmd := &cobra.Command{
		Use:   "turn [input...]",
		Short: "Handle one turn and print the result envelope",
		Long:  "Handle one turn from the command line. Pass --session to continue a session kept in a persistent store.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			res, err := a.orch.HandleTurn(ctx, engine.TurnRequest{
				SessionID:           tf.sessionID,
				UserID:              tf.userID,
				Input:               strings.Join(args, " "),
				ConversationSummary: tf.summary,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVarP(&tf.sessionID, "session", "s", "", "Session ID to continue")
	cmd.Flags().StringVarP(&tf.userID, "user", "u", "", "User ID")
	cmd.Flags().StringVar(&tf.summary, "summary", "", "Conversation summary passed to the planner")
	return cmd
}
