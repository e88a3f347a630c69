// File: cmd/status.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoqa-cli/internal/config"
	"github.com/xkilldash9x/autoqa-cli/internal/observability"
	"github.com/xkilldash9x/autoqa-cli/internal/store"
)

func newStatusCmd() *cobra.Command {
	var (
		limit  int
		format string
	)

	statusCmd := &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show a stored session, or list recent sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Database.Driver == config.StoreMemory {
				return errors.New("status needs a persistent store; set database.driver to sqlite or postgres")
			}

			backend, err := store.Open(ctx, cfg.Database, observability.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer backend.Close()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return showStatus(ctx, backend, id, limit, format, cmd.OutOrStdout())
		},
	}

	statusCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of sessions to list")
	statusCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format for a single session (text, json)")
	return statusCmd
}

// showStatus prints one session when id is set and the most recent sessions otherwise.
func showStatus(ctx context.Context, backend store.Backend, id string, limit int, format string, out io.Writer) error {
	if id == "" {
		sessions, err := backend.ListSessions(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No sessions recorded.")
			return nil
		}
		return printSessionList(out, sessions)
	}

	sess, err := backend.LoadSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("session %s not found", id)
		}
		return fmt.Errorf("failed to load session: %w", err)
	}
	return printSession(out, sess, format)
}
