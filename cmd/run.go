// File: cmd/run.go
// Description: The run command takes one intent from submission to a
// finished execution and prints the result.

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/observability"
	"github.com/xkilldash9x/autoqa-cli/internal/service"
)

// stopGracePeriod bounds how long an interrupted run may take to finalize.
const stopGracePeriod = 30 * time.Second

// sessionRunner is the slice of the service the run command drives.
type sessionRunner interface {
	Start(ctx context.Context, intent string) (string, error)
	Confirm(ctx context.Context, id string, req service.ConfirmRequest) error
	Stop(id string) error
	Await(ctx context.Context, id string, pred func(schemas.Session) bool) (schemas.Session, error)
}

var _ sessionRunner = (*service.Service)(nil)

type runOptions struct {
	assumeYes bool
	caseIDs   []string
	format    string
}

func newRunCmd(factory service.ComponentFactory) *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run [intent...]",
		Short: "Generate test cases from an intent, confirm them and execute them",
		Long: `Run analyzes the intent, explores the target page and generates test cases.
The generated cases are listed for confirmation before execution unless --yes is given.`,
		Example: `  autoqa run "test the login form on https://app.example.com"
  autoqa run --yes --case TC-1 --case TC-3 "check checkout on https://shop.example.com"`,
		Args: cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.format {
			case "text", "json":
				return nil
			}
			return fmt.Errorf("unsupported output format %q", opts.format)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)

			sess, err := runSession(ctx, components.Service, strings.Join(args, " "), opts, cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := printSession(cmd.OutOrStdout(), sess, opts.format); err != nil {
				return err
			}
			switch sess.Status {
			case schemas.StatusCompleted:
				return nil
			case schemas.StatusStopped:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			default:
				return fmt.Errorf("session %s ended %s: %s", sess.ID, sess.Status, sess.Error)
			}
		},
	}

	runCmd.Flags().BoolVarP(&opts.assumeYes, "yes", "y", false, "Confirm the generated cases without prompting")
	runCmd.Flags().StringSliceVar(&opts.caseIDs, "case", nil, "Run only these case IDs (repeatable)")
	runCmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format for the result (text, json)")
	return runCmd
}

// runSession drives a session until it reaches a terminal status. When ctx is
// canceled the session is stopped and the stopped snapshot is returned.
func runSession(ctx context.Context, svc sessionRunner, intent string, opts runOptions, in io.Reader, out io.Writer) (schemas.Session, error) {
	logger := observability.GetLogger()

	// 1. Submit the intent.
	id, err := svc.Start(ctx, intent)
	if err != nil {
		return schemas.Session{}, fmt.Errorf("failed to start session: %w", err)
	}
	logger.Info("Session started.", zap.String("session_id", id))

	// 2. Wait for the generated cases.
	sess, err := svc.Await(ctx, id, service.StatusIs(schemas.StatusCasesGenerated))
	if err != nil {
		return stopAndCollect(svc, id, err)
	}
	if sess.Status.IsTerminal() {
		return sess, nil
	}

	// 3. Confirm, interactively unless told otherwise.
	printCases(out, sess.Cases)
	if !opts.assumeYes && !promptYes(in, out, "Run the selected cases? [Y/n] ") {
		return stopAndCollect(svc, id, nil)
	}
	req := service.ConfirmRequest{}
	if len(opts.caseIDs) > 0 {
		req.SelectedIDs = opts.caseIDs
	}
	if err := svc.Confirm(ctx, id, req); err != nil {
		if _, stopErr := stopAndCollect(svc, id, nil); stopErr != nil {
			logger.Warn("Failed to stop session after rejected confirmation.", zap.Error(stopErr))
		}
		return schemas.Session{}, fmt.Errorf("failed to confirm cases: %w", err)
	}

	// 4. Wait for the run to finish.
	sess, err = svc.Await(ctx, id, service.Terminal)
	if err != nil {
		return stopAndCollect(svc, id, err)
	}
	return sess, nil
}

// stopAndCollect stops the session and waits briefly for its final snapshot.
// A context error as cause is not reported; the stopped snapshot speaks for it.
func stopAndCollect(svc sessionRunner, id string, cause error) (schemas.Session, error) {
	if cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return schemas.Session{}, cause
	}
	if err := svc.Stop(id); err != nil {
		return schemas.Session{}, fmt.Errorf("failed to stop session: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
	defer cancel()
	return svc.Await(ctx, id, service.Terminal)
}

// promptYes reads one line from in. Anything but an explicit no is a yes.
func promptYes(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		// No answer on a closed stdin.
		fmt.Fprintln(out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "n", "no":
		return false
	}
	return true
}
