// File: cmd/console.go
// Description: Interactive operator console. Sessions are started and
// controlled line by line while their progress events print live.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/observability"
	"github.com/xkilldash9x/autoqa-cli/internal/server"
	"github.com/xkilldash9x/autoqa-cli/internal/service"
)

// ANSI colors for console output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

const consoleHelp = `Commands:
  start <intent...>          submit a test intent
  confirm <id> [case-id...]  confirm generated cases (all selected ones when none are named)
  pause <id>                 pause a running execution
  resume <id>                resume a paused execution
  stop <id>                  stop a session
  status <id>                show a session and its result
  cases <id>                 list a session's cases
  list                       list live sessions
  help                       show this help
  quit                       leave the console`

func newConsoleCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Start an interactive console for driving sessions",
		Args:  cobra.NoArgs,
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

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          colorCyan + "autoqa> " + colorReset,
				HistoryFile:     historyFile(),
				AutoComplete:    consoleCompleter(),
				InterruptPrompt: "^C",
				EOFPrompt:       "quit",
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			defer rl.Close()

			return runConsole(ctx, rl, components.Service)
		},
	}
}

func historyFile() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".autoqa", "history")
}

func consoleCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("start"),
		readline.PcItem("confirm"),
		readline.PcItem("pause"),
		readline.PcItem("resume"),
		readline.PcItem("stop"),
		readline.PcItem("status"),
		readline.PcItem("cases"),
		readline.PcItem("list"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// runConsole reads commands until quit, EOF, an interrupt or ctx cancellation.
func runConsole(ctx context.Context, rl *readline.Instance, ctrl server.Controller) error {
	c := &console{ctrl: ctrl, out: rl.Stdout()}
	fmt.Fprintln(c.out, "AutoQA console. Type 'help' for commands.")

	events, unsubscribe := ctrl.Subscribe("")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.relayEvents(ctx, events)
	}()
	defer func() {
		unsubscribe()
		wg.Wait()
	}()

	// Closing the instance unblocks a pending Readline.
	stopWatch := context.AfterFunc(ctx, func() { rl.Close() })
	defer stopWatch()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintf(c.out, "%sGoodbye!%s\n", colorGreen, colorReset)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		quit, err := c.exec(ctx, line)
		if err != nil {
			fmt.Fprintf(c.out, "%serror:%s %v\n", colorRed, colorReset, err)
		}
		if quit {
			return nil
		}
	}
}

// console executes one command line at a time against the controller.
type console struct {
	ctrl server.Controller
	mu   sync.Mutex
	out  io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// exec runs one command line. quit reports that the console should exit.
func (c *console) exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	verb, args := strings.ToLower(fields[0]), fields[1:]

	needID := func() (string, error) {
		if len(args) == 0 {
			return "", fmt.Errorf("%s requires a session id", verb)
		}
		return args[0], nil
	}

	switch verb {
	case "quit", "exit", "q":
		return true, nil

	case "help", "?":
		c.printf("%s\n", consoleHelp)

	case "start":
		if len(args) == 0 {
			return false, errors.New("start requires an intent")
		}
		id, err := c.ctrl.Start(ctx, strings.Join(args, " "))
		if err != nil {
			return false, err
		}
		c.printf("Session %s%s%s started.\n", colorCyan, id, colorReset)

	case "confirm":
		id, err := needID()
		if err != nil {
			return false, err
		}
		var req service.ConfirmRequest
		if len(args) > 1 {
			req.SelectedIDs = args[1:]
		}
		if err := c.ctrl.Confirm(ctx, id, req); err != nil {
			return false, err
		}
		c.printf("Session %s confirmed.\n", id)

	case "pause", "resume", "stop":
		id, err := needID()
		if err != nil {
			return false, err
		}
		fn := map[string]func(string) error{"pause": c.ctrl.Pause, "resume": c.ctrl.Resume, "stop": c.ctrl.Stop}[verb]
		if err := fn(id); err != nil {
			return false, err
		}

	case "status":
		id, err := needID()
		if err != nil {
			return false, err
		}
		sess, err := c.ctrl.GetStatus(ctx, id)
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return false, printSession(c.out, sess, "text")

	case "cases":
		id, err := needID()
		if err != nil {
			return false, err
		}
		sess, err := c.ctrl.GetStatus(ctx, id)
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		printCases(c.out, sess.Cases)

	case "list":
		c.mu.Lock()
		defer c.mu.Unlock()
		return false, printSessionList(c.out, c.ctrl.List())

	default:
		return false, fmt.Errorf("unknown command %q (try 'help')", verb)
	}
	return false, nil
}

// relayEvents prints progress events until the subscription ends.
func (c *console) relayEvents(ctx context.Context, events <-chan schemas.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if line := formatEvent(ev); line != "" {
				c.printf("%s\n", line)
			}
		}
	}
}

// formatEvent renders an event as one console line. Step events are
// summarized by their action so long runs stay readable.
func formatEvent(ev schemas.Event) string {
	id := ev.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	prefix := fmt.Sprintf("[%s]", id)

	switch ev.Type {
	case schemas.EventStatusChanged:
		color := colorCyan
		switch ev.Status {
		case schemas.StatusCompleted:
			color = colorGreen
		case schemas.StatusFailed:
			color = colorRed
		case schemas.StatusStopped:
			color = colorYellow
		}
		line := fmt.Sprintf("%s status %s%s%s", prefix, color, ev.Status, colorReset)
		if ev.Message != "" {
			line += " (" + ev.Message + ")"
		}
		return line
	case schemas.EventCaseStarted:
		return fmt.Sprintf("%s case %s started", prefix, ev.CaseID)
	case schemas.EventCaseFinished:
		if ev.Case == nil {
			return fmt.Sprintf("%s case %s finished", prefix, ev.CaseID)
		}
		color := colorRed
		if ev.Case.Status == schemas.CasePass {
			color = colorGreen
		} else if ev.Case.Status == schemas.CaseSkipped {
			color = colorYellow
		}
		return fmt.Sprintf("%s case %s %s%s%s (%s)", prefix, ev.CaseID, color, ev.Case.Status, colorReset, ev.Case.Reason)
	case schemas.EventStep:
		if ev.Step == nil {
			return ""
		}
		line := fmt.Sprintf("%s   step %d %s", prefix, ev.Step.Index, ev.Step.Action.Type)
		if ev.Step.Failed {
			line += " " + colorRed + "failed" + colorReset
		}
		return line
	case schemas.EventControl:
		return fmt.Sprintf("%s %s%s%s", prefix, colorYellow, ev.Message, colorReset)
	default:
		observability.GetLogger().Debug("Unrendered event type.", zap.String("type", string(ev.Type)))
		return ""
	}
}
