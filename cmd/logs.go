// File: cmd/logs.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var (
		follow bool
		lines  int
		file   string
	)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print or follow the structured log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				cfg, err := configFromContext(cmd.Context())
				if err != nil {
					return err
				}
				path = cfg.Logger.LogFile
			}
			if path == "" {
				return errors.New("no log file configured; set logger.log_file")
			}
			return tailLog(cmd.Context(), path, follow, lines, cmd.OutOrStdout())
		},
	}

	logsCmd.Flags().BoolVarP(&follow, "follow", "F", false, "Keep printing lines as they are written")
	logsCmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to print first (0 for all)")
	logsCmd.Flags().StringVar(&file, "file", "", "Log file to read (overrides logger.log_file)")
	return logsCmd
}

// tailLog prints the last n lines of path. With follow set it then streams new
// lines until ctx is canceled, surviving rotation by reopening the file.
func tailLog(ctx context.Context, path string, follow bool, n int, out io.Writer) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("log file %s does not exist yet", path)
		}
		return err
	}

	// 1. Backlog: read to EOF and keep the trailing window.
	backlog, err := tail.TailFile(path, tail.Config{
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}
	var window []string
	for line := range backlog.Lines {
		if line.Err != nil {
			continue
		}
		window = append(window, line.Text)
		if n > 0 && len(window) > n {
			window = window[1:]
		}
	}
	_ = backlog.Stop()
	for _, l := range window {
		fmt.Fprintln(out, l)
	}
	if !follow {
		return nil
	}

	// 2. Follow from the end.
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail log file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				continue
			}
			fmt.Fprintln(out, line.Text)
		}
	}
}
