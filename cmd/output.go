// File: cmd/output.go
package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}

// printCases lists cases awaiting confirmation.
func printCases(out io.Writer, cases []schemas.Case) {
	fmt.Fprintf(out, "%d test case(s) generated:\n", len(cases))
	tw := newTable(out)
	fmt.Fprintln(tw, "  \tID\tPRIORITY\tTITLE\tEXPECTED")
	for _, c := range cases {
		mark := " "
		if c.Selected {
			mark = "*"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", mark, c.ID, c.Priority, c.Title, truncate(c.Expected, 60))
	}
	_ = tw.Flush()
}

// printSession renders a session snapshot with its result, if any.
func printSession(out io.Writer, sess schemas.Session, format string) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	}

	fmt.Fprintf(out, "Session %s: %s\n", sess.ID, sess.Status)
	if sess.Target != nil {
		fmt.Fprintf(out, "  target: %s\n", sess.Target.URL)
		if sess.Target.Goal != "" {
			fmt.Fprintf(out, "  goal:   %s\n", sess.Target.Goal)
		}
	}
	if sess.Error != "" {
		fmt.Fprintf(out, "  error:  %s\n", sess.Error)
	}
	if sess.Result == nil {
		return nil
	}

	r := sess.Result
	tw := newTable(out)
	fmt.Fprintln(tw, "  ID\tSTATUS\tREASON\tSTEPS\tTITLE")
	for _, c := range r.Cases {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%s\n", c.CaseID, c.Status, c.Reason, c.StepCount, c.Title)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	var flags []string
	if r.RateLimited {
		flags = append(flags, "rate limited")
	}
	if r.Stopped {
		flags = append(flags, "stopped")
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " [" + strings.Join(flags, ", ") + "]"
	}
	fmt.Fprintf(out, "Summary: %d total, %d passed, %d failed, %d skipped (%s)%s\n",
		r.Summary.Total, r.Summary.Passed, r.Summary.Failed, r.Summary.Skipped,
		r.Summary.Duration.Round(time.Millisecond), suffix)
	return nil
}

// printSessionList renders one line per session.
func printSessionList(out io.Writer, sessions []schemas.Session) error {
	tw := newTable(out)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tINTENT")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Status, s.CreatedAt.Local().Format(time.DateTime), truncate(s.Intent, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
