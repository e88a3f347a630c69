// File: cmd/cases.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/casegen"
	"github.com/xkilldash9x/autoqa-cli/internal/observability"
	"github.com/xkilldash9x/autoqa-cli/internal/store"
)

var errNoCorpus = errors.New("no corpus file configured; set cases.corpus_file or pass --corpus")

func newCasesCmd() *cobra.Command {
	var corpusPath string

	casesCmd := &cobra.Command{
		Use:   "cases",
		Short: "Manage the YAML case corpus",
	}
	casesCmd.PersistentFlags().StringVar(&corpusPath, "corpus", "", "Corpus file (overrides cases.corpus_file)")

	resolveCorpus := func(cmd *cobra.Command) (string, error) {
		if corpusPath != "" {
			return corpusPath, nil
		}
		cfg, err := configFromContext(cmd.Context())
		if err != nil {
			return "", err
		}
		if cfg.Cases.CorpusFile == "" {
			return "", errNoCorpus
		}
		return cfg.Cases.CorpusFile, nil
	}

	casesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the cases in the corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveCorpus(cmd)
			if err != nil {
				return err
			}
			cases, err := casegen.LoadCorpus(path)
			if err != nil {
				return err
			}
			printCases(cmd.OutOrStdout(), cases)
			return nil
		},
	})

	casesCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Merge cases from a YAML file into the corpus",
		Long:  "Import appends cases whose IDs and titles are not yet in the corpus.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveCorpus(cmd)
			if err != nil {
				return err
			}
			added, total, err := importCases(path, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d new case(s); the corpus now holds %d.\n", added, total)
			return nil
		},
	})

	var (
		exportOut     string
		exportAll     bool
		exportToStore bool
	)
	exportCmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session's cases as corpus YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			backend, err := store.Open(ctx, cfg.Database, observability.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer backend.Close()

			cases, err := sessionCases(ctx, backend, args[0], exportAll)
			if err != nil {
				return err
			}

			switch {
			case exportToStore:
				path, err := resolveCorpus(cmd)
				if err != nil {
					return err
				}
				existing, err := casegen.LoadCorpus(path)
				if err != nil {
					return err
				}
				merged, added := casegen.Merge(existing, cases)
				if err := casegen.SaveCorpus(path, merged); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %d case(s) to %s.\n", added, path)
				return nil
			case exportOut != "":
				return casegen.SaveCorpus(exportOut, cases)
			default:
				return writeCorpus(cmd.OutOrStdout(), cases)
			}
		},
	}
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "Write to this file instead of stdout")
	exportCmd.Flags().BoolVar(&exportAll, "all", false, "Include cases that were not selected")
	exportCmd.Flags().BoolVar(&exportToStore, "merge", false, "Merge the cases into the configured corpus")
	exportCmd.MarkFlagsMutuallyExclusive("output", "merge")
	casesCmd.AddCommand(exportCmd)

	return casesCmd
}

// importCases merges the cases in src into the corpus at path.
func importCases(path, src string) (added, total int, err error) {
	incoming, err := casegen.LoadCorpus(src)
	if err != nil {
		return 0, 0, err
	}
	if len(incoming) == 0 {
		return 0, 0, fmt.Errorf("no cases found in %s", src)
	}
	existing, err := casegen.LoadCorpus(path)
	if err != nil {
		return 0, 0, err
	}
	merged, added := casegen.Merge(existing, incoming)
	if added > 0 {
		if err := casegen.SaveCorpus(path, merged); err != nil {
			return 0, 0, err
		}
	}
	return added, len(merged), nil
}

// sessionCases loads a stored session's cases, keeping only the selected
// ones unless all is set.
func sessionCases(ctx context.Context, backend schemas.SnapshotStore, id string, all bool) ([]schemas.Case, error) {
	sess, err := backend.LoadSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if all {
		return sess.Cases, nil
	}
	selected := sess.SelectedCases()
	if len(selected) == 0 {
		return nil, fmt.Errorf("session %s has no selected cases", id)
	}
	return selected, nil
}

func writeCorpus(out io.Writer, cases []schemas.Case) error {
	data, err := casegen.MarshalCorpus(cases)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
