package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/benchkeeper/internal/alert"
	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/harness"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// =============================================================================
// ingest
// =============================================================================

type ingestOptions struct {
	suite     string
	tool      string
	commit    string
	file      string
	format    string
	commitURL string
	message   string
	author    string
	date      string
	strict    bool
}

func newIngestCmd(a *app) *cobra.Command {
	var o ingestOptions
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Parse harness output and record it for a commit",
		Long: `Parse the output of a benchmark harness and append it to a suite.

The verdicts against the suite's history are printed. The command exits
with status 1 when the alert policy fails the run (or, with --strict,
when any measurement regressed).`,
		Example: `  go test -bench . -benchmem | benchctl ingest --suite "Go Benchmark" --commit $(git rev-parse HEAD) --format gotest
  benchctl ingest --suite "Rust Benchmark" --commit abc123 --file output.txt --format cargo`,
		Args: cobra.NoArgs,
		RunE: withStore(a, func(ctx context.Context, b backend, _ []string) error {
			entry, err := o.entry(a.in)
			if err != nil {
				return err
			}
			res, err := b.Ingest(ctx, o.suite, entry)
			if err != nil {
				return err
			}
			if err := a.printIngest(o.suite, entry, res); err != nil {
				return err
			}
			if res.Action.Kind == alert.Fail || (o.strict && res.Action.Kind == alert.Notify) {
				return errRegression
			}
			return nil
		}),
	}

	f := cmd.Flags()
	f.StringVar(&o.suite, "suite", "", "suite name (required)")
	f.StringVar(&o.commit, "commit", "", "commit id (required)")
	f.StringVar(&o.tool, "tool", "", "tool name recorded with the entry (default: the format)")
	f.StringVarP(&o.file, "file", "f", "-", "harness output file, - for stdin")
	f.StringVar(&o.format, "format", string(harness.FormatGoTest), "harness format: cargo, gotest, json")
	f.StringVar(&o.commitURL, "commit-url", "", "commit URL")
	f.StringVar(&o.message, "message", "", "commit message")
	f.StringVar(&o.author, "author", "", "commit author name")
	f.StringVar(&o.date, "date", "", "commit timestamp (RFC3339)")
	f.BoolVar(&o.strict, "strict", false, "exit 1 on any regression, not only a policy failure")
	cmd.MarkFlagRequired("suite")
	cmd.MarkFlagRequired("commit")
	return cmd
}

// entry reads the harness output and builds the entry to append.
func (o *ingestOptions) entry(stdin io.Reader) (types.CommitEntry, error) {
	format, err := harness.ParseFormat(o.format)
	if err != nil {
		return types.CommitEntry{}, err
	}

	r := stdin
	if o.file != "-" {
		f, err := os.Open(o.file)
		if err != nil {
			return types.CommitEntry{}, err
		}
		defer f.Close()
		r = f
	}

	ms, err := harness.Parse(r, format)
	if err != nil {
		return types.CommitEntry{}, fmt.Errorf("parse %s output: %w", format, err)
	}

	commit := types.Commit{
		ID:      o.commit,
		URL:     o.commitURL,
		Message: o.message,
	}
	if o.author != "" {
		commit.Author = types.Person{Name: o.author}
		commit.Committer = commit.Author
	}
	if o.date != "" {
		ts, err := time.Parse(time.RFC3339, o.date)
		if err != nil {
			return types.CommitEntry{}, errors.NewInvalidValue("date", o.date, "must be RFC3339")
		}
		commit.Timestamp = ts
	}

	tool := o.tool
	if tool == "" {
		tool = string(format)
	}
	return types.CommitEntry{Commit: commit, Tool: tool, Measurements: ms}, nil
}

// =============================================================================
// entries / verdicts
// =============================================================================

func newEntriesCmd(a *app) *cobra.Command {
	var from, to string
	var latest int
	cmd := &cobra.Command{
		Use:     "entries SUITE",
		Aliases: []string{"query", "log"},
		Short:   "List the entries of a suite, oldest first",
		Args:    cobra.ExactArgs(1),
		RunE: withStore(a, func(ctx context.Context, b backend, args []string) error {
			r := types.Range{Latest: latest}
			var err error
			if r.From, err = parseTime("from", from); err != nil {
				return err
			}
			if r.To, err = parseTime("to", to); err != nil {
				return err
			}
			entries, err := b.Entries(ctx, args[0], r)
			if err != nil {
				return err
			}
			return a.printEntries(entries)
		}),
	}
	cmd.Flags().StringVar(&from, "from", "", "earliest ingestion date (RFC3339 or unix ms)")
	cmd.Flags().StringVar(&to, "to", "", "latest ingestion date (RFC3339 or unix ms)")
	cmd.Flags().IntVarP(&latest, "latest", "n", 0, "keep only the last N entries")
	return cmd
}

func newVerdictsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verdicts SUITE COMMIT",
		Short: "Compare a stored commit against the history before it",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(a, func(ctx context.Context, b backend, args []string) error {
			res, err := b.Verdicts(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if a.opts.jsonOutput {
				return printJSON(a.out, res)
			}
			a.printVerdictTable(res.Verdicts)
			a.printAction(res.Action)
			return nil
		}),
	}
}

// =============================================================================
// suites / measurements / summary
// =============================================================================

func newSuitesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "suites",
		Short: "List suites holding entries",
		Args:  cobra.NoArgs,
		RunE: withStore(a, func(ctx context.Context, b backend, _ []string) error {
			suites, err := b.Suites(ctx)
			if err != nil {
				return err
			}
			if a.opts.jsonOutput {
				return printJSON(a.out, suites)
			}
			printList(a.out, suites)
			return nil
		}),
	}
}

func newMeasurementsCmd(a *app) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "measurements SUITE",
		Short: "List measurement names of a suite",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(a, func(ctx context.Context, b backend, args []string) error {
			names, err := b.Measurements(ctx, args[0], prefix)
			if err != nil {
				return err
			}
			if a.opts.jsonOutput {
				return printJSON(a.out, names)
			}
			printList(a.out, names)
			return nil
		}),
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only names starting with prefix")
	return cmd
}

func newSummaryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary SUITE MEASUREMENT",
		Short: "Summarize the history of one measurement",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(a, func(ctx context.Context, b backend, args []string) error {
			s, err := b.Summary(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return a.printSummary(s)
		}),
	}
}

// =============================================================================
// export / sql
// =============================================================================

func newExportCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the Parquet export of every suite",
		Long: `Write the Parquet export of every suite.

In local mode --out copies the export to the given path. Against a server
the export stays on the server and its path is printed.`,
		Args: cobra.NoArgs,
		RunE: withStore(a, func(ctx context.Context, b backend, _ []string) error {
			res, err := b.Export(ctx)
			if err != nil {
				return err
			}
			if out == "" || a.opts.server != "" {
				return a.printExport(res, "", 0)
			}
			size, err := copyFile(res.Path, out)
			if err != nil {
				return fmt.Errorf("copy export: %w", err)
			}
			return a.printExport(res, out, size)
		}),
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "copy the export to this path (local mode)")
	return cmd
}

func newSQLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sql QUERY",
		Short: "Run SQL over the Parquet export (view: series)",
		Example: `  benchctl export
  benchctl sql "SELECT name, avg(value) FROM series GROUP BY name"`,
		Args: cobra.MinimumNArgs(1),
		RunE: withStore(a, func(ctx context.Context, b backend, args []string) error {
			res, err := b.Query(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return a.printQuery(res)
		}),
	}
}

// =============================================================================
// Helpers
// =============================================================================

// parseTime accepts RFC3339 or unix milliseconds. Empty means unbounded.
func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.NewInvalidValue(field, s, "must be RFC3339 or unix milliseconds")
	}
	return t, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, os.Rename(tmp, dst)
}
