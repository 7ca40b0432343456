package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/benchkeeper/internal/logging"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	server     string
	token      string
	configPath string
	dataDir    string
	backend    string
	logLevel   string
	timeout    time.Duration
	jsonOutput bool
}

// app carries state across commands. In the interactive shell one app
// serves many command trees so the backend is opened once.
type app struct {
	opts    globalOptions
	out     io.Writer
	errOut  io.Writer
	in      io.Reader
	store   backend
	inShell bool
}

func newApp(out, errOut io.Writer) *app {
	return &app{out: out, errOut: errOut, in: os.Stdin}
}

// open lazily opens the backend selected by the global flags.
func (a *app) open(ctx context.Context) (backend, error) {
	if a.store != nil {
		return a.store, nil
	}
	b, err := openBackend(ctx, &a.opts)
	if err != nil {
		return nil, err
	}
	a.store = b
	return b, nil
}

// close releases the backend unless the shell still needs it.
func (a *app) close() error {
	if a.store == nil || a.inShell {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// execute runs one command line and releases the backend afterwards, also
// when the command failed.
func execute(ctx context.Context, a *app, args []string) error {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.SetIn(a.in)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "benchctl",
		Short:         "Record benchmark results and detect regressions",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(a.opts.logLevel)
			if err != nil {
				return err
			}
			logging.InitWriter(a.errOut, level, false)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.server, "server", os.Getenv("BENCHKEEPER_SERVER"), "benchkeeperd address (or BENCHKEEPER_SERVER env); empty uses the local data directory")
	flags.StringVar(&a.opts.token, "token", os.Getenv("BENCHKEEPER_TOKEN"), "API token (or BENCHKEEPER_TOKEN env)")
	flags.StringVar(&a.opts.configPath, "config", "", "storage config file for local mode")
	flags.StringVar(&a.opts.dataDir, "data-dir", "", "data directory for local mode (overrides config)")
	flags.StringVar(&a.opts.backend, "backend", "", "persistence backend for local mode: memory, document, journal, badger")
	flags.StringVar(&a.opts.logLevel, "log-level", "warn", "log level")
	flags.DurationVar(&a.opts.timeout, "timeout", 30*time.Second, "request timeout")
	flags.BoolVar(&a.opts.jsonOutput, "json", false, "print JSON instead of tables")

	addCommands(root, a)
	root.AddCommand(newShellCmd(a))
	return root
}

// addCommands registers the history commands. The shell registers the same
// set on a fresh root per input line.
func addCommands(root *cobra.Command, a *app) {
	root.AddCommand(
		newIngestCmd(a),
		newEntriesCmd(a),
		newVerdictsCmd(a),
		newSuitesCmd(a),
		newMeasurementsCmd(a),
		newSummaryCmd(a),
		newExportCmd(a),
		newSQLCmd(a),
	)
}

// withStore opens the backend and runs fn with it.
func withStore(a *app, fn func(ctx context.Context, b backend, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		b, err := a.open(ctx)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		return fn(ctx, b, args)
	}
}
