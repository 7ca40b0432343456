package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xtxerr/benchkeeper/internal/errors"
)

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell with completion of commands, suites and measurements",
		Args:  cobra.NoArgs,
		RunE: withStore(a, func(ctx context.Context, _ backend, _ []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("shell requires an interactive terminal")
			}
			a.inShell = true
			defer func() { a.inShell = false }()

			newShell(ctx, a).run()
			return nil
		}),
	}
}

// shell runs one command tree per input line against the app's backend.
type shell struct {
	ctx      context.Context
	app      *app
	commands []prompt.Suggest

	// Completion caches, dropped after every ingest.
	suites []string
	names  map[string][]string
}

func newShell(ctx context.Context, a *app) *shell {
	s := &shell{ctx: ctx, app: a, names: make(map[string][]string)}
	for _, c := range s.root().Commands() {
		if c.Hidden {
			continue
		}
		s.commands = append(s.commands, prompt.Suggest{Text: c.Name(), Description: c.Short})
	}
	s.commands = append(s.commands, prompt.Suggest{Text: "exit", Description: "Leave the shell"})
	return s
}

func (s *shell) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "benchctl",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(s.app.out)
	root.SetErr(s.app.errOut)
	addCommands(root, s.app)
	return root
}

func (s *shell) run() {
	fmt.Fprintln(s.app.out, "benchctl shell. Tab completes, \"exit\" leaves.")
	p := prompt.New(
		s.execute,
		s.complete,
		prompt.OptionPrefix("benchctl> "),
		prompt.OptionTitle("benchctl"),
		prompt.OptionPrefixTextColor(prompt.Cyan),
		prompt.OptionMaxSuggestion(12),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(in)
		}),
	)
	p.Run()
}

func isExit(line string) bool {
	switch strings.TrimSpace(line) {
	case "exit", "quit":
		return true
	}
	return false
}

func (s *shell) execute(line string) {
	if strings.TrimSpace(line) == "" || isExit(line) {
		return
	}
	args, err := splitArgs(line)
	if err != nil {
		fmt.Fprintf(s.app.errOut, "error: %v\n", err)
		return
	}

	root := s.root()
	root.SetArgs(args)
	err = root.ExecuteContext(s.ctx)
	switch {
	case errors.Is(err, errRegression):
		fmt.Fprintln(s.app.out, s.app.theme().fail.Render("regression detected"))
	case err != nil:
		fmt.Fprintf(s.app.errOut, "error: %v\n", err)
	}

	if args[0] == "ingest" {
		s.suites = nil
		clear(s.names)
	}
}

// =============================================================================
// Completion
// =============================================================================

// suiteArgCommands take a suite as their first argument.
var suiteArgCommands = map[string]bool{
	"entries":      true,
	"query":        true,
	"log":          true,
	"verdicts":     true,
	"measurements": true,
	"summary":      true,
}

func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()
	args, _ := splitArgs(before)

	// Index of the argument under the cursor.
	pos := len(args)
	if before != "" && !strings.HasSuffix(before, " ") {
		pos--
	}
	if pos <= 0 {
		return prompt.FilterHasPrefix(s.commands, word, true)
	}
	if strings.HasPrefix(word, "-") || !suiteArgCommands[args[0]] {
		return nil
	}

	switch {
	case pos == 1:
		return prompt.FilterHasPrefix(quoted(s.suiteNames()), word, true)
	case pos == 2 && args[0] == "summary":
		return prompt.FilterHasPrefix(quoted(s.measurementNames(args[1])), word, true)
	}
	return nil
}

func (s *shell) suiteNames() []string {
	if s.suites == nil {
		suites, err := s.app.store.Suites(s.ctx)
		if err != nil {
			return nil
		}
		s.suites = suites
	}
	return s.suites
}

func (s *shell) measurementNames(suite string) []string {
	if names, ok := s.names[suite]; ok {
		return names
	}
	names, err := s.app.store.Measurements(s.ctx, suite, "")
	if err != nil {
		return nil
	}
	s.names[suite] = names
	return names
}

// quoted turns names into suggestions, quoting names that contain spaces.
func quoted(names []string) []prompt.Suggest {
	out := make([]prompt.Suggest, len(names))
	for i, n := range names {
		if strings.ContainsAny(n, " \t") {
			n = `"` + n + `"`
		}
		out[i] = prompt.Suggest{Text: n}
	}
	return out
}

// splitArgs splits a shell line into arguments. Single and double quotes
// group words; a backslash escapes the next character outside single quotes.
// On an unterminated quote the arguments read so far are returned with an
// error.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inArg = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if inArg {
		args = append(args, cur.String())
	}
	if quote != 0 {
		return args, fmt.Errorf("unterminated %c quote", quote)
	}
	return args, nil
}
