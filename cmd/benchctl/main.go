// benchctl records benchmark results and inspects their history, either
// against a local data directory or a running benchkeeperd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/benchkeeper/internal/errors"
)

// Version is set at build time via ldflags
var Version = "dev"

// Exit codes. A failing regression check is distinguished from usage and
// runtime errors so CI can tell them apart.
const (
	exitOK         = 0
	exitRegression = 1
	exitError      = 2
)

// errRegression is returned by ingest when the alert policy decided Fail.
var errRegression = errors.New("benchmark regression")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := execute(ctx, newApp(os.Stdout, os.Stderr), args)
	if err == nil {
		return exitOK
	}
	if errors.Is(err, errRegression) {
		return exitRegression
	}
	fmt.Fprintf(os.Stderr, "benchctl: %v\n", err)
	return exitError
}
