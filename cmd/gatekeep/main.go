// Command gatekeep classifies, gates and audits AI agent tool calls.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dicklesworthstone/gatekeep/internal/cli"
	"github.com/Dicklesworthstone/gatekeep/internal/output"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		code := cli.ExitCode(err)
		if output.IsJSON() {
			_ = output.WriteError(os.Stderr, err, code)
		} else {
			fmt.Fprintf(os.Stderr, "gatekeep: %v\n", err)
		}
		return code
	}
	return 0
}
