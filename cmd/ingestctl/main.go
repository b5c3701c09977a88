// Command ingestctl is the command line client for ingestd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"videoingest/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
