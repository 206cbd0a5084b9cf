// Command convctl inspects and edits conversations held by a configured
// conversation store, going through the same cache the bot uses.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		// Error already printed by cobra
		stop()
		os.Exit(1)
	}
}
