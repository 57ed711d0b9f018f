package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Interrupt and SIGTERM cancel the command context; long-running
	// commands (serve, resume) shut down through it.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
