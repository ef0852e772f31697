package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfroyo/agentbox/cmd/agentbox/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Create context that cancels on interrupt signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "Received interrupt signal, finishing the current batch...")
		cancel()
		// a second signal exits immediately
		<-sigChan
		os.Exit(commands.ExitAborted)
	}()

	code := commands.Execute(ctx, os.Args[1:], Version, Commit, BuildDate)
	cancel()
	os.Exit(code)
}
