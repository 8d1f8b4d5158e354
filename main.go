// sshdeck keeps a deck of authenticated SSH sessions, in-process or
// behind a small HTTP daemon, and runs commands on them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sshdeck/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sshdeck: %v\n", err)
		os.Exit(1)
	}
}
