package main

import (
	"context"
	"fmt"
	"os"

	"github.com/psantana5/carlarl/cmd/carlarl/cmd"
	"github.com/psantana5/carlarl/pkg/shutdown"
)

func main() {
	ctx, stop := shutdown.WithSignals(context.Background())
	err := cmd.NewRootCommand().ExecuteContext(ctx)
	interrupted := shutdown.Interrupted(ctx)
	stop()

	fmt.Println("\ndone.")
	if err != nil && !interrupted {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
