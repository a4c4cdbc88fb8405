// Command ratchetctl is the Ratchet command-line client (spec §6): it
// drives task/job/schedule operations directly against Postgres, the
// way an operator would from a terminal or a deploy script, without
// going through the REST API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ratchet-run/ratchet/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cli.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
