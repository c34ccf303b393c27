// Command i2csim runs bus scenarios through the I²C master engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"i2cmaster-go/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "i2csim:", err)
		stop()
		os.Exit(cli.GetExitCode(err))
	}
}
