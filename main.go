package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/cartography/cmd"
	"github.com/xkilldash9x/cartography/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := cmd.Execute(ctx)
	code := cmd.ExitCode(ctx, err)

	stop()
	observability.Sync()
	os.Exit(code)
}
