package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbtap/dbtap/cli"
	"github.com/dbtap/dbtap/config"
	"github.com/dbtap/dbtap/utils"
	"github.com/dbtap/dbtap/utils/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := log.New()
	if err != nil {
		fmt.Println("failed to build the logger:", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg := config.New()
	if err := cli.Root(ctx, logger, cfg).ExecuteContext(ctx); err != nil {
		utils.LogError(logger, err, "command failed")
		os.Exit(1)
	}
}
