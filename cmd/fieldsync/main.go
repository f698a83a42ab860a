package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/cra-platform/fieldsync/internal/cli"
	"github.com/cra-platform/fieldsync/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()

	app, err := cli.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	app.Run(ctx)
}
