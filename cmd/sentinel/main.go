package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/babylonwatch/sentinel/app/monitor"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := monitor.Initialize(ctx)

	app.Start(ctx)
}
