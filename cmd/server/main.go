package main

import (
	"context"
	"fmt"
	"os"

	"github.com/yungbote/ragbridge-backend/internal/app"
	"github.com/yungbote/ragbridge-backend/internal/platform/shutdown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ragbridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}
