package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhouzirui/empath/backend/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(&cli.Dependencies{}).ExecuteContext(ctx); err != nil {
		log.Fatalf("empath: %v", err)
	}
}
