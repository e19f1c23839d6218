package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tickbot/internal/app"
)

func main() {
	cfgPath := flag.String("config", "./config.json", "path to config file (.json, .yaml or .yml)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(*cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	stop()

	if err := a.Stop(context.Background()); err != nil {
		fmt.Println("shutdown error:", err)
	}
}
