package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"simsync/server/internal/app"
	"simsync/server/internal/config"
)

func main() {
	dotenv := flag.String("env", ".env", "optional dotenv file read before the environment")
	flag.Parse()

	cfg, err := config.Load(*dotenv)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, app.Options{}); err != nil {
		log.Fatalf("%v", err)
	}
}
