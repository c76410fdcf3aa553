// Command follower is a headless peer that mirrors a host's simulation. It is
// used for soak testing and as a desync canary next to real clients.
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
	host := flag.String("host", "", "websocket url of the host, overrides SIMSYNC_HOST_URL")
	name := flag.String("name", "", "peer name sent in the handshake, overrides SIMSYNC_PEER_NAME")
	flag.Parse()

	cfg, err := config.Load(*dotenv)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *host != "" {
		cfg.HostURL = *host
	}
	if *name != "" {
		cfg.PeerName = *name
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunFollower(ctx, cfg, app.Options{}); err != nil {
		log.Fatalf("%v", err)
	}
}
