package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fleetcore/agent/client"
	"fleetcore/agent/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("agent: load config: %v", err)
	}
	if cfg.LogLevel == "debug" {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}
	log.Printf("agent: starting as node %s, core %s (log_level=%s)", cfg.NodeID, cfg.CoreURL, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(cfg)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("agent: exited: %v", err)
	}
	log.Println("agent: shut down")
}
