package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"logferry/internal/config"
	"logferry/internal/engine"
	"logferry/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "logferry.yml", "path to the YAML config (env LOGFERRY__* overrides)")
	once := flag.Bool("once", false, "handle one receive batch per channel and exit")
	flag.Parse()

	logging.InitFromEnv()
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	if *once {
		sum, err := e.RunOnce(ctx)
		if err != nil {
			log.Fatalf("engine: %v", err)
		}
		if sum.Unacked > 0 {
			logging.L().Warn("messages left for redelivery", "unacked", sum.Unacked)
		}
		return
	}
	if err := e.Run(ctx); err != nil {
		log.Fatalf("engine: %v", err)
	}
}
