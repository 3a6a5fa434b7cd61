package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"order-tracking/internal/app/agent"
	"order-tracking/internal/app/kitchen"
	"order-tracking/internal/app/tracking"
	"order-tracking/internal/common/config"
	"order-tracking/internal/common/logger"
)

func main() {
	mode := flag.String("mode", "", "tracking-service | tracking-agent | kitchen-worker")
	cfgPath := flag.String("config", "", "path to YAML config (default: config.yaml or deploy/config.example.yaml)")
	port := flag.Int("port", 0, "http port for services that expose HTTP")
	orders := flag.String("orders", "", "tracking-agent: comma-separated order ids to track at startup")
	track := flag.String("track", "", "tracking-agent: replay positions from a recorded track file")
	workerName := flag.String("worker-name", "", "kitchen-worker: unique worker name")
	prefetch := flag.Int("prefetch", 1, "kitchen-worker: RabbitMQ prefetch")
	cookTime := flag.Duration("cook-time", 10*time.Second, "kitchen-worker: simulated preparation time")
	flag.Parse()

	lg := logger.New("bootstrap")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path := *cfgPath
	if path == "" {
		p, err := config.FindConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, "no config file found: pass --config")
			os.Exit(2)
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		lg.Error("config_load_failed", err, map[string]any{"path": path})
		os.Exit(2)
	}

	switch *mode {
	case "tracking-service":
		if *port == 0 {
			*port = cfg.Services.TrackingService
		}
		lg.Info("service_started", map[string]any{"service": "tracking-service", "port": *port})
		if err := tracking.Run(ctx, cfg, *port, logger.New("tracking-service")); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	case "tracking-agent":
		if *port == 0 {
			*port = cfg.Services.Agent
		}
		var ids []string
		for _, id := range strings.Split(*orders, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		lg.Info("service_started", map[string]any{"service": "tracking-agent", "port": *port, "orders": len(ids)})
		if err := agent.Run(ctx, cfg, agent.Options{OrderIDs: ids, TrackPath: *track, Port: *port}, logger.New("tracking-agent")); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	case "kitchen-worker":
		if *workerName == "" {
			fmt.Fprintln(os.Stderr, "--worker-name is required for kitchen-worker")
			os.Exit(2)
		}
		lg.Info("service_started", map[string]any{"service": "kitchen-worker", "worker": *workerName})
		if err := kitchen.Run(ctx, cfg, kitchen.Config{
			WorkerName: *workerName, Prefetch: *prefetch, CookTime: *cookTime,
		}, logger.New("kitchen-worker")); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "--mode is required: tracking-service | tracking-agent | kitchen-worker")
		os.Exit(2)
	}
}
