package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/session-replay-tools/cetus-sub002/backend"
	"github.com/session-replay-tools/cetus-sub002/config"
	"github.com/session-replay-tools/cetus-sub002/metrics"
	"github.com/session-replay-tools/cetus-sub002/proxy"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize metrics
	metrics.Init()

	// Start metrics HTTP server with pprof
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", cfg.Metrics.Listen)
		log.Printf("Pprof endpoints at http://localhost%s/debug/pprof/", cfg.Metrics.Listen)
		if err := http.ListenAndServe(cfg.Metrics.Listen, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	p, err := proxy.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create proxy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Health.User != "" {
		checker := backend.NewHealthChecker(p.Group(), cfg.Health.User, cfg.Health.Password)
		go checker.Start(ctx, cfg.Health.Interval)
		log.Printf("[Health] Checking backends every %s", cfg.Health.Interval)
	}

	go func() {
		if err := p.Serve(ctx); err != nil {
			log.Fatalf("Proxy error: %v", err)
		}
	}()

	log.Println("Cetus proxy started. Press Ctrl+C to stop. Send SIGHUP to reload config.")

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			log.Println("Received SIGHUP, reloading configuration...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Printf("Failed to reload config: %v", err)
				continue
			}
			p.UpdateConfig(newCfg)
			log.Println("Configuration reloaded successfully")

		case syscall.SIGINT, syscall.SIGTERM:
			log.Println("Shutting down...")
			p.Close()
			return
		}
	}
}
