// Command pipechatd runs the pipechat direct-messaging server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pipechat/pipechat/pkg/database"
	"github.com/pipechat/pipechat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.pipechat/config.toml", "Path to config file")
	port := flag.Int("port", 0, "Public websocket port (overrides config)")
	metricsPort := flag.Int("metrics-port", 0, "Internal metrics port (overrides config, -1 disables)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		server.EnableDebugLogging()
	}

	tomlCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg := server.ConfigFromTOML(tomlCfg)
	if *port > 0 {
		cfg.HTTPPort = *port
	}
	switch {
	case *metricsPort > 0:
		cfg.MetricsPort = *metricsPort
	case *metricsPort < 0:
		cfg.MetricsPort = 0
	}

	path := tomlCfg.Server.DatabasePath
	if *dbPath != "" {
		path = *dbPath
	}
	path = server.ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	store, err := database.Open(path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	srv := server.NewServer(store, cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Block until asked to stop, then drain in order: listeners,
	// sessions, store.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Closing database...")
	if err := store.Close(); err != nil {
		log.Printf("Error during database close: %v", err)
	}
	log.Println("Shutdown complete")
}
