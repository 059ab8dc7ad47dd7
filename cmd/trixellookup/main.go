package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/trixelservice/trixellookup/internal/engine"
	"github.com/trixelservice/trixellookup/internal/schema"
	"github.com/trixelservice/trixellookup/pkg/config"
	"github.com/trixelservice/trixellookup/pkg/database"
	"github.com/trixelservice/trixellookup/pkg/logger"
)

const serviceVersion = "1.0.0"

func main() {
	var (
		configPath = flag.String("config", "", "Path to the YAML configuration file")
		port       = flag.Int("port", 0, "HTTP port (overrides configuration)")
	)
	flag.Parse()

	log := logger.New("trixellookup", serviceVersion)

	cfg := config.New()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Update(map[string]string{"server.http_port": strconv.Itoa(*port)})
	}
	if level := cfg.Get("logging.level"); level != "" {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, database.FromConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := schema.Initialize(ctx, db, log); err != nil {
		log.Fatalf("Failed to initialize database schema: %v", err)
	}

	e := engine.NewEngine(cfg, log, db, serviceVersion)
	if err := e.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Stop(shutdownCtx); err != nil {
		log.Errorf("Failed to stop engine cleanly: %v", err)
		os.Exit(1)
	}

	log.Info("Service stopped")
}
