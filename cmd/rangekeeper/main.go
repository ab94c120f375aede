// Package main implements the rangekeeper daemon. It keeps partitioned
// tables' boundaries ahead of the clock, runs configured migration jobs and
// serves the admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/rangekeeper/rangekeeper/internal/app"
	"github.com/rangekeeper/rangekeeper/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		engineType  string
		httpAddr    string
		grpcAddr    string
		noScheduler bool
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for SQLite files and archive work files")
	flag.StringVar(&engineType, "engine", "", "Storage engine: sqlite or postgres")
	flag.StringVar(&httpAddr, "http-addr", "", "Admin HTTP address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC health address")
	flag.BoolVar(&noScheduler, "no-scheduler", false, "Serve the admin API without running the scheduler")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Rangekeeper - range-partition lifecycle management\n\n")
		fmt.Fprintf(os.Stderr, "Usage: rangekeeper [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  rangekeeper --data-dir /data/rangekeeper\n")
		fmt.Fprintf(os.Stderr, "  rangekeeper --config /etc/rangekeeper/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  RANGEKEEPER_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  RANGEKEEPER_ENGINE         Storage engine (sqlite, postgres)\n")
		fmt.Fprintf(os.Stderr, "  RANGEKEEPER_POSTGRES_URL   PostgreSQL connection string\n")
		fmt.Fprintf(os.Stderr, "  RANGEKEEPER_HTTP_ADDR      Admin HTTP address\n")
		fmt.Fprintf(os.Stderr, "  RANGEKEEPER_GRPC_ADDR      gRPC health address\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("rangekeeper version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, engineType, httpAddr, grpcAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if noScheduler {
		cfg.Scheduler.Enabled = false
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown signal error: %v", err)
	}

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig applies the config file, then the environment, then flags.
func loadConfig(configFile, dataDir, engineType, httpAddr, grpcAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if engineType != "" {
		cfg.Engine.Type = engineType
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	return cfg, nil
}

func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                     RANGEKEEPER                           ║")
	log.Printf("║          Range-partition lifecycle management             ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Engine:   %s", cfg.Engine.Type)
	log.Printf("  State:    cursors=%s leases=%s", cfg.State.Cursors, cfg.State.Leases)
	log.Printf("  Archive:  %s", cfg.Archive.Storage)
	log.Printf("")
	log.Printf("Admin API:")
	log.Printf("  HTTP: %s", cfg.HTTP.Addr)
	if cfg.GRPC.Enabled {
		log.Printf("  gRPC: %s", cfg.GRPC.Addr)
	}
	if cfg.Scheduler.Enabled {
		log.Printf("Scheduler:")
		log.Printf("  Check Interval: %v", cfg.Scheduler.CheckInterval)
		for _, t := range cfg.Tables {
			log.Printf("  Table %s (lead %s)", t.Name, t.Lead)
		}
		for _, m := range cfg.Migrations {
			log.Printf("  Migration %s: %s -> %s", m.RunID, m.Source, m.Destination)
		}
	}
	log.Printf("")
}
