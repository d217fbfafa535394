package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/leadguard/internal/audit"
	"github.com/wudi/leadguard/internal/config"
	"github.com/wudi/leadguard/internal/digest"
	"github.com/wudi/leadguard/internal/engine"
	"github.com/wudi/leadguard/internal/logging"
	"github.com/wudi/leadguard/internal/metrics"
	"github.com/wudi/leadguard/internal/server"
	sig "github.com/wudi/leadguard/internal/signal"
	"github.com/wudi/leadguard/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/leadguard.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("leadguard %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting leadguard",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("addr", cfg.Server.Addr),
		zap.Int("purposes", len(cfg.Purposes)),
	)

	counters, nonces, cleanup, err := buildStores(cfg)
	if err != nil {
		logging.Error("Failed to connect store", zap.Error(err))
		os.Exit(1)
	}
	defer cleanup()

	deps := engine.Deps{
		Counters: counters,
		Nonces:   nonces,
		Metrics:  metrics.NewCollector(),
	}

	if cfg.Signals.ASNDatabase != "" {
		resolver, err := sig.OpenASNDatabase(cfg.Signals.ASNDatabase)
		if err != nil {
			logging.Error("Failed to open ASN database", zap.Error(err))
			os.Exit(1)
		}
		defer resolver.Close()
		deps.ASN = resolver
	}

	if cfg.Digest.Enabled {
		reporter := digest.New(cfg.Digest.Interval)
		defer reporter.Close()
		deps.Digest = reporter
	}

	var recorder audit.Recorder = audit.NopRecorder{}
	if cfg.Audit.Enabled {
		fr := audit.NewFileRecorder(cfg.Audit)
		defer fr.Close()
		recorder = fr
	}

	eng := engine.New(cfg, deps)
	srv := server.New(cfg, eng, recorder, deps.Metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}

	logging.Info("Shutdown complete")
}

// buildStores picks Redis when an address is configured, the in-process
// store otherwise. Counters and nonces share one Redis connection but
// get separate in-memory stores.
func buildStores(cfg *config.Config) (counters, nonces store.Store, cleanup func(), err error) {
	if cfg.Redis.Addr == "" {
		logging.Warn("no redis configured, counters and nonces are process-local")
		c := store.NewMemoryStore(time.Minute)
		n := store.NewMemoryStore(time.Minute)
		return c, n, func() {
			c.Close()
			n.Close()
		}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	rs := store.NewRedisStore(client, "")
	return rs, rs, func() { client.Close() }, nil
}
