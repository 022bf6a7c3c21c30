package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	genesis "vaultchain/config"
	"vaultchain/core/events"
	"vaultchain/observability"
	"vaultchain/observability/logging"
	telemetry "vaultchain/observability/otel"
	"vaultchain/services/vaultd/config"
	"vaultchain/services/vaultd/idempotency"
	"vaultchain/services/vaultd/middleware"
	"vaultchain/services/vaultd/models"
	"vaultchain/services/vaultd/node"
	"vaultchain/services/vaultd/server"
	"vaultchain/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/vaultd/config.yaml", "path to vaultd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("vaultd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("VAULTCHAIN_ENV"))
	logger, logCloser := logging.SetupWithOptions("vaultd", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if logCloser != nil {
		defer logCloser.Close()
	}

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "vaultd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     otlpEndpoint != "",
		Traces:      otlpEndpoint != "",
	})
	if err != nil {
		log.Fatalf("vaultd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("vaultd: create data dir: %v", err)
	}
	g, err := genesis.Load(cfg.GenesisPath, genesis.WithKeystorePassphrase(os.Getenv("VAULTD_KEYSTORE_PASSPHRASE")))
	if err != nil {
		log.Fatalf("vaultd: load genesis: %v", err)
	}

	history, err := models.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("vaultd: open history: %v", err)
	}
	state, err := storage.NewLevelDB(cfg.Chain.StatePath)
	if err != nil {
		log.Fatalf("vaultd: open state: %v", err)
	}
	defer state.Close()

	recorder := models.NewRecorder(history, logger)
	n, err := node.Build(g, node.Options{
		Logger:  logger,
		Emitter: events.Multi{recorder},
		Metrics: observability.Treasury(),
	})
	if err != nil {
		log.Fatalf("vaultd: build node: %v", err)
	}
	restored, err := n.Restore(state)
	if err != nil {
		log.Fatalf("vaultd: restore state: %v", err)
	}
	if restored {
		logger.Info("vaultd: state restored", "height", n.Height())
	} else if err := n.Commit(state); err != nil {
		log.Fatalf("vaultd: write genesis state: %v", err)
	}

	store, err := idempotency.NewStore(cfg.Idempotency.Path, nil)
	if err != nil {
		log.Fatalf("vaultd: open idempotency store: %v", err)
	}
	defer store.Close()

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		limits[name] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)

	srv, err := server.New(server.Config{
		ListenAddress:  cfg.ListenAddress,
		AdminScope:     cfg.Auth.AdminScope,
		BlockInterval:  cfg.Chain.BlockInterval.Duration,
		RebaseInterval: cfg.Chain.RebaseInterval.Duration,
		ReportsDir:     cfg.Reports.Dir,
		IdempotencyTTL: cfg.Idempotency.TTL.Duration,
	}, server.Deps{
		Node:        n,
		State:       state,
		History:     history,
		Feed:        recorder,
		Idempotency: store,
		Auth:        auth,
		Limits:      limits,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("vaultd: configure server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("vaultd: starting", "admin", n.Admin().String(), "assets", len(n.Directory().Controllers()))
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("vaultd: server error: %v", err)
	}
	if err := n.Commit(state); err != nil {
		logger.Error("vaultd: final checkpoint failed", "error", err)
	}
	logger.Info("vaultd: stopped")
}
