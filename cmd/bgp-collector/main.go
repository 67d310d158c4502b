package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bgp-collector/internal/config"
	"github.com/route-beacon/bgp-collector/internal/db"
	collhttp "github.com/route-beacon/bgp-collector/internal/http"
	"github.com/route-beacon/bgp-collector/internal/ingest"
	"github.com/route-beacon/bgp-collector/internal/kafka"
	"github.com/route-beacon/bgp-collector/internal/maintenance"
	"github.com/route-beacon/bgp-collector/internal/metrics"
	"github.com/route-beacon/bgp-collector/internal/store"
	"github.com/route-beacon/bgp-collector/migrations"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-collector <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the collection service")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgp-collector",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database.
	pool, err := db.NewPool(ctx, &cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Ensure partitions exist on startup.
	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.CreatePartitions(ctx); err != nil {
		logger.Fatal("failed to create partitions on startup", zap.Error(err))
	}

	pg := store.NewPostgres(pool, logger.Named("store"),
		cfg.Ingest.StoreRawMessages, cfg.Ingest.CompressRawMessages)

	pipeline := ingest.NewPipeline(pg, logger.Named("ingest"),
		cfg.Ingest.MaxPayloadBytes, cfg.Ingest.DebugBGP, cfg.Ingest.DefaultASNWidth)

	records := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	flushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)

	consumer, err := kafka.NewConsumer(&cfg.Kafka, logger.Named("kafka"))
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); consumer.Run(ctx, records, flushed) }()
	go func() {
		defer wg.Done()
		pipeline.Run(ctx, records, flushed)
		close(flushed)
	}()

	logger.Info("ingest pipeline started",
		zap.Strings("topics", cfg.Kafka.Topics),
		zap.String("group_id", cfg.Kafka.GroupID),
	)

	// --- HTTP server ---
	httpServer := collhttp.NewServer(cfg.Service.HTTPListen, pool, consumer, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel context to stop the pipeline.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("pipeline stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("bgp-collector stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, &cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrations.Files, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, &cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format: redact the password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
