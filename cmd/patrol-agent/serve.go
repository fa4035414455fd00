package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/spf13/cobra"
	"github.com/triage-ai/patrol/internal/alert"
	"github.com/triage-ai/patrol/internal/api"
	"github.com/triage-ai/patrol/internal/auth"
	"github.com/triage-ai/patrol/internal/chread"
	"github.com/triage-ai/patrol/internal/config"
	"github.com/triage-ai/patrol/internal/deepscan"
	"github.com/triage-ai/patrol/internal/device"
	"github.com/triage-ai/patrol/internal/engine"
	"github.com/triage-ai/patrol/internal/evidence"
	"github.com/triage-ai/patrol/internal/frames"
	"github.com/triage-ai/patrol/internal/patrol"
	"github.com/triage-ai/patrol/internal/storage"
	"github.com/triage-ai/patrol/internal/store"
	"github.com/triage-ai/patrol/internal/stream"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the patrol agent and its HTTP control API",
	Long: `Run the patrol agent. Configuration comes from PATROL_* environment
variables, optionally layered over the YAML file named by PATROL_CONFIG_FILE.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting patrol agent",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("perception_endpoint", cfg.PerceptionEndpoint),
		zap.String("reasoning_endpoint", cfg.ReasoningEndpoint),
		zap.Duration("deep_scan_timeout", cfg.DeepScanTimeout),
		zap.Duration("frame_interval", cfg.FrameInterval),
		zap.Int("evidence_capacity", cfg.EvidenceCapacity),
	)

	dev := device.NewSynthetic()
	encoder := frames.Encoder{MaxWidth: cfg.FrameMaxWidth, Quality: cfg.JPEGQuality}

	// Live perception link
	transport, err := stream.NewGRPCTransport(cfg.PerceptionEndpoint, logger.Named("perception"))
	if err != nil {
		logger.Fatal("failed to create perception transport", zap.Error(err))
	}
	defer func() { _ = transport.Close() }()

	launcher := &stream.Launcher{
		Transport: transport,
		Outputs:   dev,
		Setup: stream.Setup{
			Voice:               cfg.Voice,
			SystemInstruction:   cfg.SystemInstruction,
			OutputTranscription: true,
		},
		Frames:       frames.Config{Interval: cfg.FrameInterval, Encoder: encoder},
		SetupTimeout: cfg.SetupTimeout,
		Logger:       logger.Named("stream"),
	}

	// Deep scan reasoning service
	scanner, err := deepscan.NewClient(cfg.ReasoningEndpoint, cfg.DeepScanTimeout, logger.Named("deepscan"))
	if err != nil {
		logger.Fatal("failed to create deep scan client", zap.Error(err))
	}
	defer func() { _ = scanner.Close() }()

	verifier, err := auth.NewBcryptVerifier(cfg.OperatorPasswordHash)
	if err != nil {
		logger.Fatal("invalid operator password hash", zap.Error(err))
	}
	if cfg.OperatorPasswordHash == "" {
		logger.Warn("no PATROL_OPERATOR_PASSWORD_HASH set, any non-empty credential is accepted")
	}

	var bellOut io.Writer = io.Discard
	if cfg.AlarmBell {
		bellOut = os.Stderr
	}

	// Event sink: ClickHouse, or LogWriter as fallback
	var writer storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger.Named("events"))
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger.Named("events"))
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger.Named("events"))
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Postgres archive store (optional)
	var pgStore *store.Store
	if cfg.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := openPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			cancel()
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		pgStore = store.NewStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			cancel()
			logger.Fatal("failed to migrate postgres", zap.Error(err))
		}
		cancel()
		logger.Info("postgres connected")
	} else {
		logger.Info("no POSTGRES_DSN set, archiving is disabled")
	}

	// ClickHouse reader (for events/activity HTTP endpoints)
	var chReader *chread.Reader
	if cfg.ClickHouseDSN != "" {
		chReader, err = chread.NewReader(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	}

	pcfg := patrol.Config{
		Device:     dev,
		Open:       patrol.LaunchWith(launcher),
		Scanner:    scanner,
		Verifier:   verifier,
		Evidence:   evidence.NewStore(cfg.EvidenceCapacity, cfg.EvidenceSpacing, logger.Named("evidence")),
		Classifier: engine.NewClassifier(cfg.MinNarrationLength),
		Alerter:    alert.NewBell(bellOut, cfg.EvidenceSpacing, logger.Named("alert")),
		Events:     writer,
		Encoder:    encoder,
		Logger:     logger.Named("patrol"),
	}
	if pgStore != nil {
		pcfg.Archiver = pgStore
	}
	machine, err := patrol.New(pcfg)
	if err != nil {
		logger.Fatal("failed to create patrol machine", zap.Error(err))
	}

	runCtx, stopMachine := context.WithCancel(context.Background())
	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		if err := machine.Run(runCtx); err != nil {
			logger.Error("patrol machine stopped", zap.Error(err))
		}
	}()

	// HTTP control API
	deps := &api.Dependencies{
		Patrol:   machine,
		APIToken: cfg.APIToken,
		Logger:   logger,
	}
	if pgStore != nil {
		deps.Archives = pgStore
	}
	if chReader != nil {
		deps.Reader = chReader
	}
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	stopMachine()
	<-machineDone

	logger.Info("patrol agent stopped")
	return nil
}

// openPostgres opens a pgx-backed pool and checks connectivity.
func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
