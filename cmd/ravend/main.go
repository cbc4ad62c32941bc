// Ravend is a team knowledge daemon: it stores scoped facts with
// provenance, answers questions from them, and escalates to humans
// when the answer is not good enough.
//
// Configuration is loaded from an optional YAML file and RAVEND_*
// environment variables.
//
// Usage:
//
//	# Start with defaults (heuristic capability, ./ravend.db)
//	ravend
//
//	# Configure via file and environment
//	ravend -config /etc/ravend/config.yaml
//	RAVEND_SERVER_PORT=8080 RAVEND_LLM_PROVIDER=anthropic ravend
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/corvidlabs/ravend/internal/ask"
	"github.com/corvidlabs/ravend/internal/config"
	"github.com/corvidlabs/ravend/internal/escalation"
	ravenhttp "github.com/corvidlabs/ravend/internal/http"
	"github.com/corvidlabs/ravend/internal/knowledge"
	"github.com/corvidlabs/ravend/internal/llm"
	"github.com/corvidlabs/ravend/internal/logging"
	"github.com/corvidlabs/ravend/internal/objective"
	"github.com/corvidlabs/ravend/internal/remember"
	"github.com/corvidlabs/ravend/internal/scope"
	"github.com/corvidlabs/ravend/internal/storage"
	"github.com/corvidlabs/ravend/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Println("server shutdown complete")
}

func printVersion() {
	fmt.Printf("ravend by Corvid Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every service and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting ravend",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("db", cfg.Storage.Path),
		zap.String("llm_provider", cfg.LLM.Provider))

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
		}
	}()
	if tel.Degraded() {
		logger.Warn(ctx, "telemetry degraded, continuing without export")
	}

	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer db.Close()

	capability, err := llm.New(llm.Config{
		Provider:  cfg.LLM.Provider,
		APIKey:    cfg.LLM.APIKey.Value(),
		Model:     cfg.LLM.Model,
		BaseURL:   cfg.LLM.BaseURL,
		Timeout:   cfg.LLM.Timeout.Duration(),
		RateLimit: cfg.LLM.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("initializing llm capability: %w", err)
	}

	scopes, err := scope.NewService(db, logger)
	if err != nil {
		return fmt.Errorf("initializing scope service: %w", err)
	}
	store, err := knowledge.NewStore(db, logger,
		knowledge.WithSimilarityThreshold(cfg.Knowledge.SimilarityThreshold))
	if err != nil {
		return fmt.Errorf("initializing knowledge store: %w", err)
	}
	pipeline, err := remember.NewPipeline(store, capability, logger,
		remember.WithPreviewTTL(cfg.Knowledge.PreviewTTL.Duration()))
	if err != nil {
		return fmt.Errorf("initializing remember pipeline: %w", err)
	}
	engine, err := ask.NewEngine(store, capability, logger,
		ask.WithEscalationThreshold(cfg.Knowledge.EscalationThreshold))
	if err != nil {
		return fmt.Errorf("initializing ask engine: %w", err)
	}
	manager, err := escalation.NewManager(db, pipeline, capability, logger)
	if err != nil {
		return fmt.Errorf("initializing escalation manager: %w", err)
	}
	scheduler, err := objective.NewScheduler(db, manager, capability, logger)
	if err != nil {
		return fmt.Errorf("initializing objective scheduler: %w", err)
	}
	manager.SetScheduler(scheduler)

	pipeline.Start()
	defer pipeline.Stop()

	srv, err := ravenhttp.NewServer(ravenhttp.Services{
		Scopes:     scopes,
		Remember:   pipeline,
		Ask:        engine,
		Escalation: manager,
		Objectives: scheduler,
		Store:      db,
	}, logger, &ravenhttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// initLogger builds the structured logger from config.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	return logging.NewLogger(logCfg)
}

// telemetryConfig maps daemon config onto the telemetry package.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	tc.ServiceName = cfg.Telemetry.ServiceName
	tc.ServiceVersion = version
	if cfg.Telemetry.Endpoint != "" {
		tc.Endpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.Protocol == "http" {
		tc.Protocol = "http/protobuf"
	}
	tc.Insecure = cfg.Telemetry.Insecure
	return tc
}
