package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradeflow/positionengine/internal/application"
	"github.com/tradeflow/positionengine/internal/config"
	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/engine"
	"github.com/tradeflow/positionengine/internal/infrastructure/db"
	"github.com/tradeflow/positionengine/internal/metrics"
	"github.com/tradeflow/positionengine/internal/scheduler"
	"github.com/tradeflow/positionengine/internal/stream"
)

const (
	appName = "positionengine"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Event-sourced equity swap position engine",
		Version: version,
		Long: `positionengine maintains versioned, lot-level swap positions from a
trade stream: hotpath apply for current and forward-dated trades,
coldpath replay for backdated ones.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine",
		Long:  "Starts the trade pipeline, the operational HTTP listener and the archival sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath)
		},
	}

	replayCmd := &cobra.Command{
		Use:   "replay [trade.json]",
		Short: "Reconcile one backdated trade",
		Long:  "Reads a trade JSON document from the given file (or stdin) and runs a coldpath reconciliation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runReplay(configPath, path)
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check database connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(configPath)
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, replayCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return cfg, nil
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := db.NewManager(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database setup failed: %w", err)
	}
	defer manager.Close()
	if err := manager.Migrate(ctx); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var rdb *redis.Client
	if cfg.Cache.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			DB:       cfg.Cache.Redis.DB,
			Password: cfg.Cache.Redis.Password,
		})
		defer rdb.Close()
	}
	rules := engine.NewCachedRules(defaultRules(cfg), rdb, cfg.Cache.Redis.TTL)

	backoff := engine.Backoff{
		Base:       cfg.Engine.RetryBaseDelay,
		Max:        cfg.Engine.RetryMaxDelay,
		MaxRetries: cfg.Engine.MaxRetries,
		Jitter:     true,
	}
	bus := stream.NewMemBus()

	processor := engine.NewProcessor(engine.ProcessorDeps{
		Stores:     manager.HotStores(),
		UnitOfWork: manager.HotUnitOfWork(),
		Rules:      rules,
		Validator:  domain.NewValidator(cfg.Engine.ForwardHorizonDays),
		Producer:   bus,
		Backoff:    backoff,
		Metrics:    m,
		Logger:     log.With().Str("component", "hotpath").Logger(),
	})
	replayer := engine.NewReplayer(engine.ReplayerDeps{
		Stores:           manager.ColdStores(),
		UnitOfWork:       manager.ColdUnitOfWork(),
		Locks:            processor.Locks(),
		Rules:            rules,
		Producer:         bus,
		Backoff:          backoff,
		ReplaysPerSecond: cfg.Engine.ColdReplaysPerSecond,
		Metrics:          m,
		Logger:           log.With().Str("component", "coldpath").Logger(),
	})

	pipeline := application.NewPipeline(application.PipelineDeps{
		Processor: processor,
		Replayer:  replayer,
		Bus:       bus,
		Metrics:   m,
		Logger:    log.With().Str("component", "pipeline").Logger(),
	})
	if err := pipeline.Start(ctx); err != nil {
		return err
	}

	archiver := scheduler.NewArchiver(manager.ColdStores().Snapshots,
		cfg.Scheduler.ArchiveInterval, cfg.Scheduler.ArchiveAfter,
		log.With().Str("component", "archiver").Logger())
	archiver.Start()

	server := opsServer(cfg.Server.Addr, registry, manager)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	log.Info().Str("addr", cfg.Server.Addr).Msg("engine started")
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	archiver.Stop()
	if err := pipeline.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pipeline shutdown failed")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	return nil
}

func defaultRules(cfg *config.Config) *engine.StaticRules {
	rules := engine.NewStaticRules(nil)
	rules.Default = domain.TaxLotMethod(cfg.Engine.DefaultTaxLotMethod)
	return rules
}

func opsServer(addr string, registry *prometheus.Registry, manager *db.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		status := map[string]interface{}{
			"status": "ok",
			"pools":  manager.Stats(),
		}
		code := http.StatusOK
		if err := manager.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func runMigrate(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	manager, err := db.NewManager(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database setup failed: %w", err)
	}
	defer manager.Close()
	if err := manager.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Msg("schema applied")
	return nil
}

func runReplay(configPath, tradePath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	var data []byte
	if tradePath == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(tradePath)
	}
	if err != nil {
		return fmt.Errorf("failed to read trade document: %w", err)
	}
	var trade domain.Trade
	if err := json.Unmarshal(data, &trade); err != nil {
		return fmt.Errorf("failed to parse trade document: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	manager, err := db.NewManager(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database setup failed: %w", err)
	}
	defer manager.Close()

	replayer := engine.NewReplayer(engine.ReplayerDeps{
		Stores:     manager.ColdStores(),
		UnitOfWork: manager.ColdUnitOfWork(),
		Rules:      defaultRules(cfg),
		Logger:     log.With().Str("component", "coldpath").Logger(),
	})
	if err := replayer.Reconcile(ctx, trade); err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	log.Info().Str("trade_id", trade.ID).Msg("trade reconciled")
	return nil
}

func runHealth(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	manager, err := db.NewManager(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database setup failed: %w", err)
	}
	defer manager.Close()
	if err := manager.Ping(ctx); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}
