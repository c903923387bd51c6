package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/backend"
	"github.com/amerfu/ollamux/internal/gateway/compact"
	"github.com/amerfu/ollamux/internal/gateway/dispatch"
	"github.com/amerfu/ollamux/internal/gateway/pool"
	"github.com/amerfu/ollamux/internal/logger"
	"github.com/amerfu/ollamux/internal/router"
)

const version = "0.3.0"

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	transportPool := pool.New(log)
	defer transportPool.Shutdown()

	store, err := buildStore(cfg, log)
	if err != nil {
		return err
	}

	compactor := compact.New(store, compact.Config{
		ToolDedup:    cfg.Proxy.ToolCompressionEnabled,
		PromptDiff:   cfg.Proxy.PromptCompressionEnabled,
		MinPrefixLen: cfg.Proxy.MinPrefixLength,
	}, log)

	factory, err := backend.NewFactory(cfg.ModelGroups, transportPool, log)
	if err != nil {
		return fmt.Errorf("backend configuration invalid: %w", err)
	}

	table := config.NewModelTable(cfg.ModelGroups)
	engine := dispatch.NewEngine(table, factory, compactor, log)

	servers := []*http.Server{
		{
			Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: router.New(router.Deps{
				Config:  cfg,
				Logger:  log,
				Engine:  engine,
				Pool:    transportPool,
				Table:   table,
				Version: version,
			}),
			ReadTimeout: cfg.Server.ReadTimeout,
			// WriteTimeout stays generous: streaming responses hold the
			// connection open for the whole generation.
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
			Handler: router.NewMetricsRouter(log),
		},
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(s *http.Server) {
			log.Info("listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("server %s: %w", s.Addr, err)
			}
		}(srv)
	}

	log.Info("ollamux started",
		zap.String("version", version),
		zap.Int("model_groups", len(cfg.ModelGroups)),
		zap.Int("virtual_models", len(table.VirtualModels())))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("shutdown incomplete", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	return nil
}

// buildStore picks the session state backend: Redis when configured, an
// in-process LRU otherwise.
func buildStore(cfg *config.Config, log *zap.Logger) (compact.Store, error) {
	if cfg.Redis.URL == "" {
		log.Info("using in-memory session store",
			zap.Int("max_sessions", cfg.Proxy.MaxSessions),
			zap.Duration("ttl", cfg.Proxy.SessionTTL))
		return compact.NewMemoryStore(cfg.Proxy.MaxSessions, cfg.Proxy.SessionTTL), nil
	}

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opt.DB = cfg.Redis.DB
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("using Redis session store", zap.String("addr", opt.Addr))
	return compact.NewRedisStore(client, cfg.Proxy.SessionTTL), nil
}
