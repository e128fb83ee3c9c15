package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/app"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/config"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/docmap"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/edit"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/guardrails"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/llm"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/session"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "json-editor: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("json-editor", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file (env "+config.EnvConfigPath+")")
	addr := flags.String("addr", "", "listen address, overrides the config")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	external := openRedis(cfg, logger)
	sessions := session.NewCoordinator(session.NewMemoryStore(nil), external, session.Options{
		TTL:            cfg.SessionTTL,
		PreferExternal: cfg.PreferRedis,
		Logger:         logger,
	})
	defer sessions.Close()

	db, audit, err := openAudit(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	guards, err := guardrails.New(cfg.Guardrails, logger)
	if err != nil {
		return fmt.Errorf("guardrails: %w", err)
	}
	provider, err := llm.New(cfg.LLM, nil, logger)
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}

	workflow := edit.New(guards, provider, sessions, edit.Options{
		MaxDocumentSize: cfg.MaxDocumentSize,
		ProviderTimeout: cfg.LLM.Timeout,
		Mapper:          docmap.New(cfg.MaxNestingDepth),
		Logger:          logger,
	})

	var service *app.Service
	if audit != nil {
		service = app.NewService(workflow, sessions, audit, logger)
	} else {
		service = app.NewService(workflow, sessions, nil, logger)
	}

	if cfg.CleanupSchedule != "" {
		scheduler, err := session.NewCleanupScheduler(sessions, cfg.CleanupSchedule, logger)
		if err != nil {
			return fmt.Errorf("cleanup schedule: %w", err)
		}
		go scheduler.Run(ctx)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.LLM.Timeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("json editor listening", "addr", cfg.Addr, "provider", provider.Name(), "model", provider.Model())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "err", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openRedis returns nil when Redis is not configured or not reachable; the
// service then runs on the in-memory store alone.
func openRedis(cfg config.Config, logger *slog.Logger) session.Backend {
	if !cfg.Redis.Enabled() {
		logger.Info("redis not configured, using in-memory sessions only")
		return nil
	}
	rs, err := session.NewRedisStoreFromOptions(cfg.Redis.Options())
	if err != nil {
		logger.Warn("redis unavailable, using in-memory sessions only", "err", err)
		return nil
	}
	logger.Info("redis session backend connected", "prefer_redis", cfg.PreferRedis)
	return rs
}

func openAudit(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sql.DB, *store.AuditStore, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Info("database not configured, applied changes will not be audited")
		return nil, nil, nil
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, store.NewAuditStore(db), nil
}
