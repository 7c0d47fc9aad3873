package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	app "github.com/flowmonkey/engine"
	"github.com/flowmonkey/engine/internal/config"
	"github.com/flowmonkey/engine/internal/engine"
	"github.com/flowmonkey/engine/internal/store/blob"
	"github.com/flowmonkey/engine/internal/store/memory"
	rstore "github.com/flowmonkey/engine/internal/store/redis"
	sqlstore "github.com/flowmonkey/engine/internal/store/sqlite"
	"github.com/flowmonkey/engine/pkg/events"
	"github.com/flowmonkey/engine/pkg/log"
)

type flowmonkey struct {
	cfg        *config.Config
	deps       engine.Dependencies
	dispatcher *events.Dispatcher
	engine     *engine.Engine
	runner     *engine.Runner
	reaper     *engine.Reaper
	closers    []func() error
	quit       chan os.Signal
}

var (
	ErrOpenRedis  = errors.New("failed to connect to redis")
	ErrOpenSQLite = errors.New("failed to open sqlite database")
	ErrOpenBlob   = errors.New("failed to open blob bucket")
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	s := &flowmonkey{
		cfg:  cfg,
		quit: make(chan os.Signal, 1),
	}
	s.setupLogging()

	if err := s.run(); err != nil {
		slog.Error("Failed to start application", log.Error(err))
		os.Exit(1)
	}
}

func (s *flowmonkey) run() error {
	if err := s.initializeStores(); err != nil {
		s.closeStores()
		return err
	}
	s.initializeEngine()

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	s.shutdown()
	return nil
}

func (s *flowmonkey) setupLogging() {
	level, ok := logLevels[s.cfg.LogLevel]
	if !ok {
		level = slog.LevelInfo
	}

	env := os.Getenv("ENV")
	logger := log.NewWithLevel(app.Name, env, app.Version, level)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("Flowmonkey engine starting",
		slog.String("log_level", s.cfg.LogLevel),
		slog.String("store_backend", s.cfg.StoreBackend))
}

func (s *flowmonkey) initializeStores() error {
	switch s.cfg.StoreBackend {
	case "redis":
		if err := s.openRedis(); err != nil {
			return err
		}
	case "sqlite":
		if err := s.openSQLite(); err != nil {
			return err
		}
	default:
		s.openMemory()
	}

	if s.cfg.BlobURL != "" {
		storage, err := blob.New(
			context.Background(), s.cfg.BlobURL, "ctx/",
		)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOpenBlob, err)
		}
		s.deps.ContextStorage = storage
		s.closers = append(s.closers, storage.Close)
		slog.Info("Blob context storage enabled",
			slog.String("blob_url", s.cfg.BlobURL))
	}
	return nil
}

func (s *flowmonkey) openMemory() {
	stores := memory.NewStores()
	s.deps = engine.Dependencies{
		Executions:     stores.Executions,
		Locks:          stores.Locks,
		Jobs:           stores.Jobs,
		Tokens:         stores.Tokens,
		Tables:         stores.Rows,
		TableRegistry:  stores.Tables,
		WAL:            stores.WAL,
		Flows:          stores.Flows,
		ContextStorage: stores.Context,
	}
}

func (s *flowmonkey) openRedis() error {
	client := goredis.NewClient(&goredis.Options{
		Addr: s.cfg.RedisAddr,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: %w", ErrOpenRedis, err)
	}
	s.closers = append(s.closers, client.Close)

	stores := rstore.NewStores(client, s.cfg.StorePrefix)
	s.deps = engine.Dependencies{
		Executions:     stores.Executions,
		Locks:          stores.Locks,
		Jobs:           stores.Jobs,
		Tokens:         stores.Tokens,
		Tables:         stores.Rows,
		TableRegistry:  stores.Tables,
		WAL:            stores.WAL,
		Flows:          stores.Flows,
		ContextStorage: stores.Context,
	}
	slog.Info("Redis store connected",
		slog.String("redis_addr", s.cfg.RedisAddr),
		slog.String("store_prefix", s.cfg.StorePrefix))
	return nil
}

func (s *flowmonkey) openSQLite() error {
	stores, err := sqlstore.Open(s.cfg.SQLitePath, s.cfg.StorePrefix)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenSQLite, err)
	}
	s.closers = append(s.closers, stores.Close)

	s.deps = engine.Dependencies{
		Executions:     stores.Executions,
		Locks:          stores.Locks,
		Jobs:           stores.Jobs,
		Tokens:         stores.Tokens,
		Tables:         stores.Rows,
		TableRegistry:  stores.Tables,
		WAL:            stores.WAL,
		Flows:          stores.Flows,
		ContextStorage: stores.Context,
	}
	slog.Info("SQLite store opened",
		slog.String("sqlite_path", s.cfg.SQLitePath))
	return nil
}

func (s *flowmonkey) initializeEngine() {
	s.dispatcher = events.NewDispatcher(events.Queued)
	s.dispatcher.Start()
	s.deps.Events = s.dispatcher

	s.engine = engine.New(s.deps, s.cfg)
	s.engine.Start()

	s.runner = engine.NewRunner(s.engine, s.cfg.WakeInterval)
	s.runner.Start()

	s.reaper = engine.NewReaper(s.engine, s.cfg.ReaperInterval)
	s.reaper.Start()
}

func (s *flowmonkey) shutdown() {
	slog.Info("Shutting down")

	s.runner.Stop()
	s.reaper.Stop()

	if err := s.engine.Stop(); err != nil {
		slog.Error("Engine shutdown failed", log.Error(err))
	}
	s.dispatcher.Flush()
	s.closeStores()

	slog.Info("Server exited")
}

func (s *flowmonkey) closeStores() {
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			slog.Error("Store close failed", log.Error(err))
		}
	}
}
