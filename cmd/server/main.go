package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/hexrelay/internal/logging"
	"github.com/Tyrowin/hexrelay/internal/relay"
	"github.com/Tyrowin/hexrelay/internal/server"
	"github.com/Tyrowin/hexrelay/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "hexrelay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := server.NewHub(logger.Named("hub"), server.NewMetrics(reg))

	opts := cfg.ServiceOptions()
	opts.Logger = logger.Named("relay")
	opts.Metrics = relay.NewMetrics(reg)
	svc := relay.NewService(st, hub, opts)

	deps := server.Deps{
		Service:  svc,
		Hub:      hub,
		Gatherer: reg,
		Logger:   logger.Named("http"),
	}
	if cfg.RateLimit.RedisAddr != "" {
		limiter, err := server.NewFixedWindowLimiter(
			cfg.RateLimit.RedisAddr,
			cfg.RateLimit.RedisPassword,
			"hexrelay:ratelimit",
			cfg.RateLimit.RequestsPerMinute,
			time.Minute,
		)
		if err != nil {
			return fmt.Errorf("configure write limiter: %w", err)
		}
		defer func() { _ = limiter.Close() }()
		deps.Limiter = limiter
	}
	srv := server.New(cfg, deps)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting hexrelay",
		zap.String("address", cfg.HTTPAddress),
		zap.String("storage", cfg.Storage.Driver),
		zap.Duration("retention", cfg.Retention.MaxAge),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := hub.Shutdown(cfg.ShutdownGracePeriod); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return svc.RunExpiry(gctx, cfg.Retention.SweepInterval, cfg.Retention.MaxAge)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("hexrelay stopped")
	return nil
}

func openStore(cfg server.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case server.StorageMemory:
		return store.NewMemoryStore(), nil
	case server.StorageSQLite:
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		return store.OpenSQLite(cfg.Path)
	case server.StoragePostgres:
		return store.NewGormStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
