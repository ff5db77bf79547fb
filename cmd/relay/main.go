package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/vmorsell/frame-relay/internal/broadcast"
	"github.com/vmorsell/frame-relay/internal/config"
	"github.com/vmorsell/frame-relay/internal/memguard"
	"github.com/vmorsell/frame-relay/internal/metrics"
	"github.com/vmorsell/frame-relay/internal/ratelimit"
	"github.com/vmorsell/frame-relay/internal/relay"
	"github.com/vmorsell/frame-relay/internal/server"
	"github.com/vmorsell/frame-relay/internal/sink"
	"github.com/vmorsell/frame-relay/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvConfig), "Path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[FATAL] %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Fatal("relay failed", zap.Error(err))
	}
	logger.Info("relay exited")
}

func newLogger(level, format string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	m := metrics.New()

	sinks, journal, closeSinks, err := buildSinks(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()
	dispatcher := sink.NewDispatcher(logger, m, cfg.Sinks.QueueSize, cfg.Sinks.Timeout.Std(), sinks...)

	var r *relay.Relay
	hub := broadcast.NewHub(logger, m, broadcast.Options{
		QueueSize: cfg.Subscribers.QueueSize,
		Snapshot:  func() [][]byte { return r.StatusSnapshot() },
	})
	r = relay.New(logger, cfg.RelayOptions(), memguard.NewRuntimeSource(cfg.Relay.MemoryBudget), hub,
		relay.WithSinks(dispatcher),
		relay.WithMetrics(m),
	)

	opts := server.Options{
		Transport: cfg.TransportOptions(),
		ChunkSize: cfg.Relay.ChunkSize,
	}
	if journal != nil {
		opts.Journal = journal
	}
	limiter := ratelimit.NewRateLimiter(cfg.Producers.RateLimit, cfg.Producers.RateWindow.Std())
	h := server.NewHandler(logger, r, hub, limiter, m, opts)
	srv := server.NewHTTPServer(cfg.Addr(), h.Routes())

	// The dispatcher outlives the pump so shutdown evictions reach the sinks.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopSinks()
		return r.Run(gctx)
	})
	g.Go(func() error {
		return dispatcher.Run(sinkCtx)
	})
	g.Go(func() error {
		logger.Info("frame relay started",
			zap.String("addr", srv.Addr),
			zap.Int("slots", cfg.Relay.Slots),
			zap.Int("sinks", len(sinks)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildSinks connects the configured event sinks. The returned journal is nil when no
// status table is configured.
func buildSinks(ctx context.Context, logger *zap.Logger, cfg config.Config) ([]sink.Sink, *storage.Storage, func(), error) {
	var (
		sinks   []sink.Sink
		journal *storage.Storage
		closers []func()
	)
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if table := cfg.Sinks.StatusTable; table != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("load AWS config: %w", err)
		}
		journal = storage.NewStorage(logger, dynamodb.NewFromConfig(awsCfg), table)
		sinks = append(sinks, journal)
		logger.Info("status journal enabled", zap.String("table", table))
	}

	if url := cfg.Sinks.NATSURL; url != "" {
		nc, err := sink.DialNATS(logger, url, cfg.Sinks.NATSPrefix)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("connect to NATS: %w", err)
		}
		sinks = append(sinks, nc)
		closers = append(closers, nc.Close)
		logger.Info("NATS event sink enabled", zap.String("url", url))
	}

	return sinks, journal, cleanup, nil
}
