package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nikolay-makurin/streamsink/internal/config"
	"github.com/nikolay-makurin/streamsink/internal/pipeline"
	"github.com/nikolay-makurin/streamsink/internal/planner"
	"github.com/nikolay-makurin/streamsink/internal/protocol"
	"github.com/nikolay-makurin/streamsink/internal/registry"
	"github.com/nikolay-makurin/streamsink/internal/sink"
	"github.com/nikolay-makurin/streamsink/internal/telemetry"
	"github.com/nikolay-makurin/streamsink/internal/typemap"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Telemetry
	telemetry.Init(cfg.Telemetry.Address)
	slog.Info("Starting streamsink",
		"driver", cfg.Target.Driver,
		"load_method", cfg.Pipeline.LoadMethod,
		"batch_size", cfg.Pipeline.BatchSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Database client
	client, err := newClient(ctx, cfg)
	if err != nil {
		slog.Error("Failed to init database client", "driver", cfg.Target.Driver, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	// Wrap with Retry
	retried := sink.NewRetryClient(client, sink.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff:     cfg.Retry.Backoff,
		Timeout:     cfg.Pipeline.FlushTimeout,
	})

	// 4. Type mapper + registry
	mapper, err := typemap.New(cfg.Typing.EnableHeuristics, cfg.Typing.TextMaxLength, cfg.Typing.Overrides)
	if err != nil {
		slog.Error("Failed to build type mapper", "error", err)
		os.Exit(1)
	}
	reg := registry.New(mapper, cfg.Pipeline.Strict, cfg.Pipeline.BatchSize)

	// 5. Checkpoint emitter (stdout is the protocol output channel)
	emitter := pipeline.NewEmitter(os.Stdout)
	if cfg.State.RedisMirror != "" {
		if err := emitter.WithRedisMirror(cfg.State.RedisMirror); err != nil {
			slog.Error("Failed to init checkpoint mirror", "error", err)
			os.Exit(1)
		}
	}
	defer emitter.Close()

	// 6. Router
	router := pipeline.NewRouter(cfg, reg, retried, dialectPlanner(cfg.Target.Driver), emitter)

	// 7. Consume stdin until EOF or signal
	if err := router.Run(ctx, protocol.NewReader(os.Stdin)); err != nil {
		slog.Error("Pipeline failed", "kind", errorKind(err), "error", err)
		os.Exit(1)
	}

	slog.Info("Done", "checkpoints", emitter.Count())
}

func newClient(ctx context.Context, cfg *config.Config) (sink.Client, error) {
	switch cfg.Target.Driver {
	case config.DriverPostgres:
		return sink.NewPostgresClient(ctx, cfg.Target.DSN)
	case config.DriverSQLite:
		return sink.NewSQLiteClient(ctx, cfg.Target.DSN)
	case config.DriverClickHouse:
		return sink.NewClickHouseClient(cfg.Target.DSN)
	}
	return nil, &config.ConfigurationError{Field: "target.driver", Reason: "unsupported driver"}
}

func dialectPlanner(driver string) *planner.Planner {
	switch driver {
	case config.DriverSQLite:
		return planner.New(planner.DialectSQLite)
	case config.DriverClickHouse:
		return planner.New(planner.DialectClickHouse)
	default:
		return planner.New(planner.DialectPostgres)
	}
}

// errorKind names the failure class for the shutdown diagnostic.
func errorKind(err error) string {
	var (
		parseErr   *protocol.ParseError
		unknownErr *protocol.UnknownTypeError
		streamErr  *registry.UnknownStreamError
		schemaErr  *registry.SchemaMismatchError
		confErr    *config.ConfigurationError
		loadErr    *sink.LoadError
	)
	switch {
	case errors.As(err, &parseErr):
		return "ParseError"
	case errors.As(err, &unknownErr):
		return "ParseError"
	case errors.As(err, &streamErr):
		return "UnknownStreamError"
	case errors.As(err, &schemaErr):
		return "SchemaMismatchError"
	case errors.As(err, &confErr):
		return "ConfigurationError"
	case errors.As(err, &loadErr):
		return "LoadError"
	}
	return "InternalError"
}
