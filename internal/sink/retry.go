package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/nikolay-makurin/streamsink/internal/planner"
	"github.com/nikolay-makurin/streamsink/pkg/types"
)

type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	// Timeout bounds each flush attempt; the transaction aborts when it
	// expires and the attempt counts as failed.
	Timeout time.Duration
}

// RetryClient wraps a Client and retries ExecuteBatch with exponential
// backoff. DDL calls pass through: they are idempotent and run once per
// schema message.
type RetryClient struct {
	next Client
	cfg  RetryConfig
}

func NewRetryClient(next Client, cfg RetryConfig) *RetryClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	return &RetryClient{next: next, cfg: cfg}
}

func (r *RetryClient) TableExists(ctx context.Context, table string) (bool, error) {
	return r.next.TableExists(ctx, table)
}

func (r *RetryClient) CreateTable(ctx context.Context, def *types.StreamDefinition, withKeys bool) error {
	return r.next.CreateTable(ctx, def, withKeys)
}

func (r *RetryClient) AddColumns(ctx context.Context, table string, cols []types.Column) error {
	return r.next.AddColumns(ctx, table, cols)
}

func (r *RetryClient) ExecuteBatch(ctx context.Context, plan *planner.Plan) (int64, error) {
	var err error
	for i := 0; i < r.cfg.MaxAttempts; i++ {
		var n int64
		n, err = r.attempt(ctx, plan)
		if err == nil {
			return n, nil
		}

		slog.Warn("Flush attempt failed, retrying",
			"stream", plan.Stream,
			"attempt", i+1,
			"max_attempts", r.cfg.MaxAttempts,
			"error", err)

		select {
		case <-ctx.Done():
			return 0, &LoadError{Stream: plan.Stream, Attempts: i + 1, Err: ctx.Err()}
		case <-time.After(r.cfg.Backoff * time.Duration(1<<i)): // Exponential backoff
		}
	}
	return 0, &LoadError{Stream: plan.Stream, Attempts: r.cfg.MaxAttempts, Err: err}
}

func (r *RetryClient) attempt(ctx context.Context, plan *planner.Plan) (int64, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	return r.next.ExecuteBatch(ctx, plan)
}

func (r *RetryClient) Close() error {
	return r.next.Close()
}
