package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nikolay-makurin/streamsink/internal/planner"
	"github.com/nikolay-makurin/streamsink/pkg/types"
)

// flakyClient fails ExecuteBatch a configured number of times before
// succeeding.
type flakyClient struct {
	failures int
	calls    int
}

func (c *flakyClient) TableExists(ctx context.Context, table string) (bool, error) {
	return false, nil
}

func (c *flakyClient) CreateTable(ctx context.Context, def *types.StreamDefinition, withKeys bool) error {
	return nil
}

func (c *flakyClient) AddColumns(ctx context.Context, table string, cols []types.Column) error {
	return nil
}

func (c *flakyClient) ExecuteBatch(ctx context.Context, plan *planner.Plan) (int64, error) {
	c.calls++
	if c.calls <= c.failures {
		return 0, errors.New("deadlock detected")
	}
	return int64(plan.RowCount()), nil
}

func (c *flakyClient) Close() error { return nil }

func testPlan() *planner.Plan {
	return &planner.Plan{
		Stream: "users",
		Statements: []planner.Statement{
			{SQL: `INSERT INTO "users" ("id") VALUES ($1)`, Args: []any{int64(1)}},
		},
		Rows: 1,
	}
}

func TestRetryClientSucceedsFirstAttempt(t *testing.T) {
	inner := &flakyClient{}
	client := NewRetryClient(inner, RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond})

	n, err := client.ExecuteBatch(context.Background(), testPlan())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || inner.calls != 1 {
		t.Errorf("Expected 1 row in 1 call, got n=%d calls=%d", n, inner.calls)
	}
}

func TestRetryClientRecovers(t *testing.T) {
	inner := &flakyClient{failures: 2}
	client := NewRetryClient(inner, RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond})

	start := time.Now()
	n, err := client.ExecuteBatch(context.Background(), testPlan())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || inner.calls != 3 {
		t.Errorf("Expected success on third call, got n=%d calls=%d", n, inner.calls)
	}
	// Two backoff sleeps: 1ms + 2ms.
	if elapsed := time.Since(start); elapsed < 3*time.Millisecond {
		t.Errorf("Expected exponential backoff, elapsed %v", elapsed)
	}
}

func TestRetryClientExhaustion(t *testing.T) {
	inner := &flakyClient{failures: 10}
	client := NewRetryClient(inner, RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond})

	_, err := client.ExecuteBatch(context.Background(), testPlan())
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("Expected LoadError, got %v", err)
	}
	if le.Stream != "users" || le.Attempts != 3 {
		t.Errorf("Unexpected LoadError: %+v", le)
	}
	if inner.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryClientCancellation(t *testing.T) {
	inner := &flakyClient{failures: 10}
	client := NewRetryClient(inner, RetryConfig{MaxAttempts: 5, Backoff: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ExecuteBatch(ctx, testPlan())
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("Expected LoadError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected wrapped context.Canceled, got %v", err)
	}
}

func TestRetryClientDefaults(t *testing.T) {
	client := NewRetryClient(&flakyClient{}, RetryConfig{})
	if client.cfg.MaxAttempts != 3 || client.cfg.Backoff != 250*time.Millisecond {
		t.Errorf("Unexpected defaults: %+v", client.cfg)
	}
}
