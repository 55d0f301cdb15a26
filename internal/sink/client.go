package sink

import (
	"context"
	"fmt"

	"github.com/nikolay-makurin/streamsink/internal/planner"
	"github.com/nikolay-makurin/streamsink/pkg/types"
)

// Client is the database boundary. Every ExecuteBatch call runs inside one
// transaction: either the whole plan commits or none of it does.
type Client interface {
	TableExists(ctx context.Context, table string) (bool, error)
	CreateTable(ctx context.Context, def *types.StreamDefinition, withKeys bool) error
	AddColumns(ctx context.Context, table string, cols []types.Column) error
	ExecuteBatch(ctx context.Context, plan *planner.Plan) (int64, error)
	Close() error
}

// LoadError is a database failure during flush, surfaced after retries are
// exhausted. The checkpoint must not advance past a LoadError.
type LoadError struct {
	Stream   string
	Attempts int
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load failed for stream %q after %d attempts: %v", e.Stream, e.Attempts, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
