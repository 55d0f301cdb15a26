package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikolay-makurin/streamsink/internal/planner"
	"github.com/nikolay-makurin/streamsink/pkg/types"
)

type PostgresClient struct {
	pool    *pgxpool.Pool
	planner *planner.Planner
}

func NewPostgresClient(ctx context.Context, dsn string) (*PostgresClient, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresClient{pool: pool, planner: planner.New(planner.DialectPostgres)}, nil
}

func (c *PostgresClient) Planner() *planner.Planner { return c.planner }

func (c *PostgresClient) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("table existence check for %s: %w", table, err)
	}
	return exists, nil
}

func (c *PostgresClient) CreateTable(ctx context.Context, def *types.StreamDefinition, withKeys bool) error {
	stmt := c.planner.CreateTable(def, withKeys)
	if _, err := c.pool.Exec(ctx, stmt.SQL); err != nil {
		return fmt.Errorf("create table %s: %w", def.Name, err)
	}
	return nil
}

func (c *PostgresClient) AddColumns(ctx context.Context, table string, cols []types.Column) error {
	for _, stmt := range c.planner.AddColumns(table, cols) {
		if _, err := c.pool.Exec(ctx, stmt.SQL); err != nil {
			return fmt.Errorf("add columns to %s: %w", table, err)
		}
	}
	return nil
}

// ExecuteBatch queues every statement of the plan into one pgx batch and
// runs it inside a single transaction. Any statement failure rolls back the
// whole batch.
func (c *PostgresClient) ExecuteBatch(ctx context.Context, plan *planner.Plan) (int64, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	pgBatch := &pgx.Batch{}
	for _, stmt := range plan.Statements {
		pgBatch.Queue(stmt.SQL, stmt.Args...)
	}

	var affected int64
	br := tx.SendBatch(ctx, pgBatch)
	for i := 0; i < pgBatch.Len(); i++ {
		ct, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("batch execution failed at statement %d: %w", i, err)
		}
		affected += ct.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("batch close: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return affected, nil
}

func (c *PostgresClient) Close() error {
	c.pool.Close()
	return nil
}
