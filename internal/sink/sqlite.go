package sink

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nikolay-makurin/streamsink/internal/planner"
	"github.com/nikolay-makurin/streamsink/pkg/types"
)

// SQLiteClient targets an embedded SQLite database. Useful for local runs
// and as a real-database fixture in tests.
type SQLiteClient struct {
	db      *sql.DB
	planner *planner.Planner
}

func NewSQLiteClient(ctx context.Context, dsn string) (*SQLiteClient, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// A single connection keeps transactions serialized and makes in-memory
	// DSNs behave.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	return &SQLiteClient{db: db, planner: planner.New(planner.DialectSQLite)}, nil
}

func (c *SQLiteClient) Planner() *planner.Planner { return c.planner }

func (c *SQLiteClient) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("table existence check for %s: %w", table, err)
	}
	return n > 0, nil
}

func (c *SQLiteClient) CreateTable(ctx context.Context, def *types.StreamDefinition, withKeys bool) error {
	stmt := c.planner.CreateTable(def, withKeys)
	if _, err := c.db.ExecContext(ctx, stmt.SQL); err != nil {
		return fmt.Errorf("create table %s: %w", def.Name, err)
	}
	return nil
}

func (c *SQLiteClient) AddColumns(ctx context.Context, table string, cols []types.Column) error {
	for _, stmt := range c.planner.AddColumns(table, cols) {
		if _, err := c.db.ExecContext(ctx, stmt.SQL); err != nil {
			return fmt.Errorf("add columns to %s: %w", table, err)
		}
	}
	return nil
}

func (c *SQLiteClient) ExecuteBatch(ctx context.Context, plan *planner.Plan) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var affected int64
	for i, stmt := range plan.Statements {
		res, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return 0, fmt.Errorf("batch execution failed at statement %d: %w", i, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return affected, nil
}

func (c *SQLiteClient) Close() error {
	return c.db.Close()
}
