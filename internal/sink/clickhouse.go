package sink

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nikolay-makurin/streamsink/internal/planner"
	"github.com/nikolay-makurin/streamsink/pkg/types"
)

// ClickHouseClient is an append-oriented target. Upsert is rejected at
// configuration time; ClickHouse has no keyed merge.
type ClickHouseClient struct {
	conn    driver.Conn
	planner *planner.Planner
}

func NewClickHouseClient(dsn string) (*ClickHouseClient, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	return &ClickHouseClient{conn: conn, planner: planner.New(planner.DialectClickHouse)}, nil
}

func (c *ClickHouseClient) Planner() *planner.Planner { return c.planner }

func (c *ClickHouseClient) TableExists(ctx context.Context, table string) (bool, error) {
	var exists uint8
	if err := c.conn.QueryRow(ctx, "EXISTS TABLE "+c.planner.QuoteIdent(table)).Scan(&exists); err != nil {
		return false, fmt.Errorf("table existence check for %s: %w", table, err)
	}
	return exists == 1, nil
}

func (c *ClickHouseClient) CreateTable(ctx context.Context, def *types.StreamDefinition, withKeys bool) error {
	stmt := c.planner.CreateTable(def, withKeys)
	if err := c.conn.Exec(ctx, stmt.SQL); err != nil {
		return fmt.Errorf("create table %s: %w", def.Name, err)
	}
	return nil
}

func (c *ClickHouseClient) AddColumns(ctx context.Context, table string, cols []types.Column) error {
	for _, stmt := range c.planner.AddColumns(table, cols) {
		if err := c.conn.Exec(ctx, stmt.SQL); err != nil {
			return fmt.Errorf("add columns to %s: %w", table, err)
		}
	}
	return nil
}

// ExecuteBatch runs the plan's statements, then streams the bulk insert via
// a prepared batch. A prepared batch is atomic on the server side: it lands
// as one insert block or not at all.
func (c *ClickHouseClient) ExecuteBatch(ctx context.Context, plan *planner.Plan) (int64, error) {
	for i, stmt := range plan.Statements {
		if err := c.conn.Exec(ctx, stmt.SQL, stmt.Args...); err != nil {
			return 0, fmt.Errorf("batch execution failed at statement %d: %w", i, err)
		}
	}

	if plan.Insert == nil {
		return 0, nil
	}

	chBatch, err := c.conn.PrepareBatch(ctx, plan.Insert.SQL)
	if err != nil {
		return 0, fmt.Errorf("prepare batch for %s: %w", plan.Table, err)
	}
	for _, row := range plan.Insert.Rows {
		if err := chBatch.Append(row...); err != nil {
			return 0, fmt.Errorf("append to batch for %s: %w", plan.Table, err)
		}
	}
	if err := chBatch.Send(); err != nil {
		return 0, fmt.Errorf("batch send for %s: %w", plan.Table, err)
	}
	return int64(len(plan.Insert.Rows)), nil
}

func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}
