package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nikolay-makurin/streamsink/pkg/types"
)

func newSQLite(t *testing.T) *SQLiteClient {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "target.db")
	client, err := NewSQLiteClient(context.Background(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func ordersDef() *types.StreamDefinition {
	return &types.StreamDefinition{
		Name: "orders",
		Columns: []types.Column{
			{Name: "id", Type: types.ColumnType{Kind: types.KindInteger}},
			{Name: "status", Type: types.ColumnType{Kind: types.KindText, Length: 20}, Nullable: true},
		},
		KeyProperties: []string{"id"},
	}
}

func orderRow(seq uint64, id int64, status string) types.Row {
	return types.Row{
		Values: map[string]types.Value{
			"id":     types.IntValue(id),
			"status": types.StringValue(status),
		},
		ExtractedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Sequence:    seq,
	}
}

func TestSQLiteCreateAndAppend(t *testing.T) {
	ctx := context.Background()
	client := newSQLite(t)
	def := ordersDef()

	exists, err := client.TableExists(ctx, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("Table exists before creation")
	}

	if err := client.CreateTable(ctx, def, true); err != nil {
		t.Fatal(err)
	}
	exists, err = client.TableExists(ctx, "orders")
	if err != nil || !exists {
		t.Fatalf("Expected table after creation, exists=%v err=%v", exists, err)
	}

	batch := &types.RecordBatch{Stream: "orders", Rows: []types.Row{
		orderRow(1, 1, "new"),
		orderRow(2, 2, "new"),
		orderRow(3, 3, "shipped"),
	}}
	plan, err := client.Planner().PlanFlush(def, batch, "append", false)
	if err != nil {
		t.Fatal(err)
	}
	n, err := client.ExecuteBatch(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Expected 3 rows affected, got %d", n)
	}

	var count int
	if err := client.db.QueryRow(`SELECT count(*) FROM "orders"`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("Expected 3 rows in table, got %d", count)
	}
}

func TestSQLiteUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := newSQLite(t)
	def := ordersDef()

	if err := client.CreateTable(ctx, def, true); err != nil {
		t.Fatal(err)
	}

	batch := &types.RecordBatch{Stream: "orders", Rows: []types.Row{
		orderRow(1, 1, "new"),
		orderRow(2, 2, "new"),
	}}
	plan, err := client.Planner().PlanFlush(def, batch, "upsert", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.ExecuteBatch(ctx, plan); err != nil {
		t.Fatal(err)
	}

	// Redelivery of the same batch with a newer value must not duplicate.
	replay := &types.RecordBatch{Stream: "orders", Rows: []types.Row{
		orderRow(3, 1, "new"),
		orderRow(4, 2, "shipped"),
	}}
	plan, err = client.Planner().PlanFlush(def, replay, "upsert", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.ExecuteBatch(ctx, plan); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := client.db.QueryRow(`SELECT count(*) FROM "orders"`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("Expected 2 rows after replay, got %d", count)
	}

	var status string
	if err := client.db.QueryRow(`SELECT "status" FROM "orders" WHERE "id" = 2`).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != "shipped" {
		t.Errorf("Expected replay to update status, got %q", status)
	}
}

func TestSQLiteAddColumns(t *testing.T) {
	ctx := context.Background()
	client := newSQLite(t)
	def := ordersDef()

	if err := client.CreateTable(ctx, def, false); err != nil {
		t.Fatal(err)
	}
	added := []types.Column{
		{Name: "note", Type: types.ColumnType{Kind: types.KindLargeText}, Nullable: true},
	}
	if err := client.AddColumns(ctx, "orders", added); err != nil {
		t.Fatal(err)
	}

	def.Columns = append(def.Columns, added...)
	batch := &types.RecordBatch{Stream: "orders", Rows: []types.Row{
		{
			Values: map[string]types.Value{
				"id":     types.IntValue(1),
				"status": types.StringValue("new"),
				"note":   types.StringValue("rush delivery"),
			},
			ExtractedAt: time.Now().UTC(),
			Sequence:    1,
		},
	}}
	plan, err := client.Planner().PlanFlush(def, batch, "append", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.ExecuteBatch(ctx, plan); err != nil {
		t.Fatal(err)
	}

	var note string
	if err := client.db.QueryRow(`SELECT "note" FROM "orders" WHERE "id" = 1`).Scan(&note); err != nil {
		t.Fatal(err)
	}
	if note != "rush delivery" {
		t.Errorf("Unexpected note: %q", note)
	}
}

func TestSQLiteOverwriteClear(t *testing.T) {
	ctx := context.Background()
	client := newSQLite(t)
	def := ordersDef()

	if err := client.CreateTable(ctx, def, false); err != nil {
		t.Fatal(err)
	}

	seed := &types.RecordBatch{Stream: "orders", Rows: []types.Row{orderRow(1, 1, "stale")}}
	plan, err := client.Planner().PlanFlush(def, seed, "append", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.ExecuteBatch(ctx, plan); err != nil {
		t.Fatal(err)
	}

	// A clear-first overwrite flush replaces prior contents atomically.
	fresh := &types.RecordBatch{Stream: "orders", Rows: []types.Row{orderRow(2, 9, "fresh")}}
	plan, err = client.Planner().PlanFlush(def, fresh, "overwrite", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.ExecuteBatch(ctx, plan); err != nil {
		t.Fatal(err)
	}

	var count, id int
	if err := client.db.QueryRow(`SELECT count(*), max("id") FROM "orders"`).Scan(&count, &id); err != nil {
		t.Fatal(err)
	}
	if count != 1 || id != 9 {
		t.Errorf("Expected single fresh row, got count=%d id=%d", count, id)
	}
}
