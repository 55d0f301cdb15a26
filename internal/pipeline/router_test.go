package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nikolay-makurin/streamsink/internal/config"
	"github.com/nikolay-makurin/streamsink/internal/planner"
	"github.com/nikolay-makurin/streamsink/internal/protocol"
	"github.com/nikolay-makurin/streamsink/internal/registry"
	"github.com/nikolay-makurin/streamsink/internal/typemap"
	"github.com/nikolay-makurin/streamsink/pkg/types"
)

// mockClient records every database interaction in order. Safe for use from
// concurrent flush workers.
type mockClient struct {
	mu      sync.Mutex
	ops     []string
	plans   []*planner.Plan
	execErr error
	// execDelay makes ExecuteBatch block, honoring context cancellation,
	// to simulate a slow transaction.
	execDelay time.Duration
}

func (m *mockClient) log(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
}

func (m *mockClient) TableExists(ctx context.Context, table string) (bool, error) {
	m.log("exists " + table)
	return false, nil
}

func (m *mockClient) CreateTable(ctx context.Context, def *types.StreamDefinition, withKeys bool) error {
	m.log(fmt.Sprintf("create %s keys=%v", def.Name, withKeys))
	return nil
}

func (m *mockClient) AddColumns(ctx context.Context, table string, cols []types.Column) error {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	m.log("addcols " + table + " " + strings.Join(names, ","))
	return nil
}

func (m *mockClient) ExecuteBatch(ctx context.Context, plan *planner.Plan) (int64, error) {
	if m.execDelay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(m.execDelay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "flush "+plan.Stream)
	if m.execErr != nil {
		return 0, m.execErr
	}
	m.plans = append(m.plans, plan)
	return int64(plan.RowCount()), nil
}

func (m *mockClient) Close() error { return nil }

func (m *mockClient) opList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

func (m *mockClient) planList() []*planner.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*planner.Plan(nil), m.plans...)
}

func testConfig(mut func(*config.Config)) *config.Config {
	cfg := &config.Config{
		Target:   config.TargetConfig{Driver: config.DriverPostgres, DSN: "test"},
		Pipeline: config.PipelineConfig{BatchSize: 10, WorkerCount: 2, LoadMethod: config.LoadAppend, Strict: true},
		Retry:    config.RetryConfig{MaxAttempts: 1},
	}
	if mut != nil {
		mut(cfg)
	}
	return cfg
}

func runPipeline(t *testing.T, cfg *config.Config, client *mockClient, input string) (*bytes.Buffer, error) {
	t.Helper()
	mapper, err := typemap.New(false, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(mapper, cfg.Pipeline.Strict, cfg.Pipeline.BatchSize)
	var out bytes.Buffer
	emitter := NewEmitter(&out)
	router := NewRouter(cfg, reg, client, planner.New(planner.DialectPostgres), emitter)
	return &out, router.Run(context.Background(), protocol.NewReader(strings.NewReader(input)))
}

const usersSchemaLine = `{"type":"SCHEMA","stream":"users","key_properties":["id"],"schema":{"properties":{"id":{"type":"integer"},"name":{"type":["null","string"],"maxLength":50}}}}`

func TestUpsertScenario(t *testing.T) {
	client := &mockClient{}
	cfg := testConfig(func(c *config.Config) { c.Pipeline.LoadMethod = config.LoadUpsert })

	input := usersSchemaLine + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"}}` + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":2,"name":"B"}}` + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":2,"name":"B2"}}` + "\n" +
		`{"type":"STATE","value":{"pos":1}}` + "\n"

	out, err := runPipeline(t, cfg, client, input)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	plans := client.planList()
	if len(plans) != 1 {
		t.Fatalf("Expected 1 flush, got %d", len(plans))
	}
	// id=2 collapses to its last record, so two merge statements total.
	if len(plans[0].Statements) != 2 {
		t.Errorf("Expected 2 statements, got %d", len(plans[0].Statements))
	}
	last := plans[0].Statements[1].Args
	if last[0] != int64(2) || last[1] != "B2" {
		t.Errorf("Expected key 2 to end with name B2, got %v", last)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected exactly one STATE line, got %d: %q", len(lines), out.String())
	}
	if lines[0] != `{"type":"STATE","value":{"pos":1}}` {
		t.Errorf("Unexpected STATE line: %s", lines[0])
	}

	// Table was created with keys for the merge target.
	found := false
	for _, op := range client.opList() {
		if op == "create users keys=true" {
			found = true
		}
	}
	if !found {
		t.Errorf("Missing keyed create, ops: %v", client.opList())
	}
}

func TestNoCheckpointAfterFailedFlush(t *testing.T) {
	client := &mockClient{execErr: errors.New("connection reset")}
	cfg := testConfig(nil)

	input := usersSchemaLine + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"}}` + "\n" +
		`{"type":"STATE","value":{"pos":1}}` + "\n"

	out, err := runPipeline(t, cfg, client, input)
	if err == nil {
		t.Fatal("Expected fatal error from failed flush")
	}
	if out.Len() != 0 {
		t.Errorf("STATE emitted past a failed flush: %q", out.String())
	}
}

func TestShutdownDrainsInFlightFlush(t *testing.T) {
	client := &mockClient{execDelay: 200 * time.Millisecond}
	cfg := testConfig(func(c *config.Config) {
		c.Pipeline.BatchSize = 1
		c.Pipeline.WorkerCount = 1
	})

	mapper, err := typemap.New(false, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(mapper, cfg.Pipeline.Strict, cfg.Pipeline.BatchSize)
	var out bytes.Buffer
	router := NewRouter(cfg, reg, client, planner.New(planner.DialectPostgres), NewEmitter(&out))

	// Cancellation lands while the threshold flush is still inside its
	// transaction; the run must drain it instead of aborting it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	input := usersSchemaLine + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"}}` + "\n"
	if err := router.Run(ctx, protocol.NewReader(strings.NewReader(input))); err != nil {
		t.Fatalf("Expected in-flight flush to drain, got %v", err)
	}

	plans := client.planList()
	if len(plans) != 1 || len(plans[0].Statements) != 1 {
		t.Fatalf("Expected the batch to commit, got %+v", plans)
	}
	if !router.Tracker().AllCommitted() {
		t.Error("Expected all flushes committed after drain")
	}
}

func TestZeroInput(t *testing.T) {
	client := &mockClient{}
	out, err := runPipeline(t, testConfig(nil), client, "")
	if err != nil {
		t.Fatalf("Expected clean exit, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("Unexpected output: %q", out.String())
	}
	if ops := client.opList(); len(ops) != 0 {
		t.Errorf("Expected no database activity, got %v", ops)
	}
}

func TestRecordBeforeSchemaIsFatal(t *testing.T) {
	client := &mockClient{}
	input := `{"type":"RECORD","stream":"users","record":{"id":1}}`

	_, err := runPipeline(t, testConfig(nil), client, input)
	var ue *registry.UnknownStreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Expected UnknownStreamError, got %v", err)
	}
}

func TestUpsertWithoutKeysFailsBeforeFlush(t *testing.T) {
	client := &mockClient{}
	cfg := testConfig(func(c *config.Config) { c.Pipeline.LoadMethod = config.LoadUpsert })
	input := `{"type":"SCHEMA","stream":"logs","schema":{"properties":{"msg":{"type":"string"}}}}`

	_, err := runPipeline(t, cfg, client, input)
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
	if len(client.planList()) != 0 {
		t.Error("Flush ran despite configuration error")
	}
}

func TestThresholdFlush(t *testing.T) {
	client := &mockClient{}
	cfg := testConfig(func(c *config.Config) { c.Pipeline.BatchSize = 2 })

	input := usersSchemaLine + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"}}` + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":2,"name":"B"}}` + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":3,"name":"C"}}` + "\n"

	_, err := runPipeline(t, cfg, client, input)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// One threshold flush of two rows, one EOF flush of the remainder.
	plans := client.planList()
	if len(plans) != 2 {
		t.Fatalf("Expected 2 flushes, got %d", len(plans))
	}
	if len(plans[0].Statements) != 2 || len(plans[1].Statements) != 1 {
		t.Errorf("Unexpected flush sizes: %d then %d", len(plans[0].Statements), len(plans[1].Statements))
	}
}

func TestSchemaEvolutionFlushesBeforeDDL(t *testing.T) {
	client := &mockClient{}
	cfg := testConfig(nil)

	evolvedSchema := `{"type":"SCHEMA","stream":"users","key_properties":["id"],"schema":{"properties":{"id":{"type":"integer"},"name":{"type":["null","string"],"maxLength":50},"email":{"type":["null","string"],"maxLength":100}}}}`
	input := usersSchemaLine + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"}}` + "\n" +
		evolvedSchema + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":2,"name":"B","email":"b@x"}}` + "\n" +
		`{"type":"STATE","value":{"pos":2}}` + "\n"

	out, err := runPipeline(t, cfg, client, input)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The buffered row must be committed under the old column set before the
	// table is evolved.
	ops := client.opList()
	flushIdx, addIdx := -1, -1
	for i, op := range ops {
		if op == "flush users" && flushIdx == -1 {
			flushIdx = i
		}
		if strings.HasPrefix(op, "addcols users") {
			addIdx = i
		}
	}
	if flushIdx == -1 || addIdx == -1 || flushIdx > addIdx {
		t.Fatalf("Expected flush before addcols, ops: %v", ops)
	}

	plans := client.planList()
	if len(plans) != 2 {
		t.Fatalf("Expected 2 flushes, got %d", len(plans))
	}
	if strings.Contains(plans[0].Statements[0].SQL, "email") {
		t.Errorf("Pre-evolution flush references new column: %s", plans[0].Statements[0].SQL)
	}
	if !strings.Contains(plans[1].Statements[0].SQL, "email") {
		t.Errorf("Post-evolution flush missing new column: %s", plans[1].Statements[0].SQL)
	}

	if got := strings.TrimSpace(out.String()); got != `{"type":"STATE","value":{"pos":2}}` {
		t.Errorf("Unexpected STATE output: %q", got)
	}
}

func TestOverwriteClearsOncePerRun(t *testing.T) {
	client := &mockClient{}
	cfg := testConfig(func(c *config.Config) {
		c.Pipeline.LoadMethod = config.LoadOverwrite
		c.Pipeline.BatchSize = 1
	})

	input := usersSchemaLine + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A"}}` + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":2,"name":"B"}}` + "\n"

	_, err := runPipeline(t, cfg, client, input)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	plans := client.planList()
	if len(plans) != 2 {
		t.Fatalf("Expected 2 flushes, got %d", len(plans))
	}
	if !strings.HasPrefix(plans[0].Statements[0].SQL, "TRUNCATE") {
		t.Errorf("First flush missing clear: %s", plans[0].Statements[0].SQL)
	}
	if strings.HasPrefix(plans[1].Statements[0].SQL, "TRUNCATE") {
		t.Error("Second flush repeated the clear")
	}
}

func TestUnknownMessageType(t *testing.T) {
	t.Run("ignored by default", func(t *testing.T) {
		client := &mockClient{}
		cfg := testConfig(func(c *config.Config) { c.Pipeline.Strict = false })
		_, err := runPipeline(t, cfg, client, `{"type":"ACTIVATE_VERSION","stream":"users"}`)
		if err != nil {
			t.Errorf("Expected unknown type to be ignored, got %v", err)
		}
	})

	t.Run("fatal in strict mode", func(t *testing.T) {
		client := &mockClient{}
		_, err := runPipeline(t, testConfig(nil), client, `{"type":"ACTIVATE_VERSION","stream":"users"}`)
		var ue *protocol.UnknownTypeError
		if !errors.As(err, &ue) {
			t.Errorf("Expected UnknownTypeError, got %v", err)
		}
	})
}

func TestPermissiveExtrasReachCatchAll(t *testing.T) {
	client := &mockClient{}
	cfg := testConfig(func(c *config.Config) { c.Pipeline.Strict = false })

	input := usersSchemaLine + "\n" +
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"A","nickname":"zed"}}` + "\n" +
		`{"type":"STATE","value":{"pos":1}}` + "\n"

	_, err := runPipeline(t, cfg, client, input)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	plans := client.planList()
	if len(plans) != 1 {
		t.Fatalf("Expected 1 flush, got %d", len(plans))
	}
	stmt := plans[0].Statements[0]
	if !strings.Contains(stmt.SQL, types.MetaExtra) {
		t.Errorf("Insert missing catch-all column: %s", stmt.SQL)
	}
	foundPayload := false
	for _, arg := range stmt.Args {
		if s, ok := arg.(string); ok && s == `{"nickname":"zed"}` {
			foundPayload = true
		}
	}
	if !foundPayload {
		t.Errorf("Catch-all payload missing from args: %v", stmt.Args)
	}
}
