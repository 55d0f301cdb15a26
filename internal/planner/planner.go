// Package planner turns frozen record batches into dialect-specific
// statement plans. It is pure: no I/O, no connection handles.
package planner

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nikolay-makurin/streamsink/pkg/types"
)

type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
	DialectClickHouse
)

// Statement is one parameterized SQL statement.
type Statement struct {
	SQL  string
	Args []any
}

// BulkInsert carries row tuples for drivers with a native batch-append API
// (ClickHouse PrepareBatch). Columns gives the tuple order.
type BulkInsert struct {
	SQL     string
	Columns []string
	Rows    [][]any
}

// Plan is everything one flush must execute inside a single transaction
// boundary. Statements run in order; Insert, when set, runs after them.
type Plan struct {
	Stream     string
	Table      string
	Statements []Statement
	Insert     *BulkInsert
	// Rows is the number of record rows the plan carries. Clear and other
	// non-row statements do not count.
	Rows int
}

func (p *Plan) RowCount() int { return p.Rows }

type Planner struct {
	dialect Dialect
}

func New(dialect Dialect) *Planner {
	return &Planner{dialect: dialect}
}

func (p *Planner) Dialect() Dialect { return p.dialect }

func (p *Planner) QuoteIdent(name string) string {
	if p.dialect == DialectClickHouse {
		return "`" + strings.ReplaceAll(name, "`", "") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

func (p *Planner) placeholder(n int) string {
	if p.dialect == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// RenderColumnType renders a ColumnType for this dialect.
func (p *Planner) RenderColumnType(ct types.ColumnType, nullable bool) string {
	switch p.dialect {
	case DialectPostgres:
		return renderPostgresType(ct)
	case DialectSQLite:
		return renderSQLiteType(ct)
	case DialectClickHouse:
		t := renderClickHouseType(ct)
		if nullable {
			return "Nullable(" + t + ")"
		}
		return t
	}
	return "TEXT"
}

func renderPostgresType(ct types.ColumnType) string {
	switch ct.Kind {
	case types.KindInteger:
		return "BIGINT"
	case types.KindDecimal:
		if ct.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", ct.Precision, ct.Scale)
		}
		return "NUMERIC"
	case types.KindBoolean:
		return "BOOLEAN"
	case types.KindTimestamp:
		return "TIMESTAMPTZ"
	case types.KindDate:
		return "DATE"
	case types.KindText:
		return fmt.Sprintf("VARCHAR(%d)", ct.Length)
	case types.KindLargeText:
		return "TEXT"
	}
	return "TEXT"
}

func renderSQLiteType(ct types.ColumnType) string {
	switch ct.Kind {
	case types.KindInteger, types.KindBoolean:
		return "INTEGER"
	case types.KindDecimal:
		return "NUMERIC"
	default:
		// SQLite stores timestamps, dates and all text affinities as TEXT.
		return "TEXT"
	}
}

func renderClickHouseType(ct types.ColumnType) string {
	switch ct.Kind {
	case types.KindInteger:
		return "Int64"
	case types.KindDecimal:
		// Bound as native floats; clickhouse-go Decimal binding would force a
		// dedicated decimal type on every caller.
		return "Float64"
	case types.KindBoolean:
		return "Bool"
	case types.KindTimestamp:
		return "DateTime64(6)"
	case types.KindDate:
		return "Date32"
	default:
		return "String"
	}
}

// CreateTable builds an idempotent create for the stream's table, including
// the sink metadata columns. withKeys adds a primary key over the stream's
// key properties (required for upsert targets).
func (p *Planner) CreateTable(def *types.StreamDefinition, withKeys bool) Statement {
	var cols []string
	for _, c := range def.Columns {
		decl := p.QuoteIdent(c.Name) + " " + p.RenderColumnType(c.Type, c.Nullable)
		if !c.Nullable && p.dialect != DialectClickHouse {
			decl += " NOT NULL"
		}
		cols = append(cols, decl)
	}
	cols = append(cols,
		p.QuoteIdent(types.MetaExtractedAt)+" "+p.RenderColumnType(types.ColumnType{Kind: types.KindTimestamp}, true),
		p.QuoteIdent(types.MetaSequence)+" "+p.RenderColumnType(types.ColumnType{Kind: types.KindInteger}, true),
	)

	if p.dialect == DialectClickHouse {
		order := "tuple()"
		if len(def.KeyProperties) > 0 {
			order = "(" + p.identList(def.KeyProperties) + ")"
		}
		sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree ORDER BY %s",
			p.QuoteIdent(def.Name), strings.Join(cols, ", "), order)
		return Statement{SQL: sql}
	}

	if withKeys && len(def.KeyProperties) > 0 {
		cols = append(cols, "PRIMARY KEY ("+p.identList(def.KeyProperties)+")")
	}
	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		p.QuoteIdent(def.Name), strings.Join(cols, ", "))
	return Statement{SQL: sql}
}

// AddColumns builds add-only DDL for schema evolution. One statement per
// column; SQLite does not support multi-column ALTER.
func (p *Planner) AddColumns(table string, cols []types.Column) []Statement {
	stmts := make([]Statement, 0, len(cols))
	for _, c := range cols {
		clause := "ADD COLUMN "
		if p.dialect != DialectSQLite {
			clause = "ADD COLUMN IF NOT EXISTS "
		}
		// Evolved columns are always nullable: existing rows have no value.
		sql := fmt.Sprintf("ALTER TABLE %s %s%s %s",
			p.QuoteIdent(table), clause, p.QuoteIdent(c.Name), p.RenderColumnType(c.Type, true))
		stmts = append(stmts, Statement{SQL: sql})
	}
	return stmts
}

// Clear empties the table ahead of the first overwrite flush of a run.
func (p *Planner) Clear(table string) Statement {
	switch p.dialect {
	case DialectSQLite:
		return Statement{SQL: "DELETE FROM " + p.QuoteIdent(table)}
	default:
		return Statement{SQL: "TRUNCATE TABLE " + p.QuoteIdent(table)}
	}
}

// Append plans a bulk insert of every row in the batch.
func (p *Planner) Append(def *types.StreamDefinition, batch *types.RecordBatch) *Plan {
	plan := &Plan{Stream: def.Name, Table: def.Name, Rows: len(batch.Rows)}
	names := p.insertColumns(def)

	if p.dialect == DialectClickHouse {
		rows := make([][]any, 0, len(batch.Rows))
		for i := range batch.Rows {
			rows = append(rows, p.bindRow(def, &batch.Rows[i]))
		}
		plan.Insert = &BulkInsert{
			SQL:     fmt.Sprintf("INSERT INTO %s (%s)", p.QuoteIdent(def.Name), p.identList(names)),
			Columns: names,
			Rows:    rows,
		}
		return plan
	}

	sql := p.insertSQL(def, names)
	for i := range batch.Rows {
		plan.Statements = append(plan.Statements, Statement{SQL: sql, Args: p.bindRow(def, &batch.Rows[i])})
	}
	return plan
}

// Upsert plans a keyed merge: update non-key columns on match, insert
// otherwise. Rows sharing a key are collapsed to the last occurrence so a
// single batch is internally idempotent.
func (p *Planner) Upsert(def *types.StreamDefinition, batch *types.RecordBatch) (*Plan, error) {
	if len(def.KeyProperties) == 0 {
		return nil, fmt.Errorf("upsert for stream %s requires key properties", def.Name)
	}
	if p.dialect == DialectClickHouse {
		return nil, fmt.Errorf("upsert is not supported by the clickhouse dialect")
	}

	rows := collapseByKey(def, batch.Rows)
	names := p.insertColumns(def)
	sql := p.upsertSQL(def, names)

	plan := &Plan{Stream: def.Name, Table: def.Name, Rows: len(rows)}
	for _, r := range rows {
		plan.Statements = append(plan.Statements, Statement{SQL: sql, Args: p.bindRow(def, r)})
	}
	return plan, nil
}

// PlanFlush builds the full statement plan for one batch under the given
// load method. clearFirst is true only for the first overwrite flush of a
// run for this table.
func (p *Planner) PlanFlush(def *types.StreamDefinition, batch *types.RecordBatch, method string, clearFirst bool) (*Plan, error) {
	var plan *Plan
	switch method {
	case "upsert":
		up, err := p.Upsert(def, batch)
		if err != nil {
			return nil, err
		}
		plan = up
	default:
		// append, and overwrite after the initial clear, are plain inserts.
		plan = p.Append(def, batch)
	}
	if clearFirst {
		plan.Statements = append([]Statement{p.Clear(def.Name)}, plan.Statements...)
	}
	return plan, nil
}

func (p *Planner) insertColumns(def *types.StreamDefinition) []string {
	names := def.ColumnNames()
	return append(names, types.MetaExtractedAt, types.MetaSequence)
}

func (p *Planner) insertSQL(def *types.StreamDefinition, names []string) string {
	ph := make([]string, len(names))
	for i := range names {
		ph[i] = p.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		p.QuoteIdent(def.Name), p.identList(names), strings.Join(ph, ", "))
}

func (p *Planner) upsertSQL(def *types.StreamDefinition, names []string) string {
	base := p.insertSQL(def, names)
	var updates []string
	for _, name := range names {
		if def.IsKey(name) {
			continue
		}
		q := p.QuoteIdent(name)
		updates = append(updates, q+" = excluded."+q)
	}
	conflict := " ON CONFLICT (" + p.identList(def.KeyProperties) + ")"
	if len(updates) == 0 {
		return base + conflict + " DO NOTHING"
	}
	return base + conflict + " DO UPDATE SET " + strings.Join(updates, ", ")
}

func (p *Planner) identList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = p.QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// collapseByKey keeps the last row per key tuple, preserving the relative
// order of the survivors.
func collapseByKey(def *types.StreamDefinition, rows []types.Row) []*types.Row {
	lastIdx := make(map[string]int, len(rows))
	for i := range rows {
		lastIdx[keyOf(def, &rows[i])] = i
	}
	out := make([]*types.Row, 0, len(lastIdx))
	for i := range rows {
		if lastIdx[keyOf(def, &rows[i])] == i {
			out = append(out, &rows[i])
		}
	}
	return out
}

func keyOf(def *types.StreamDefinition, r *types.Row) string {
	var sb strings.Builder
	for _, k := range def.KeyProperties {
		sb.WriteString(r.Values[k].JSON())
		sb.WriteByte(0x1f)
	}
	return sb.String()
}

func (p *Planner) bindRow(def *types.StreamDefinition, r *types.Row) []any {
	args := make([]any, 0, len(def.Columns)+2)
	for _, c := range def.Columns {
		args = append(args, p.bindValue(r.Values[c.Name], c.Type))
	}
	args = append(args, p.bindTime(r.ExtractedAt), int64(r.Sequence))
	return args
}

func (p *Planner) bindTime(t time.Time) any {
	if p.dialect == DialectSQLite {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t
}

// bindValue resolves a loosely-typed record value to a concrete driver
// argument for the column's target type. It widens rather than errors:
// anything unrepresentable becomes its JSON text.
func (p *Planner) bindValue(v types.Value, ct types.ColumnType) any {
	if v.IsNull() {
		return nil
	}
	switch ct.Kind {
	case types.KindInteger:
		switch v.Kind {
		case types.ValueBool:
			if v.Bool {
				return int64(1)
			}
			return int64(0)
		case types.ValueInt:
			return v.Int
		case types.ValueFloat:
			return int64(v.Float)
		case types.ValueString:
			if n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64); err == nil {
				return n
			}
			return v.Str
		}
	case types.KindDecimal:
		switch v.Kind {
		case types.ValueInt:
			return v.Int
		case types.ValueFloat:
			return v.Float
		case types.ValueString:
			return v.Str
		case types.ValueBool:
			if v.Bool {
				return int64(1)
			}
			return int64(0)
		}
	case types.KindBoolean:
		switch v.Kind {
		case types.ValueBool:
			return p.bindBool(v.Bool)
		case types.ValueInt:
			return p.bindBool(v.Int != 0)
		case types.ValueString:
			if b, err := strconv.ParseBool(strings.TrimSpace(v.Str)); err == nil {
				return p.bindBool(b)
			}
			return v.Str
		}
	case types.KindTimestamp:
		if ts, ok := parseTimeValue(v); ok {
			return p.bindTime(ts)
		}
	case types.KindDate:
		if ts, ok := parseTimeValue(v); ok {
			if p.dialect == DialectSQLite {
				return ts.UTC().Format("2006-01-02")
			}
			return ts
		}
	case types.KindText, types.KindLargeText:
		if v.Kind == types.ValueString {
			return v.Str
		}
		return v.JSON()
	}
	// Fallback: the widest safe container for this dialect.
	if v.Kind == types.ValueString {
		return v.Str
	}
	return v.JSON()
}

func (p *Planner) bindBool(b bool) any {
	if p.dialect == DialectSQLite {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return b
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimeValue(v types.Value) (time.Time, bool) {
	switch v.Kind {
	case types.ValueString:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, v.Str); err == nil {
				return ts, true
			}
		}
	case types.ValueInt:
		// Epoch seconds.
		return time.Unix(v.Int, 0).UTC(), true
	case types.ValueFloat:
		sec := int64(v.Float)
		nsec := int64((v.Float - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), true
	}
	return time.Time{}, false
}
