package types

import (
	"encoding/json"
	"sort"
	"time"
)

// Metadata columns added to every target table.
const (
	MetaExtractedAt = "_sdc_extracted_at"
	MetaSequence    = "_sdc_sequence"
	MetaExtra       = "_sdc_extra"
)

type ColumnKind uint8

const (
	KindInteger ColumnKind = iota
	KindDecimal
	KindBoolean
	KindTimestamp
	KindDate
	KindText
	KindLargeText
)

func (k ColumnKind) String() string {
	switch k {
	case KindInteger:
		return "INTEGER"
	case KindDecimal:
		return "DECIMAL"
	case KindBoolean:
		return "BOOLEAN"
	case KindTimestamp:
		return "TIMESTAMP"
	case KindDate:
		return "DATE"
	case KindText:
		return "TEXT"
	case KindLargeText:
		return "LARGE_TEXT"
	}
	return "UNKNOWN"
}

// ColumnType is an immutable value describing a target column type.
// Length applies to TEXT; Precision/Scale apply to DECIMAL.
type ColumnType struct {
	Kind      ColumnKind
	Length    int
	Precision int
	Scale     int
}

type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// StreamDefinition is the registered shape of one stream. Columns only ever
// grow; Epoch increments on every evolution.
type StreamDefinition struct {
	Name          string
	Columns       []Column
	KeyProperties []string
	Epoch         int
}

func (d *StreamDefinition) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (d *StreamDefinition) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

func (d *StreamDefinition) IsKey(name string) bool {
	for _, k := range d.KeyProperties {
		if k == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can diff/evolve without aliasing the
// registered definition.
func (d *StreamDefinition) Clone() *StreamDefinition {
	cp := *d
	cp.Columns = append([]Column(nil), d.Columns...)
	cp.KeyProperties = append([]string(nil), d.KeyProperties...)
	return &cp
}

type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueInt
	ValueFloat
	ValueString
	ValueList
	ValueMap
)

// Value is the internal representation of a loosely-typed record field.
// It is resolved to a concrete driver argument only at DML-planning time.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	List  []Value
	Map   map[string]Value
}

func Null() Value              { return Value{Kind: ValueNull} }
func BoolValue(b bool) Value   { return Value{Kind: ValueBool, Bool: b} }
func IntValue(i int64) Value   { return Value{Kind: ValueInt, Int: i} }
func FloatValue(f float64) Value {
	return Value{Kind: ValueFloat, Float: f}
}
func StringValue(s string) Value { return Value{Kind: ValueString, Str: s} }

// ValueOf converts a decoded JSON value (json.Decoder with UseNumber) into a
// Value. Unknown Go types degrade to their JSON string form rather than
// failing.
func ValueOf(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i)
		}
		if f, err := t.Float64(); err == nil {
			return FloatValue(f)
		}
		return StringValue(t.String())
	case float64:
		return FloatValue(t)
	case int:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case string:
		return StringValue(t)
	case []any:
		list := make([]Value, len(t))
		for i, e := range t {
			list[i] = ValueOf(e)
		}
		return Value{Kind: ValueList, List: list}
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = ValueOf(e)
		}
		return Value{Kind: ValueMap, Map: m}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Null()
		}
		return StringValue(string(b))
	}
}

func (v Value) IsNull() bool { return v.Kind == ValueNull }

// Interface converts back to plain Go values, mainly for serialization.
func (v Value) Interface() any {
	switch v.Kind {
	case ValueNull:
		return nil
	case ValueBool:
		return v.Bool
	case ValueInt:
		return v.Int
	case ValueFloat:
		return v.Float
	case ValueString:
		return v.Str
	case ValueList:
		out := make([]any, len(v.List))
		for i, e := range v.List {
			out[i] = e.Interface()
		}
		return out
	case ValueMap:
		out := make(map[string]any, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.Interface()
		}
		return out
	}
	return nil
}

// JSON renders the value as compact JSON. Used when a value lands in a
// LARGE_TEXT container.
func (v Value) JSON() string {
	b, err := json.Marshal(v.Interface())
	if err != nil {
		return "null"
	}
	return string(b)
}

// Row is one buffered record with its extraction timestamp and a
// process-wide monotonic sequence number.
type Row struct {
	Values      map[string]Value
	ExtractedAt time.Time
	Sequence    uint64
}

// RecordBatch is a frozen buffer bound to one schema epoch. It must not be
// mutated once handed to the flush scheduler.
type RecordBatch struct {
	Stream   string
	Epoch    int
	Rows     []Row
	FirstSeq uint64
	LastSeq  uint64
}

func (b *RecordBatch) Len() int { return len(b.Rows) }

// SortedKeys returns map keys in a stable order; used wherever map iteration
// order would otherwise leak into SQL text or serialized payloads.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
