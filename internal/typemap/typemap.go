// Package typemap maps declared stream schemas to target column types.
//
// Resolution order is fixed: explicit per-column override, then column-name
// suffix heuristic (when enabled), then the schema-declared type, then a
// LARGE_TEXT fallback. The mapper is total: it never rejects a field, it
// widens it.
package typemap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nikolay-makurin/streamsink/internal/protocol"
	"github.com/nikolay-makurin/streamsink/pkg/types"
)

const (
	// DefaultTextMaxLength caps declared maxLength values.
	DefaultTextMaxLength = 4000

	decimalPrecision = 38
	decimalScale     = 9
	percentPrecision = 9
	percentScale     = 4
)

type Mapper struct {
	// EnableHeuristics turns on the column-name suffix rules.
	EnableHeuristics bool
	// TextMaxLength caps TEXT(n); zero means DefaultTextMaxLength.
	TextMaxLength int
	// Overrides maps "stream.column" (lower-cased) to a parsed column type.
	Overrides map[string]types.ColumnType
}

func New(enableHeuristics bool, textMaxLength int, overrides map[string]string) (*Mapper, error) {
	m := &Mapper{
		EnableHeuristics: enableHeuristics,
		TextMaxLength:    textMaxLength,
	}
	if m.TextMaxLength <= 0 {
		m.TextMaxLength = DefaultTextMaxLength
	}
	if len(overrides) > 0 {
		m.Overrides = make(map[string]types.ColumnType, len(overrides))
		for key, spec := range overrides {
			ct, err := ParseColumnType(spec)
			if err != nil {
				return nil, fmt.Errorf("type override %q: %w", key, err)
			}
			m.Overrides[strings.ToLower(key)] = ct
		}
	}
	return m, nil
}

// Map resolves one declared property to a column type. It never fails.
func (m *Mapper) Map(stream string, p protocol.Property) types.ColumnType {
	if ct, ok := m.override(stream, p.Name); ok {
		return ct
	}
	if m.EnableHeuristics {
		if ct, ok := suffixRule(p.Name); ok {
			return ct
		}
	}
	return m.declared(p)
}

func (m *Mapper) override(stream, column string) (types.ColumnType, bool) {
	if len(m.Overrides) == 0 {
		return types.ColumnType{}, false
	}
	ct, ok := m.Overrides[strings.ToLower(stream+"."+column)]
	return ct, ok
}

// suffixRule applies the column-name heuristics. Flag columns are stored as
// integers (0/1) rather than native booleans.
func suffixRule(name string) (types.ColumnType, bool) {
	upper := strings.ToUpper(name)
	switch {
	case strings.HasSuffix(upper, "_ID"):
		return types.ColumnType{Kind: types.KindInteger}, true
	case strings.HasSuffix(upper, "_FLG"), strings.HasSuffix(upper, "_FLAG"):
		return types.ColumnType{Kind: types.KindInteger}, true
	case strings.HasSuffix(upper, "_TS"):
		return types.ColumnType{Kind: types.KindTimestamp}, true
	case strings.HasSuffix(upper, "_DATE"):
		return types.ColumnType{Kind: types.KindDate}, true
	case strings.HasSuffix(upper, "_AMOUNT"), strings.HasSuffix(upper, "_QTY"):
		return types.ColumnType{Kind: types.KindDecimal, Precision: decimalPrecision, Scale: decimalScale}, true
	case strings.HasSuffix(upper, "_PCT"), strings.HasSuffix(upper, "_PERCENT"):
		return types.ColumnType{Kind: types.KindDecimal, Precision: percentPrecision, Scale: percentScale}, true
	}
	return types.ColumnType{}, false
}

func (m *Mapper) declared(p protocol.Property) types.ColumnType {
	switch p.Type {
	case "integer":
		return types.ColumnType{Kind: types.KindInteger}
	case "number":
		return types.ColumnType{Kind: types.KindDecimal, Precision: decimalPrecision, Scale: decimalScale}
	case "boolean":
		return types.ColumnType{Kind: types.KindBoolean}
	case "string":
		switch p.Format {
		case "date-time", "time":
			return types.ColumnType{Kind: types.KindTimestamp}
		case "date":
			return types.ColumnType{Kind: types.KindDate}
		}
		if p.MaxLength > 0 {
			return types.ColumnType{Kind: types.KindText, Length: min(p.MaxLength, m.TextMaxLength)}
		}
		return types.ColumnType{Kind: types.KindLargeText}
	case "object", "array":
		// Serialized JSON payload.
		return types.ColumnType{Kind: types.KindLargeText}
	}
	// Widest safe container; a single odd field never blocks ingestion.
	return types.ColumnType{Kind: types.KindLargeText}
}

var typeSpecRe = regexp.MustCompile(`^([a-z_]+)(?:\((\d+)(?:,(\d+))?\))?$`)

// ParseColumnType parses an override spec such as "integer", "text(100)",
// "decimal(9,4)" or "large_text".
func ParseColumnType(spec string) (types.ColumnType, error) {
	m := typeSpecRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(spec)))
	if m == nil {
		return types.ColumnType{}, fmt.Errorf("invalid type spec %q", spec)
	}
	arg1, arg2 := 0, 0
	if m[2] != "" {
		arg1, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		arg2, _ = strconv.Atoi(m[3])
	}
	switch m[1] {
	case "integer":
		return types.ColumnType{Kind: types.KindInteger}, nil
	case "decimal", "number":
		if arg1 == 0 {
			arg1, arg2 = decimalPrecision, decimalScale
		}
		return types.ColumnType{Kind: types.KindDecimal, Precision: arg1, Scale: arg2}, nil
	case "boolean":
		return types.ColumnType{Kind: types.KindBoolean}, nil
	case "timestamp":
		return types.ColumnType{Kind: types.KindTimestamp}, nil
	case "date":
		return types.ColumnType{Kind: types.KindDate}, nil
	case "text":
		if arg1 == 0 {
			return types.ColumnType{}, fmt.Errorf("text override %q requires a length", spec)
		}
		return types.ColumnType{Kind: types.KindText, Length: arg1}, nil
	case "large_text":
		return types.ColumnType{Kind: types.KindLargeText}, nil
	}
	return types.ColumnType{}, fmt.Errorf("unknown type %q", spec)
}
