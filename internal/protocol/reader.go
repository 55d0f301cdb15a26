package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nikolay-makurin/streamsink/pkg/types"
)

// maxLineSize bounds a single input line. Singer taps routinely emit wide
// records, so this is generous.
const maxLineSize = 16 * 1024 * 1024

// Reader produces parsed Messages from newline-delimited JSON input, one
// message per line. It is not safe for concurrent use; the pipeline has a
// single ordered consumer.
type Reader struct {
	scanner *bufio.Scanner
	line    int
	now     func() time.Time
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{scanner: sc, now: time.Now}
}

// Next returns the next parsed message. io.EOF signals clean end of input.
// An *UnknownTypeError is returned with a nil message and the reader stays
// usable; any other error is terminal.
func (r *Reader) Next() (Message, error) {
	for r.scanner.Scan() {
		r.line++
		raw := bytes.TrimSpace(r.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if !gjson.ValidBytes(raw) {
			return nil, &ParseError{Line: r.line, Raw: string(raw), Err: errors.New("malformed JSON")}
		}
		if raw[0] != '{' {
			// Valid JSON but not an object; the input ordering can no longer
			// be trusted.
			return nil, &ParseError{Line: r.line, Raw: string(raw), Err: errors.New("line is not a JSON object")}
		}
		// Cheap tag dispatch before committing to a full decode.
		switch tag := gjson.GetBytes(raw, "type").String(); tag {
		case "SCHEMA":
			return r.parseSchema(raw)
		case "RECORD":
			return r.parseRecord(raw)
		case "STATE":
			return r.parseState(raw)
		default:
			return nil, &UnknownTypeError{Line: r.line, Type: tag}
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, &ParseError{Line: r.line + 1, Err: err}
	}
	return nil, io.EOF
}

// Line reports the number of the most recently consumed input line.
func (r *Reader) Line() int { return r.line }

type rawSchema struct {
	Stream        string   `json:"stream"`
	KeyProperties []string `json:"key_properties"`
	Schema        struct {
		Properties map[string]rawProperty `json:"properties"`
	} `json:"schema"`
}

type rawProperty struct {
	Type      json.RawMessage `json:"type"`
	Format    string          `json:"format"`
	MaxLength int             `json:"maxLength"`
}

func (r *Reader) parseSchema(raw []byte) (Message, error) {
	var rs rawSchema
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, &ParseError{Line: r.line, Raw: string(raw), Err: err}
	}
	if rs.Stream == "" {
		return nil, &ParseError{Line: r.line, Raw: string(raw), Err: errors.New("SCHEMA message missing stream")}
	}
	if len(rs.Schema.Properties) == 0 {
		return nil, &ParseError{Line: r.line, Raw: string(raw), Err: fmt.Errorf("SCHEMA for %s declares no properties", rs.Stream)}
	}

	msg := SchemaMessage{Stream: rs.Stream, KeyProperties: rs.KeyProperties}
	// JSON objects carry no order; sort property names so the column order
	// of a given schema is deterministic across runs.
	names := make([]string, 0, len(rs.Schema.Properties))
	for name := range rs.Schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rp := rs.Schema.Properties[name]
		typ, nullable := normalizeType(rp.Type)
		msg.Properties = append(msg.Properties, Property{
			Name:      name,
			Type:      typ,
			Format:    rp.Format,
			MaxLength: rp.MaxLength,
			Nullable:  nullable,
		})
	}
	return msg, nil
}

// normalizeType flattens a JSON-schema type declaration, which may be a bare
// string or an array like ["null","string"]. The "null" entry only toggles
// nullability.
func normalizeType(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", true
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "null" {
			return "", true
		}
		return single, false
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return "", true
	}
	nullable := false
	typ := ""
	for _, t := range list {
		if t == "null" {
			nullable = true
			continue
		}
		if typ == "" {
			typ = t
		}
	}
	return typ, nullable
}

func (r *Reader) parseRecord(raw []byte) (Message, error) {
	var rr struct {
		Stream        string          `json:"stream"`
		Record        json.RawMessage `json:"record"`
		TimeExtracted string          `json:"time_extracted"`
	}
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, &ParseError{Line: r.line, Raw: string(raw), Err: err}
	}
	if rr.Stream == "" {
		return nil, &ParseError{Line: r.line, Raw: string(raw), Err: errors.New("RECORD message missing stream")}
	}
	if len(rr.Record) == 0 {
		return nil, &ParseError{Line: r.line, Raw: string(raw), Err: errors.New("RECORD message missing record")}
	}

	// Decode with UseNumber so integers survive without float rounding.
	dec := json.NewDecoder(strings.NewReader(string(rr.Record)))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, &ParseError{Line: r.line, Raw: string(raw), Err: err}
	}

	values := make(map[string]types.Value, len(payload))
	for k, v := range payload {
		values[k] = types.ValueOf(v)
	}

	extracted := r.now()
	if rr.TimeExtracted != "" {
		if ts, err := time.Parse(time.RFC3339, rr.TimeExtracted); err == nil {
			extracted = ts
		}
	}

	return RecordMessage{Stream: rr.Stream, Record: values, ExtractedAt: extracted}, nil
}

func (r *Reader) parseState(raw []byte) (Message, error) {
	var rs struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, &ParseError{Line: r.line, Raw: string(raw), Err: err}
	}
	if len(rs.Value) == 0 {
		return nil, &ParseError{Line: r.line, Raw: string(raw), Err: errors.New("STATE message missing value")}
	}
	return StateMessage{Value: rs.Value}, nil
}
