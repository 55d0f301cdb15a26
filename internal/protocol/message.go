package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nikolay-makurin/streamsink/pkg/types"
)

// Message is the closed set of inputs the pipeline understands. Raw JSON is
// decoded into one of these at the reader boundary and never escapes as an
// untyped map.
type Message interface {
	isMessage()
}

// Property is one declared field of a stream schema, normalized from the
// JSON-schema fragment: type arrays are flattened and "null" is folded into
// Nullable.
type Property struct {
	Name      string
	Type      string
	Format    string
	MaxLength int
	Nullable  bool
}

type SchemaMessage struct {
	Stream        string
	Properties    []Property
	KeyProperties []string
}

type RecordMessage struct {
	Stream      string
	Record      map[string]types.Value
	ExtractedAt time.Time
}

type StateMessage struct {
	Value json.RawMessage
}

func (SchemaMessage) isMessage() {}
func (RecordMessage) isMessage() {}
func (StateMessage) isMessage()  {}

// ParseError is fatal: once a line is corrupt the input ordering cannot be
// trusted.
type ParseError struct {
	Line int
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnknownTypeError reports a message with an unrecognized type tag. Whether
// it is fatal is a policy decision made by the router (strict mode).
type UnknownTypeError struct {
	Line int
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q at line %d", e.Type, e.Line)
}
