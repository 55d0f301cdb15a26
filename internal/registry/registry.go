// Package registry owns per-stream schema definitions and open record
// buffers. Mutation is serialized per stream; different streams proceed
// independently.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nikolay-makurin/streamsink/internal/protocol"
	"github.com/nikolay-makurin/streamsink/internal/typemap"
	"github.com/nikolay-makurin/streamsink/pkg/types"
)

// UnknownStreamError: a RECORD arrived before any SCHEMA for its stream.
type UnknownStreamError struct {
	Stream string
}

func (e *UnknownStreamError) Error() string {
	return fmt.Sprintf("record for unknown stream %q (no prior SCHEMA)", e.Stream)
}

// SchemaMismatchError: a record carries fields the current definition does
// not declare, in strict mode.
type SchemaMismatchError struct {
	Stream string
	Fields []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("record for stream %q has undeclared fields %v", e.Stream, e.Fields)
}

// Stats counts per-stream traffic for the end-of-run report.
type Stats struct {
	Received uint64
	Flushed  uint64
	Batches  uint64
}

type Stream struct {
	// mu guards def, buf and stats. FlushMu serializes flushes for this
	// stream and is acquired by the scheduler in dispatch order.
	mu      sync.Mutex
	FlushMu sync.Mutex

	def   *types.StreamDefinition
	buf   []types.Row
	stats Stats

	firstSeq uint64
}

type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream

	mapper    *typemap.Mapper
	strict    bool
	batchSize int

	seq atomic.Uint64
}

func New(mapper *typemap.Mapper, strict bool, batchSize int) *Registry {
	return &Registry{
		streams:   make(map[string]*Stream),
		mapper:    mapper,
		strict:    strict,
		batchSize: batchSize,
	}
}

// RegisterResult describes what a SCHEMA message changed.
type RegisterResult struct {
	Def     *types.StreamDefinition
	Created bool
	// Added lists newly declared columns; non-empty means the table must be
	// evolved and the epoch was bumped.
	Added []types.Column
}

// Register applies a SCHEMA message. New streams get a fresh definition at
// epoch 0. For known streams the column set may only grow: the result lists
// the newly declared columns but the definition is NOT mutated yet: the
// caller must drain the open buffer under the old definition, evolve the
// table, then call ApplyEvolution. Vanished columns are retained and a
// redefined type keeps its original mapping (widening would rewrite
// committed data).
func (r *Registry) Register(msg protocol.SchemaMessage, keyOverride []string) (*RegisterResult, error) {
	keys := msg.KeyProperties
	if len(keyOverride) > 0 {
		keys = keyOverride
	}

	incoming := make([]types.Column, 0, len(msg.Properties))
	for _, p := range msg.Properties {
		incoming = append(incoming, types.Column{
			Name:     p.Name,
			Type:     r.mapper.Map(msg.Stream, p),
			Nullable: p.Nullable || !isKey(keys, p.Name),
		})
	}
	for _, k := range keys {
		if !hasColumn(incoming, k) {
			return nil, fmt.Errorf("stream %s: key property %q is not declared in the schema", msg.Stream, k)
		}
	}

	r.mu.Lock()
	s, ok := r.streams[msg.Stream]
	if !ok {
		def := &types.StreamDefinition{
			Name:          msg.Stream,
			Columns:       incoming,
			KeyProperties: append([]string(nil), keys...),
		}
		if !r.strict {
			def.Columns = append(def.Columns, types.Column{
				Name:     types.MetaExtra,
				Type:     types.ColumnType{Kind: types.KindLargeText},
				Nullable: true,
			})
		}
		s = &Stream{def: def}
		r.streams[msg.Stream] = s
		r.mu.Unlock()
		return &RegisterResult{Def: def.Clone(), Created: true}, nil
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var added []types.Column
	for _, c := range incoming {
		if _, exists := s.def.Column(c.Name); !exists {
			added = append(added, c)
		}
	}
	if len(added) == 0 {
		return &RegisterResult{Def: s.def.Clone()}, nil
	}

	// Evolved columns are nullable: rows committed under earlier epochs
	// have no value for them.
	for i := range added {
		added[i].Nullable = true
	}
	return &RegisterResult{Def: s.def.Clone(), Added: added}, nil
}

// ApplyEvolution extends the stream definition with the columns returned by
// Register and bumps the epoch. Call only after the open buffer has been
// flushed under the old definition and the table has been evolved.
func (r *Registry) ApplyEvolution(stream string, added []types.Column) (int, error) {
	s, ok := r.stream(stream)
	if !ok {
		return 0, &UnknownStreamError{Stream: stream}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range added {
		if !hasColumn(s.def.Columns, c.Name) {
			s.def.Columns = append(s.def.Columns, c)
		}
	}
	s.def.Epoch++
	return s.def.Epoch, nil
}

// Known reports whether a SCHEMA has been seen for the stream.
func (r *Registry) Known(stream string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[stream]
	return ok
}

func (r *Registry) stream(name string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[name]
	return s, ok
}

// Stream returns the internal stream handle; the scheduler uses its FlushMu.
func (r *Registry) Stream(name string) (*Stream, bool) { return r.stream(name) }

// Append validates a record against the stream's current definition and
// buffers it. It returns true when the buffer has reached the batch-size
// threshold.
func (r *Registry) Append(msg protocol.RecordMessage) (bool, error) {
	s, ok := r.stream(msg.Stream)
	if !ok {
		return false, &UnknownStreamError{Stream: msg.Stream}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var extras map[string]types.Value
	values := make(map[string]types.Value, len(msg.Record))
	for name, v := range msg.Record {
		if _, declared := s.def.Column(name); declared && name != types.MetaExtra {
			values[name] = v
			continue
		}
		if extras == nil {
			extras = make(map[string]types.Value)
		}
		extras[name] = v
	}

	if len(extras) > 0 {
		if r.strict {
			return false, &SchemaMismatchError{Stream: msg.Stream, Fields: types.SortedKeys(extras)}
		}
		// Permissive mode: undeclared fields land in the catch-all column
		// as serialized JSON.
		b, err := json.Marshal(types.Value{Kind: types.ValueMap, Map: extras}.Interface())
		if err == nil {
			values[types.MetaExtra] = types.StringValue(string(b))
		}
	}

	row := types.Row{
		Values:      values,
		ExtractedAt: msg.ExtractedAt,
		Sequence:    r.seq.Add(1),
	}
	if len(s.buf) == 0 {
		s.firstSeq = row.Sequence
	}
	s.buf = append(s.buf, row)
	s.stats.Received++

	return len(s.buf) >= r.batchSize, nil
}

// Swap freezes the stream's open buffer into a RecordBatch bound to the
// current epoch and installs a fresh empty buffer. Returns nil when there is
// nothing to flush.
func (r *Registry) Swap(stream string) *types.RecordBatch {
	s, ok := r.stream(stream)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}

	batch := &types.RecordBatch{
		Stream:   stream,
		Epoch:    s.def.Epoch,
		Rows:     s.buf,
		FirstSeq: s.firstSeq,
		LastSeq:  s.buf[len(s.buf)-1].Sequence,
	}
	s.buf = make([]types.Row, 0, r.batchSize)
	s.stats.Batches++
	return batch
}

// MarkFlushed records a committed batch in the stream's stats.
func (r *Registry) MarkFlushed(stream string, rows int) {
	if s, ok := r.stream(stream); ok {
		s.mu.Lock()
		s.stats.Flushed += uint64(rows)
		s.mu.Unlock()
	}
}

// Definition returns a copy of the current stream definition.
func (r *Registry) Definition(stream string) (*types.StreamDefinition, bool) {
	s, ok := r.stream(stream)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.def.Clone(), true
}

// Buffered returns the open-buffer depth for a stream.
func (r *Registry) Buffered(stream string) int {
	s, ok := r.stream(stream)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Names returns all registered stream names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.streams))
	for name := range r.streams {
		names = append(names, name)
	}
	return names
}

// StatsFor returns a snapshot of the stream's counters.
func (r *Registry) StatsFor(stream string) Stats {
	s, ok := r.stream(stream)
	if !ok {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func isKey(keys []string, name string) bool {
	for _, k := range keys {
		if k == name {
			return true
		}
	}
	return false
}

func hasColumn(cols []types.Column, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}
