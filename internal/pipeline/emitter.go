package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const mirrorKey = "streamsink:checkpoint"

// Emitter writes safe checkpoints as newline-delimited STATE JSON. Nothing
// else may be written to its writer: in the usual wiring that writer is
// stdout and carries protocol output only.
type Emitter struct {
	mu     sync.Mutex
	w      io.Writer
	mirror *redis.Client
	last   json.RawMessage
	count  int
}

func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// WithRedisMirror additionally publishes every checkpoint to a redis key so
// external monitors can read the last safe position without scraping stdout.
func (e *Emitter) WithRedisMirror(dsn string) error {
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return fmt.Errorf("invalid redis mirror dsn: %w", err)
	}
	e.mirror = redis.NewClient(opt)
	return nil
}

// Emit writes one STATE line for a fully-committed checkpoint.
func (e *Emitter) Emit(ctx context.Context, value json.RawMessage) error {
	line, err := json.Marshal(struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}{Type: "STATE", Value: value})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	e.last = append(json.RawMessage(nil), value...)
	e.count++

	if e.mirror != nil {
		// The mirror is advisory; stdout is the source of truth.
		if err := e.mirror.Set(ctx, mirrorKey, string(value), 0).Err(); err != nil {
			slog.Warn("Checkpoint mirror write failed", "error", err)
		}
	}
	return nil
}

// Last returns the most recently emitted checkpoint value, nil if none.
func (e *Emitter) Last() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Count returns how many STATE lines have been emitted.
func (e *Emitter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *Emitter) Close() error {
	if e.mirror != nil {
		return e.mirror.Close()
	}
	return nil
}
