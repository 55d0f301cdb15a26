// Package pipeline orchestrates message consumption, flush scheduling and
// checkpoint emission. A single consumer reads messages in protocol order;
// flushes for different streams run concurrently on a bounded pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nikolay-makurin/streamsink/internal/config"
	"github.com/nikolay-makurin/streamsink/internal/planner"
	"github.com/nikolay-makurin/streamsink/internal/protocol"
	"github.com/nikolay-makurin/streamsink/internal/registry"
	"github.com/nikolay-makurin/streamsink/internal/sink"
	"github.com/nikolay-makurin/streamsink/internal/telemetry"
)

// Router drives the per-stream state machine:
//
//	UNINITIALIZED -> ACTIVE(epoch) -> FLUSHING -> ACTIVE(epoch+1), and
//	ACTIVE -> CLOSED on shutdown.
//
// UNINITIALIZED ends at the first SCHEMA; FLUSHING is the synchronous drain
// forced by a schema change; CLOSED follows the final flush-all.
type Router struct {
	cfg     *config.Config
	reg     *registry.Registry
	client  sink.Client
	planner *planner.Planner
	tracker *Tracker
	emitter *Emitter

	sem     *semaphore.Weighted
	pending pendingErr

	// cleared tracks which tables already got their one-time clear in
	// overwrite mode.
	cleared map[string]bool
}

func NewRouter(cfg *config.Config, reg *registry.Registry, client sink.Client, pl *planner.Planner, emitter *Emitter) *Router {
	return &Router{
		cfg:     cfg,
		reg:     reg,
		client:  client,
		planner: pl,
		tracker: NewTracker(),
		emitter: emitter,
		sem:     semaphore.NewWeighted(int64(cfg.Pipeline.WorkerCount)),
		cleared: make(map[string]bool),
	}
}

// Tracker exposes the checkpoint tracker, mainly for tests.
func (r *Router) Tracker() *Tracker { return r.tracker }

// Run consumes messages until EOF, fatal error, or context cancellation.
// On EOF or cancellation it performs a final flush-all and waits for every
// in-flight flush before returning.
func (r *Router) Run(ctx context.Context, reader *protocol.Reader) error {
	for {
		if ctx.Err() != nil {
			slog.Info("Shutdown signal received, draining")
			return r.shutdown(context.WithoutCancel(ctx))
		}

		msg, err := reader.Next()
		if err != nil {
			var unknown *protocol.UnknownTypeError
			switch {
			case errors.Is(err, io.EOF):
				return r.shutdown(context.WithoutCancel(ctx))
			case errors.As(err, &unknown):
				if r.cfg.Pipeline.Strict {
					return unknown
				}
				slog.Warn("Ignoring message with unknown type", "type", unknown.Type, "line", unknown.Line)
				continue
			default:
				return err
			}
		}

		if err := r.dispatch(ctx, msg); err != nil {
			return err
		}
		// Surface asynchronous flush failures promptly instead of at the
		// next STATE barrier.
		if err := r.pending.take(); err != nil {
			return err
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.SchemaMessage:
		return r.handleSchema(ctx, m)
	case protocol.RecordMessage:
		return r.handleRecord(ctx, m)
	case protocol.StateMessage:
		return r.handleState(ctx, m)
	default:
		return fmt.Errorf("unhandled message %T", msg)
	}
}

func (r *Router) handleSchema(ctx context.Context, msg protocol.SchemaMessage) error {
	res, err := r.reg.Register(msg, r.cfg.StreamKeyOverride(msg.Stream))
	if err != nil {
		return err
	}

	if r.cfg.Pipeline.LoadMethod == config.LoadUpsert && len(res.Def.KeyProperties) == 0 {
		// Caught at validation time, before any flush for this stream.
		return &config.ConfigurationError{
			Field:  "key_properties",
			Reason: fmt.Sprintf("load_method upsert requires key properties for stream %q", msg.Stream),
		}
	}

	if res.Created {
		exists, err := r.client.TableExists(ctx, res.Def.Name)
		if err != nil {
			return err
		}
		if !exists {
			withKeys := r.cfg.Pipeline.LoadMethod == config.LoadUpsert
			if err := r.client.CreateTable(ctx, res.Def, withKeys); err != nil {
				return err
			}
			slog.Info("Created table", "stream", msg.Stream, "columns", len(res.Def.Columns))
		}
		return nil
	}

	if len(res.Added) == 0 {
		// Identical schema re-announcement.
		return nil
	}

	// Schema changed: drain the open buffer under the old definition while
	// the stream is FLUSHING, evolve the table add-only, then bump the epoch.
	if err := r.flushStream(ctx, msg.Stream, true); err != nil {
		return err
	}
	if err := r.client.AddColumns(ctx, msg.Stream, res.Added); err != nil {
		return err
	}
	epoch, err := r.reg.ApplyEvolution(msg.Stream, res.Added)
	if err != nil {
		return err
	}
	slog.Info("Evolved stream schema", "stream", msg.Stream, "added", len(res.Added), "epoch", epoch)
	return nil
}

func (r *Router) handleRecord(ctx context.Context, msg protocol.RecordMessage) error {
	full, err := r.reg.Append(msg)
	if err != nil {
		var mismatch *registry.SchemaMismatchError
		if errors.As(err, &mismatch) && !r.cfg.Pipeline.AbortOnMismatch {
			slog.Warn("Skipping record with undeclared fields", "stream", mismatch.Stream, "fields", mismatch.Fields)
			telemetry.RecordsProcessed.WithLabelValues("skipped", msg.Stream).Inc()
			return nil
		}
		return err
	}

	telemetry.BufferedRows.WithLabelValues(msg.Stream).Set(float64(r.reg.Buffered(msg.Stream)))
	if full {
		return r.flushStream(ctx, msg.Stream, false)
	}
	return nil
}

func (r *Router) handleState(ctx context.Context, msg protocol.StateMessage) error {
	// A checkpoint is safe only when every batch flushed so far, for every
	// stream, has committed.
	if err := r.flushAll(ctx); err != nil {
		return err
	}
	if !r.tracker.AllCommitted() {
		return fmt.Errorf("checkpoint barrier violated: %d flushes unaccounted for", int(r.tracker.LastAssigned()-r.tracker.SafeSeq()))
	}
	if err := r.emitter.Emit(ctx, msg.Value); err != nil {
		return err
	}
	telemetry.CheckpointsEmitted.Inc()
	return nil
}

// flushStream freezes the stream's open buffer and executes the plan. When
// sync is false the flush runs on the worker pool; acquisition of the
// per-stream flush lock happens here, on the consumer goroutine, so flushes
// for one stream always execute in dispatch order.
func (r *Router) flushStream(ctx context.Context, stream string, sync bool) error {
	s, ok := r.reg.Stream(stream)
	if !ok {
		return nil
	}

	batch := r.reg.Swap(stream)
	if batch == nil {
		if sync {
			// Nothing buffered, but a prior async flush may still be
			// running; schema evolution must wait for it.
			s.FlushMu.Lock()
			s.FlushMu.Unlock()
			return r.pending.take()
		}
		return nil
	}

	def, ok := r.reg.Definition(stream)
	if !ok {
		return &registry.UnknownStreamError{Stream: stream}
	}

	clearFirst := false
	if r.cfg.Pipeline.LoadMethod == config.LoadOverwrite && !r.cleared[stream] {
		clearFirst = true
		r.cleared[stream] = true
	}

	plan, err := r.planner.PlanFlush(def, batch, r.cfg.Pipeline.LoadMethod, clearFirst)
	if err != nil {
		return err
	}

	seq := r.tracker.Begin()
	s.FlushMu.Lock()

	// A dispatched flush runs to completion even if the consumer's context
	// is cancelled mid-flight; the per-attempt flush timeout bounds it.
	runCtx := context.WithoutCancel(ctx)

	if sync {
		defer s.FlushMu.Unlock()
		return r.runFlush(runCtx, plan, batch.Len(), seq)
	}

	// The buffer is already swapped and the sequence assigned, so the wait
	// for a worker slot must not be interrupted either.
	if err := r.sem.Acquire(runCtx, 1); err != nil {
		s.FlushMu.Unlock()
		return err
	}
	r.pending.add(1)
	go func() {
		defer r.pending.done()
		defer r.sem.Release(1)
		defer s.FlushMu.Unlock()
		if err := r.runFlush(runCtx, plan, batch.Len(), seq); err != nil {
			r.pending.record(err)
		}
	}()
	return nil
}

func (r *Router) runFlush(ctx context.Context, plan *planner.Plan, rows int, seq FlushSeq) error {
	start := time.Now()
	_, err := r.client.ExecuteBatch(ctx, plan)
	telemetry.FlushLatency.WithLabelValues(plan.Stream).Observe(time.Since(start).Seconds())
	telemetry.BatchSize.WithLabelValues(plan.Stream).Observe(float64(rows))

	if err != nil {
		telemetry.RecordsProcessed.WithLabelValues("failed", plan.Stream).Add(float64(rows))
		return err
	}

	r.tracker.Complete(seq)
	r.reg.MarkFlushed(plan.Stream, rows)
	telemetry.RecordsProcessed.WithLabelValues("success", plan.Stream).Add(float64(rows))
	telemetry.BufferedRows.WithLabelValues(plan.Stream).Set(float64(r.reg.Buffered(plan.Stream)))
	slog.Debug("Flushed batch", "stream", plan.Stream, "rows", rows, "elapsed", time.Since(start))
	return nil
}

// flushAll drains every stream's open buffer and waits for all in-flight
// flushes to complete.
func (r *Router) flushAll(ctx context.Context) error {
	names := r.reg.Names()
	sort.Strings(names)
	for _, name := range names {
		if err := r.flushStream(ctx, name, false); err != nil {
			return err
		}
	}
	r.pending.wait()
	return r.pending.take()
}

// shutdown performs the final flush-all and transitions all streams to
// CLOSED. No transaction is abandoned mid-flight: flushAll waits for every
// worker.
func (r *Router) shutdown(ctx context.Context) error {
	if err := r.flushAll(ctx); err != nil {
		return err
	}
	for _, name := range r.reg.Names() {
		stats := r.reg.StatsFor(name)
		slog.Info("Stream closed",
			"stream", name,
			"received", stats.Received,
			"flushed", stats.Flushed,
			"batches", stats.Batches)
	}
	if last := r.emitter.Last(); last != nil {
		slog.Info("Final checkpoint", "state", string(last))
	}
	return nil
}
