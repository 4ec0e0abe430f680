package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	fsotel "github.com/Strob0t/ForgeSync/internal/adapter/otel"
	"github.com/Strob0t/ForgeSync/internal/domain/change"
	"github.com/Strob0t/ForgeSync/internal/domain/envelope"
	"github.com/Strob0t/ForgeSync/internal/port/broadcast"
)

// pendingEvent pairs an automated event with the cascade computed at
// enqueue time, so a flush is pure merge and serialize.
type pendingEvent struct {
	event   change.Event
	cascade *envelope.CascadeSet
}

// BatchAggregator collects automated change events and broadcasts them as
// one merged envelope per window. The window opens at the first enqueue
// after a flush; events arriving during an open window ride along. A full
// queue flushes immediately rather than waiting out the window.
type BatchAggregator struct {
	calc    *CascadeCalculator
	hub     broadcast.Broadcaster
	window  time.Duration
	maxSize int
	metrics *fsotel.Metrics

	mu      sync.Mutex
	pending []pendingEvent

	armed chan struct{} // first enqueue after a flush
	kick  chan struct{} // max-size overflow
}

// NewBatchAggregator creates a new BatchAggregator. window and maxSize
// bound how long and how large a batch may grow.
func NewBatchAggregator(calc *CascadeCalculator, hub broadcast.Broadcaster, window time.Duration, maxSize int) *BatchAggregator {
	return &BatchAggregator{
		calc:    calc,
		hub:     hub,
		window:  window,
		maxSize: maxSize,
		armed:   make(chan struct{}, 1),
		kick:    make(chan struct{}, 1),
	}
}

// SetMetrics attaches metric instruments.
func (b *BatchAggregator) SetMetrics(m *fsotel.Metrics) {
	b.metrics = m
}

// Enqueue adds an automated event to the current window. The cascade is
// computed here; a computation failure degrades that event to primary-only
// rather than failing the batch.
func (b *BatchAggregator) Enqueue(ctx context.Context, ev change.Event) {
	cascade, err := b.calc.Compute(ctx, ev.Ref())
	if err != nil {
		slog.Warn("cascade computation failed, batching primary only",
			"entity", ev.Key(), "sequence", ev.Sequence, "error", err)
		cascade = nil
	}

	b.mu.Lock()
	b.pending = append(b.pending, pendingEvent{event: ev, cascade: cascade})
	n := len(b.pending)
	b.mu.Unlock()

	if n == 1 {
		select {
		case b.armed <- struct{}{}:
		default:
		}
	}
	if n >= b.maxSize {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Run drives the flush loop until ctx is cancelled. Remaining events are
// flushed on the way out so a graceful shutdown loses nothing.
func (b *BatchAggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.flush(context.WithoutCancel(ctx))
			return
		case <-b.armed:
		}

		timer := time.NewTimer(b.window)
		select {
		case <-ctx.Done():
			timer.Stop()
			b.flush(context.WithoutCancel(ctx))
			return
		case <-timer.C:
		case <-b.kick:
			timer.Stop()
		}
		b.flush(ctx)
	}
}

func (b *BatchAggregator) flush(ctx context.Context) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	ctx, span := fsotel.StartFlushSpan(ctx, len(pending))
	defer span.End()

	merged := envelope.NewCascadeSet()
	events := make([]change.Event, len(pending))
	var entries int
	for i, p := range pending {
		events[i] = p.event
		entries += p.cascade.Size()
		merged.Merge(p.cascade)
	}

	env, err := envelope.NewBatch(events, merged)
	if err != nil {
		slog.Error("failed to build batch envelope, dropping window",
			"events", len(events), "error", err)
		return
	}

	if b.metrics != nil {
		b.metrics.BatchFlushes.Add(ctx, 1)
		b.metrics.BatchSize.Record(ctx, int64(len(events)))
		if collapsed := entries - merged.Size(); collapsed > 0 {
			b.metrics.BatchDuplicates.Add(ctx, int64(collapsed))
		}
	}

	slog.Debug("flushing batch window",
		"events", len(events), "cascade_size", merged.Size(), "sequence", env.Sequence)
	b.hub.Broadcast(ctx, env)
}
