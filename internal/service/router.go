package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	fsotel "github.com/Strob0t/ForgeSync/internal/adapter/otel"
	"github.com/Strob0t/ForgeSync/internal/domain"
	"github.com/Strob0t/ForgeSync/internal/domain/change"
	"github.com/Strob0t/ForgeSync/internal/domain/envelope"
	"github.com/Strob0t/ForgeSync/internal/port/broadcast"
	"github.com/Strob0t/ForgeSync/internal/port/messagequeue"
)

// UpdateRouter is the single intake for change events. Interactive changes
// broadcast immediately with their cascade; automated changes go through
// the batch aggregator. Both the HTTP handler and the NATS subscriber
// deliver into Handle.
type UpdateRouter struct {
	calc    *CascadeCalculator
	batch   *BatchAggregator
	hub     broadcast.Broadcaster
	metrics *fsotel.Metrics

	mu      sync.Mutex
	lastSeq map[string]int64
}

// NewUpdateRouter creates a new UpdateRouter.
func NewUpdateRouter(calc *CascadeCalculator, batch *BatchAggregator, hub broadcast.Broadcaster) *UpdateRouter {
	return &UpdateRouter{
		calc:    calc,
		batch:   batch,
		hub:     hub,
		lastSeq: make(map[string]int64),
	}
}

// SetMetrics attaches metric instruments.
func (r *UpdateRouter) SetMetrics(m *fsotel.Metrics) {
	r.metrics = m
}

// Handle validates and routes one change event by origin. Duplicate or
// regressed sequences are accepted with a warning; highest-sequence-wins
// merging downstream makes them harmless, and rejecting them would turn
// upstream redelivery into data loss.
func (r *UpdateRouter) Handle(ctx context.Context, ev change.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	ctx, span := fsotel.StartChangeSpan(ctx, string(ev.Entity), ev.EntityID, string(ev.Origin))
	defer span.End()

	r.observeSequence(ctx, ev)

	if r.metrics != nil {
		r.metrics.ChangesReceived.Add(ctx, 1, metric.WithAttributes(
			attribute.String("origin", string(ev.Origin))))
	}

	switch ev.Origin {
	case change.OriginInteractive:
		cascade, err := r.calc.Compute(ctx, ev.Ref())
		if err != nil {
			slog.Warn("cascade computation failed, broadcasting primary only",
				"entity", ev.Key(), "sequence", ev.Sequence, "error", err)
			cascade = nil
		}
		env, err := envelope.NewUpdate(&ev, cascade)
		if err != nil {
			return fmt.Errorf("build update envelope: %w", err)
		}
		r.hub.Broadcast(ctx, env)
		return nil

	case change.OriginAutomated:
		r.batch.Enqueue(ctx, ev)
		return nil

	default:
		return fmt.Errorf("%w: unroutable origin %q", domain.ErrValidation, ev.Origin)
	}
}

// StartChangeSubscriber consumes change events from the automated mutation
// pipeline into Handle. Delivery is at least once; duplicates are absorbed
// by the merge semantics.
func (r *UpdateRouter) StartChangeSubscriber(ctx context.Context, queue messagequeue.Queue) (cancel func(), err error) {
	return queue.Subscribe(ctx, messagequeue.SubjectChangeSubmitted, func(msgCtx context.Context, _ string, data []byte) error {
		var ev change.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("unmarshal change event: %w", err)
		}
		return r.Handle(msgCtx, ev)
	})
}

// observeSequence tracks the highest sequence seen per entity and flags
// anomalies. The map only grows; entities number in the thousands, not the
// millions, and a restart starting empty merely re-learns the baselines.
func (r *UpdateRouter) observeSequence(ctx context.Context, ev change.Event) {
	key := ev.Key()

	r.mu.Lock()
	last := r.lastSeq[key]
	if ev.Sequence > last {
		r.lastSeq[key] = ev.Sequence
	}
	r.mu.Unlock()

	if last > 0 && ev.Sequence <= last {
		slog.Warn("sequence did not advance, accepting anyway",
			"entity", key, "sequence", ev.Sequence, "last", last, "origin", ev.Origin)
		if r.metrics != nil {
			r.metrics.SequenceAnomalies.Add(ctx, 1)
		}
	}
}
