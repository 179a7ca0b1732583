package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_post/internal/clock"
	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
	"github.com/austindbirch/harbor_post/internal/provider"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

const acceptedMessage = "posts scheduled successfully"

// BatchWatcher is told about every admitted batch and its completion channel.
type BatchWatcher interface {
	WatchBatch(batchID string, done <-chan struct{})
}

// Gate reports whether new batches may be admitted.
type Gate interface {
	Accepting() bool
}

// Deduper reserves idempotency keys. Reserve returns the batch ID and item
// fingerprint already bound to key and false when the key was seen before.
type Deduper interface {
	Reserve(ctx context.Context, key, batchID, fingerprint string) (string, string, bool, error)
}

type Options struct {
	MinBatch    int
	MaxBatch    int
	SendTimeout time.Duration
	Clock       clock.Clock
	Logger      *logging.Logger
	Recorders   []Recorder
	Watcher     BatchWatcher
	Gate        Gate
	Deduper     Deduper
}

// Coordinator admits batches and starts one dispatch unit per item.
type Coordinator struct {
	sender provider.Sender
	opts   Options

	wg      sync.WaitGroup
	spawned atomic.Int64
}

func NewCoordinator(sender provider.Sender, opts Options) *Coordinator {
	if opts.MinBatch <= 0 {
		opts.MinBatch = 1
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 20
	}
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Coordinator{sender: sender, opts: opts}
}

// Submit validates the whole batch against a single reading of the clock and
// either rejects it without side effects or starts every unit and returns.
// It never waits for a send.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (Ack, error) {
	ctx, span := tracing.StartSpan(ctx, "schedule.submit",
		attribute.Int("batch_size", len(req.Items)),
	)
	defer span.End()

	log := c.opts.Logger

	if c.opts.Gate != nil && !c.opts.Gate.Accepting() {
		return Ack{}, c.rejected(ctx, reject(ErrNotAccepting, "new batches are not admitted"))
	}

	now := c.opts.Clock.Now()
	if rej := c.validate(req.Items, now); rej != nil {
		return Ack{}, c.rejected(ctx, rej)
	}

	batchID := uuid.NewString()
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" && c.opts.Deduper != nil {
		fp := Fingerprint(req.Items)
		existing, existingFP, reserved, err := c.opts.Deduper.Reserve(ctx, key, batchID, fp)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return Ack{}, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if !reserved && existingFP != fp {
			return Ack{}, c.rejected(ctx, reject(ErrIdempotencyConflict, "key %q is bound to batch %s", key, existing))
		}
		if !reserved {
			metrics.RecordBatch("duplicate")
			log.WithContext(ctx).WithBatch(existing).WithField("idempotency_key", key).
				Info("duplicate batch, nothing scheduled")
			return Ack{BatchID: existing, Message: acceptedMessage, Duplicate: true}, nil
		}
	}

	items := make([]Item, len(req.Items))
	for i, it := range req.Items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		items[i] = it
	}

	tracker := NewTracker(len(items))
	if c.opts.Watcher != nil {
		c.opts.Watcher.WatchBatch(batchID, tracker.Done())
	}

	detached := context.WithoutCancel(ctx)
	for _, it := range items {
		u := unit{
			batchID:     batchID,
			item:        it,
			tracker:     tracker,
			sender:      c.sender,
			clock:       c.opts.Clock,
			sendTimeout: c.opts.SendTimeout,
			recorders:   c.opts.Recorders,
			log:         log,
			onComplete:  c.batchCompleted,
		}
		c.wg.Add(1)
		c.spawned.Add(1)
		go func() {
			defer c.wg.Done()
			u.run(detached)
		}()
	}

	metrics.RecordBatch("accepted")
	metrics.RecordScheduled(len(items))
	span.SetAttributes(attribute.String("batch_id", batchID))
	log.WithContext(ctx).WithBatch(batchID).WithFields(map[string]any{
		"items":      len(items),
		"first_fire": earliest(items).Format(time.RFC3339),
		"last_fire":  latest(items).Format(time.RFC3339),
	}).Info("batch scheduled")

	return Ack{BatchID: batchID, Message: acceptedMessage, Scheduled: len(items)}, nil
}

func (c *Coordinator) validate(items []Item, now time.Time) *RejectionError {
	bounds := fmt.Sprintf("batch must contain between %d and %d posts", c.opts.MinBatch, c.opts.MaxBatch)
	switch {
	case len(items) == 0:
		return reject(ErrEmptyBatch, "%s", bounds)
	case len(items) < c.opts.MinBatch:
		return reject(ErrBatchTooSmall, "%s", bounds)
	case len(items) > c.opts.MaxBatch:
		return reject(ErrBatchTooLarge, "%s", bounds)
	}
	for i, it := range items {
		if strings.TrimSpace(it.Content) == "" {
			return reject(ErrEmptyContent, "item %d", i)
		}
		if it.FireAt.Before(now) {
			return reject(ErrPastDue, "item %d at %s", i, it.FireAt.Format(time.RFC3339))
		}
	}
	return nil
}

func (c *Coordinator) rejected(ctx context.Context, rej *RejectionError) error {
	metrics.RecordRejection(rej.Code())
	tracing.AddSpanEvent(ctx, "batch.rejected", attribute.String("reason", rej.Code()))
	c.opts.Logger.WithContext(ctx).WithField("reason", rej.Code()).WithError(rej).Warn("batch rejected")
	return rej
}

func (c *Coordinator) batchCompleted(batchID string) {
	metrics.RecordBatchCompleted()
	c.opts.Logger.Plain().WithBatch(batchID).Info("batch complete")
}

// Spawned is the number of dispatch units started since construction.
func (c *Coordinator) Spawned() int64 {
	return c.spawned.Load()
}

// Wait blocks until every unit started so far has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func earliest(items []Item) time.Time {
	t := items[0].FireAt
	for _, it := range items[1:] {
		if it.FireAt.Before(t) {
			t = it.FireAt
		}
	}
	return t
}

func latest(items []Item) time.Time {
	t := items[0].FireAt
	for _, it := range items[1:] {
		if it.FireAt.After(t) {
			t = it.FireAt
		}
	}
	return t
}
