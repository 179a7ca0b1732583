package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_post/internal/clock"
	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/metrics"
	"github.com/austindbirch/harbor_post/internal/provider"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

// unit is everything one dispatch goroutine needs. It is built by value at
// admission and owned by that goroutine alone.
type unit struct {
	batchID     string
	item        Item
	tracker     *Tracker
	sender      provider.Sender
	clock       clock.Clock
	sendTimeout time.Duration
	recorders   []Recorder
	log         *logging.Logger
	onComplete  func(batchID string)
}

// run waits until the fire time, sends once and reports done. It never
// returns early without reporting, including when the sender panics.
func (u unit) run(ctx context.Context) {
	metrics.DispatchStarted()
	defer metrics.DispatchFinished()

	out := Outcome{
		BatchID: u.batchID,
		ItemID:  u.item.ID,
		Content: u.item.Content,
		FireAt:  u.item.FireAt,
	}

	defer func() {
		if p := recover(); p != nil {
			out.Status = StatusFailed
			out.Reason = "panic"
			out.Error = fmt.Sprint(p)
			if out.StartedAt.IsZero() {
				out.StartedAt = u.clock.Now()
			}
			out.FinishedAt = u.clock.Now()
			u.log.WithContext(ctx).WithBatch(u.batchID).WithItem(u.item.ID).
				WithField("panic", out.Error).
				WithField("stack", string(debug.Stack())).
				Error("dispatch unit panicked")
			u.finish(ctx, out)
		}
		if u.tracker.ReportDone() && u.onComplete != nil {
			u.onComplete(u.batchID)
		}
	}()

	// Units are never cancelled; a hard process exit is the only stop.
	_ = clock.SleepUntil(ctx, u.clock, u.item.FireAt)

	out.StartedAt = u.clock.Now()
	resp, headers, err := u.send(ctx)
	out.FinishedAt = u.clock.Now()
	out.TraceHeaders = headers

	if err != nil {
		out.Status = StatusFailed
		out.Reason = provider.ClassifyReason(err)
		out.Error = err.Error()
	} else {
		out.Status = StatusSent
		out.Reason = "none"
		out.ProviderID = resp.ID
		out.Response = resp.Body
	}
	u.finish(ctx, out)
}

// send returns the trace headers of its dispatch span so recorders can
// continue the trace after the span has ended.
func (u unit) send(ctx context.Context) (provider.Response, map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "schedule.dispatch",
		attribute.String("batch_id", u.batchID),
		attribute.String("item_id", u.item.ID),
		attribute.String("fire_at", u.item.FireAt.Format(time.RFC3339)),
	)
	defer span.End()
	headers := tracing.InjectHeaders(ctx)

	if u.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.sendTimeout)
		defer cancel()
	}

	tracing.AddSpanEvent(ctx, "send.start")
	resp, err := u.sender.Send(ctx, u.item.Content)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return resp, headers, err
	}
	tracing.AddSpanEvent(ctx, "send.ok", attribute.String("provider_id", resp.ID))
	return resp, headers, nil
}

func (u unit) finish(ctx context.Context, out Outcome) {
	if len(out.TraceHeaders) == 0 {
		out.TraceHeaders = tracing.InjectHeaders(ctx)
	}
	metrics.RecordDispatch(string(out.Status), out.Reason, out.Lag(), out.Latency())

	entry := u.log.WithContext(ctx).WithBatch(u.batchID).WithItem(u.item.ID).WithFields(map[string]any{
		"status":     out.Status,
		"reason":     out.Reason,
		"lag_ms":     out.Lag().Milliseconds(),
		"latency_ms": out.Latency().Milliseconds(),
	})
	if out.Status == StatusSent {
		entry.WithField("provider_id", out.ProviderID).Info("post dispatched")
	} else {
		entry.WithField("error", out.Error).Error("post dispatch failed")
	}

	recordAll(ctx, u.log, u.recorders, out)
}
