package schedule

import (
	"context"
	"time"

	"github.com/austindbirch/harbor_post/internal/logging"
)

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Outcome is the result of one send attempt. It only feeds observability;
// both statuses count as done for the batch.
type Outcome struct {
	BatchID      string            `json:"batch_id"`
	ItemID       string            `json:"item_id"`
	Content      string            `json:"content"`
	Status       Status            `json:"status"`
	Reason       string            `json:"reason"`
	ProviderID   string            `json:"provider_id,omitempty"`
	Response     string            `json:"response,omitempty"`
	Error        string            `json:"error,omitempty"`
	FireAt       time.Time         `json:"fire_at"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Lag is how late the send started relative to the fire time.
func (o Outcome) Lag() time.Duration {
	if o.StartedAt.Before(o.FireAt) {
		return 0
	}
	return o.StartedAt.Sub(o.FireAt)
}

func (o Outcome) Latency() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Recorder receives every outcome. Implementations must not block for long;
// they run on the dispatch goroutine.
type Recorder interface {
	Record(ctx context.Context, o Outcome)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, o Outcome)

func (f RecorderFunc) Record(ctx context.Context, o Outcome) { f(ctx, o) }

// recordAll hands o to each recorder, isolating recorder panics from the
// unit and from each other.
func recordAll(ctx context.Context, log *logging.Logger, recorders []Recorder, o Outcome) {
	for _, r := range recorders {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.WithContext(ctx).WithBatch(o.BatchID).WithItem(o.ItemID).
						WithField("panic", p).Error("outcome recorder panicked")
				}
			}()
			r.Record(ctx, o)
		}()
	}
}
