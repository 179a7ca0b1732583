package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/schedule"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

// Publisher is the part of *nsq.Producer the recorder uses.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQRecorder publishes every outcome envelope to a topic.
type NSQRecorder struct {
	pub   Publisher
	topic string
	log   *logging.Logger
	now   func() time.Time
}

func NewNSQRecorder(pub Publisher, topic string, log *logging.Logger) *NSQRecorder {
	return &NSQRecorder{pub: pub, topic: topic, log: log, now: time.Now}
}

// NewProducer connects a producer to nsqd and verifies it answers.
func NewProducer(addr string) (*nsq.Producer, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("nsq ping %s: %w", addr, err)
	}
	return p, nil
}

// Record publishes under a span parented on the dispatch that produced o.
func (r *NSQRecorder) Record(ctx context.Context, o schedule.Outcome) {
	ctx, span := tracing.StartSpan(tracing.ExtractHeaders(ctx, o.TraceHeaders), "outcome.publish",
		attribute.String("topic", r.topic),
		attribute.String("item_id", o.ItemID),
	)
	defer span.End()

	b, err := json.Marshal(NewEnvelope(o, r.now()))
	if err != nil {
		r.log.WithContext(ctx).WithBatch(o.BatchID).WithItem(o.ItemID).WithError(err).Error("outcome encode failed")
		return
	}
	if err := r.pub.Publish(r.topic, b); err != nil {
		r.log.WithContext(ctx).WithBatch(o.BatchID).WithItem(o.ItemID).WithError(err).Error("outcome publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_outcome", attribute.String("topic", r.topic))
	r.log.WithContext(ctx).WithBatch(o.BatchID).WithItem(o.ItemID).WithField("topic", r.topic).Debug("outcome published")
}
