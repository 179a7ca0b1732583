package outcome

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/schedule"
)

var fireAt = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func sampleOutcome() schedule.Outcome {
	return schedule.Outcome{
		BatchID:    "batch-1",
		ItemID:     "item-1",
		Content:    "hello",
		Status:     schedule.StatusSent,
		Reason:     "none",
		ProviderID: "185000",
		FireAt:     fireAt,
		StartedAt:  fireAt.Add(150 * time.Millisecond),
		FinishedAt: fireAt.Add(400 * time.Millisecond),
		TraceHeaders: map[string]string{
			"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		},
	}
}

func TestNewEnvelope(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("x", 3*3600))
	env := NewEnvelope(sampleOutcome(), at)

	if env.Type != EnvelopeType || env.Version != "v1" {
		t.Errorf("envelope header = %q/%q", env.Type, env.Version)
	}
	if env.At != "2025-06-01T09:00:00Z" {
		t.Errorf("At = %q, want UTC RFC3339", env.At)
	}
	if env.LagMS != 150 {
		t.Errorf("LagMS = %d, want 150", env.LagMS)
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	for _, want := range []string{`"type":"post.outcome"`, `"batch_id":"batch-1"`, `"traceparent"`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("envelope JSON missing %s: %s", want, b)
		}
	}
}

type fakePublisher struct {
	topic string
	body  []byte
	err   error
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.topic, p.body = topic, body
	return p.err
}

func TestNSQRecorder_Record(t *testing.T) {
	pub := &fakePublisher{}
	r := NewNSQRecorder(pub, "post_outcomes", logging.Nop())
	r.Record(context.Background(), sampleOutcome())

	if pub.topic != "post_outcomes" {
		t.Errorf("topic = %q", pub.topic)
	}
	var env Envelope
	if err := json.Unmarshal(pub.body, &env); err != nil {
		t.Fatalf("published body not JSON: %v", err)
	}
	if env.Outcome.ItemID != "item-1" || env.Outcome.Status != schedule.StatusSent {
		t.Errorf("published outcome = %+v", env.Outcome)
	}
}

func TestNSQRecorder_PublishErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	pub := &fakePublisher{err: errors.New("nsqd gone")}
	r := NewNSQRecorder(pub, "post_outcomes", logging.NewWithWriter("test", &buf))
	r.Record(context.Background(), sampleOutcome())

	if !strings.Contains(buf.String(), "outcome publish failed") || !strings.Contains(buf.String(), "nsqd gone") {
		t.Errorf("log = %q, want publish failure", buf.String())
	}
}

type fakeExecer struct {
	sql  []string
	args [][]any
	err  error
}

func (e *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	e.sql = append(e.sql, sql)
	e.args = append(e.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), e.err
}

func TestPGRecorder_Record(t *testing.T) {
	db := &fakeExecer{}
	r := NewPGRecorder(db, logging.Nop())
	r.Record(context.Background(), sampleOutcome())

	if len(db.sql) != 1 || !strings.Contains(db.sql[0], "INSERT INTO harborpost.post_outcomes") {
		t.Fatalf("statements = %v", db.sql)
	}
	args := db.args[0]
	if len(args) != 12 {
		t.Fatalf("arg count = %d, want 12", len(args))
	}
	if args[0] != "batch-1" || args[1] != "item-1" || args[2] != "sent" {
		t.Errorf("leading args = %v", args[:3])
	}
	if args[9] != 150 || args[10] != 250 {
		t.Errorf("lag/latency = %v/%v, want 150/250", args[9], args[10])
	}
	if trace, ok := args[11].([]byte); !ok || !strings.Contains(string(trace), "traceparent") {
		t.Errorf("trace arg = %v", args[11])
	}
}

func TestPGRecorder_InsertErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	db := &fakeExecer{err: errors.New("relation does not exist")}
	NewPGRecorder(db, logging.NewWithWriter("test", &buf)).Record(context.Background(), sampleOutcome())

	if !strings.Contains(buf.String(), "outcome audit insert failed") {
		t.Errorf("log = %q, want insert failure", buf.String())
	}
}

func TestPGRecorder_EnsureSchema(t *testing.T) {
	db := &fakeExecer{}
	if err := NewPGRecorder(db, logging.Nop()).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if len(db.sql) != 1 || !strings.Contains(db.sql[0], "CREATE TABLE IF NOT EXISTS harborpost.post_outcomes") {
		t.Errorf("statements = %v", db.sql)
	}

	db.err = errors.New("permission denied")
	if err := NewPGRecorder(db, logging.Nop()).EnsureSchema(context.Background()); err == nil {
		t.Error("EnsureSchema() error = nil, want failure")
	}
}

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return sr
}

func TestRecorders_ContinueDispatchTrace(t *testing.T) {
	const (
		traceID  = "4bf92f3577b34da6a3ce929d0e0e4736"
		parentID = "00f067aa0ba902b7"
	)
	tests := []struct {
		name     string
		spanName string
		record   func(ctx context.Context, o schedule.Outcome)
	}{
		{
			name:     "nsq",
			spanName: "outcome.publish",
			record:   NewNSQRecorder(&fakePublisher{}, "post_outcomes", logging.Nop()).Record,
		},
		{
			name:     "postgres",
			spanName: "outcome.audit",
			record:   NewPGRecorder(&fakeExecer{}, logging.Nop()).Record,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := installSpanRecorder(t)
			tt.record(context.Background(), sampleOutcome())

			spans := sr.Ended()
			if len(spans) != 1 {
				t.Fatalf("ended spans = %d, want 1", len(spans))
			}
			span := spans[0]
			if span.Name() != tt.spanName {
				t.Errorf("span name = %q, want %q", span.Name(), tt.spanName)
			}
			if got := span.SpanContext().TraceID().String(); got != traceID {
				t.Errorf("trace id = %s, want %s", got, traceID)
			}
			if got := span.Parent().SpanID().String(); got != parentID {
				t.Errorf("parent span id = %s, want %s", got, parentID)
			}
		})
	}
}
