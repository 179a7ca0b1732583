package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/schedule"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

// Schema creates the audit table. It is safe to run on every start.
const Schema = `
CREATE SCHEMA IF NOT EXISTS harborpost;
CREATE TABLE IF NOT EXISTS harborpost.post_outcomes (
	id           BIGSERIAL PRIMARY KEY,
	batch_id     TEXT        NOT NULL,
	item_id      TEXT        NOT NULL UNIQUE,
	status       TEXT        NOT NULL,
	reason       TEXT        NOT NULL,
	provider_id  TEXT,
	last_error   TEXT,
	fire_at      TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	lag_ms       INTEGER     NOT NULL,
	latency_ms   INTEGER     NOT NULL,
	trace        JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS post_outcomes_batch_idx ON harborpost.post_outcomes (batch_id);
`

const insertOutcome = `
INSERT INTO harborpost.post_outcomes
	(batch_id, item_id, status, reason, provider_id, last_error, fire_at, started_at, finished_at, lag_ms, latency_ms, trace)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $12)
ON CONFLICT (item_id) DO NOTHING`

// Execer is satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGRecorder writes one audit row per outcome.
type PGRecorder struct {
	db      Execer
	log     *logging.Logger
	timeout time.Duration
}

func NewPGRecorder(db Execer, log *logging.Logger) *PGRecorder {
	return &PGRecorder{db: db, log: log, timeout: 5 * time.Second}
}

func (r *PGRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create outcome schema: %w", err)
	}
	return nil
}

func (r *PGRecorder) Record(ctx context.Context, o schedule.Outcome) {
	ctx, span := tracing.StartSpan(tracing.ExtractHeaders(ctx, o.TraceHeaders), "outcome.audit",
		attribute.String("item_id", o.ItemID),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var trace []byte
	if len(o.TraceHeaders) > 0 {
		trace, _ = json.Marshal(o.TraceHeaders)
	}

	_, err := r.db.Exec(ctx, insertOutcome,
		o.BatchID, o.ItemID, string(o.Status), o.Reason, o.ProviderID, o.Error,
		o.FireAt, o.StartedAt, o.FinishedAt,
		int(o.Lag().Milliseconds()), int(o.Latency().Milliseconds()), trace,
	)
	if err != nil {
		r.log.WithContext(ctx).WithBatch(o.BatchID).WithItem(o.ItemID).WithError(err).Error("outcome audit insert failed")
		tracing.SetSpanError(ctx, err)
	}
}
