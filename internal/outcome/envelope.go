// Package outcome ships dispatch outcomes to durable sinks: an NSQ topic for
// downstream consumers and a Postgres audit table.
package outcome

import (
	"time"

	"github.com/austindbirch/harbor_post/internal/schedule"
)

const EnvelopeType = "post.outcome"

type Envelope struct {
	Type    string           `json:"type"`    // "post.outcome"
	Version string           `json:"version"` // schema version
	At      string           `json:"at"`      // RFC3339 time the envelope was emitted
	LagMS   int64            `json:"lag_ms"`
	Outcome schedule.Outcome `json:"outcome"`
}

func NewEnvelope(o schedule.Outcome, at time.Time) Envelope {
	return Envelope{
		Type:    EnvelopeType,
		Version: "v1",
		At:      at.UTC().Format(time.RFC3339Nano),
		LagMS:   o.Lag().Milliseconds(),
		Outcome: o,
	}
}
