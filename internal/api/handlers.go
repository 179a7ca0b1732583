package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/schedule"
)

const idempotencyHeader = "Idempotency-Key"

type handlers struct {
	sub Submitter
	loc *time.Location
	log *logging.Logger
}

type batchItem struct {
	Content string `json:"content"`
	FireAt  string `json:"fire_at"`
}

type batchRequest struct {
	Items          []batchItem `json:"items"`
	IdempotencyKey string      `json:"idempotency_key"`
}

type batchResponse struct {
	Accepted  bool   `json:"accepted"`
	Message   string `json:"message"`
	BatchID   string `json:"batch_id,omitempty"`
	Scheduled int    `json:"scheduled,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// submitBatch admits {"items":[{"content","fire_at"}]}. fire_at is RFC 3339,
// or a naive timestamp read in the scheduler timezone.
func (h *handlers) submitBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, batchResponse{Message: "invalid request body: " + err.Error()})
		return
	}

	items := make([]schedule.Item, len(req.Items))
	for i, it := range req.Items {
		at, err := parseFireAt(it.FireAt, h.loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, batchResponse{Message: fmt.Sprintf("item %d: %v", i, err)})
			return
		}
		items[i] = schedule.Item{Content: it.Content, FireAt: at}
	}

	key := c.GetHeader(idempotencyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}

	ack, err := h.sub.Submit(c.Request.Context(), schedule.SubmitRequest{Items: items, IdempotencyKey: key})
	if err != nil {
		c.JSON(statusFor(err), batchResponse{Message: err.Error()})
		return
	}

	code := http.StatusAccepted
	if ack.Duplicate {
		code = http.StatusOK
	}
	c.JSON(code, batchResponse{
		Accepted:  true,
		Message:   ack.Message,
		BatchID:   ack.BatchID,
		Scheduled: ack.Scheduled,
		Duplicate: ack.Duplicate,
	})
}

type tweetItem struct {
	Text        string `json:"text"`
	ScheduledAt string `json:"scheduled_at"`
}

type tweetRequest struct {
	Tweets []tweetItem `json:"tweets"`
}

type tweetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// submitTweets serves the legacy /tweet contract: naive scheduled_at values
// and a {success, message} body with status 200 for admission outcomes.
func (h *handlers) submitTweets(c *gin.Context) {
	var req tweetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, tweetResponse{Message: "invalid request body: " + err.Error()})
		return
	}

	items := make([]schedule.Item, len(req.Tweets))
	for i, tw := range req.Tweets {
		at, err := parseFireAt(tw.ScheduledAt, h.loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, tweetResponse{Message: fmt.Sprintf("tweet %d: %v", i, err)})
			return
		}
		items[i] = schedule.Item{Content: tw.Text, FireAt: at}
	}

	ack, err := h.sub.Submit(c.Request.Context(), schedule.SubmitRequest{
		Items:          items,
		IdempotencyKey: c.GetHeader(idempotencyHeader),
	})
	if err != nil {
		code := statusFor(err)
		if code == http.StatusBadRequest {
			code = http.StatusOK
		}
		c.JSON(code, tweetResponse{Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, tweetResponse{Success: true, Message: ack.Message})
}

func statusFor(err error) int {
	var rej *schedule.RejectionError
	switch {
	case errors.Is(err, schedule.ErrNotAccepting):
		return http.StatusServiceUnavailable
	case errors.Is(err, schedule.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.As(err, &rej):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// parseFireAt reads RFC 3339 values as given and naive values in loc.
func parseFireAt(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
