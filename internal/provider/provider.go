// Package provider holds the outbound send capability: the Twitter API v2
// client used in production and a dry-run sender for local runs.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Response is the opaque provider answer for a successful post.
type Response struct {
	ID         string `json:"id,omitempty"`
	Text       string `json:"text,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
}

// Sender publishes one post.
type Sender interface {
	Send(ctx context.Context, content string) (Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, content string) (Response, error)

func (f SenderFunc) Send(ctx context.Context, content string) (Response, error) {
	return f(ctx, content)
}

// StatusError is returned when the provider answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// ClassifyReason maps a send error to a low-cardinality reason label.
func ClassifyReason(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 401 || se.StatusCode == 403:
			return "http_" + strconv.Itoa(se.StatusCode)
		case se.StatusCode == 429:
			return "http_429"
		case se.StatusCode >= 500:
			return "http_5xx"
		case se.StatusCode >= 400:
			return "http_4xx"
		default:
			return "other"
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}
	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") {
		return "dns_error"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "network"
	}
	return "other"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
