package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/harbor_post/internal/config"
	"github.com/austindbirch/harbor_post/internal/logging"
)

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: "none"},
		{name: "deadline", err: fmt.Errorf("send: %w", context.DeadlineExceeded), want: "timeout"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "unauthorized", err: &StatusError{StatusCode: 401}, want: "http_401"},
		{name: "forbidden", err: &StatusError{StatusCode: 403}, want: "http_403"},
		{name: "rate limited", err: &StatusError{StatusCode: 429}, want: "http_429"},
		{name: "bad request", err: &StatusError{StatusCode: 400}, want: "http_4xx"},
		{name: "server error", err: &StatusError{StatusCode: 503}, want: "http_5xx"},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "api.example"}, want: "dns_error"},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), want: "connection_refused"},
		{name: "timeout text", err: errors.New("i/o timeout"), want: "timeout"},
		{name: "unknown", err: errors.New("boom"), want: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyReason(tt.err); got != tt.want {
				t.Errorf("ClassifyReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusError_TruncatesBody(t *testing.T) {
	err := &StatusError{StatusCode: 500, Body: strings.Repeat("x", 500)}
	msg := err.Error()
	if !strings.Contains(msg, "status 500") {
		t.Errorf("Error() = %q, want status code", msg)
	}
	if len(msg) > 260 {
		t.Errorf("Error() length = %d, want truncated body", len(msg))
	}
}

func testProviderConfig(baseURL string) config.Provider {
	return config.Provider{
		BaseURL:           baseURL,
		APIKey:            "consumer-key",
		APISecretKey:      "consumer-secret",
		AccessToken:       "access-token",
		AccessTokenSecret: "access-secret",
	}
}

func TestTwitterClient_Send(t *testing.T) {
	var gotAuth, gotPath, gotMethod, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		var body tweetRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotText = body.Text

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"1850000000000000001","text":"hello harbor"}}`))
	}))
	defer srv.Close()

	client := NewTwitterClient(testProviderConfig(srv.URL + "/"))
	resp, err := client.Send(context.Background(), "hello harbor")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotMethod != http.MethodPost || gotPath != "/2/tweets" {
		t.Errorf("request = %s %s, want POST /2/tweets", gotMethod, gotPath)
	}
	if gotText != "hello harbor" {
		t.Errorf("request text = %q", gotText)
	}
	if !strings.HasPrefix(gotAuth, "OAuth ") || !strings.Contains(gotAuth, `oauth_consumer_key="consumer-key"`) {
		t.Errorf("Authorization = %q, want OAuth 1.0a header", gotAuth)
	}
	if !strings.Contains(gotAuth, `oauth_token="access-token"`) {
		t.Errorf("Authorization = %q, want access token", gotAuth)
	}
	if resp.ID != "1850000000000000001" || resp.StatusCode != http.StatusCreated {
		t.Errorf("Send() = %+v", resp)
	}
}

func TestTwitterClient_SendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"title":"Too Many Requests"}`))
	}))
	defer srv.Close()

	_, err := NewTwitterClient(testProviderConfig(srv.URL)).Send(context.Background(), "x")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Send() error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", se.StatusCode)
	}
	if ClassifyReason(err) != "http_429" {
		t.Errorf("ClassifyReason() = %q", ClassifyReason(err))
	}
}

func TestTwitterClient_SendHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewTwitterClient(testProviderConfig(srv.URL)).Send(ctx, "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send() error = %v, want deadline exceeded", err)
	}
}

func TestDryRun_Send(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithWriter("test", &buf)

	resp, err := New(config.Provider{DryRun: true}, log).Send(context.Background(), "not really")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.HasPrefix(resp.ID, "dry-run-") {
		t.Errorf("ID = %q, want dry-run prefix", resp.ID)
	}
	if !strings.Contains(buf.String(), "dry run") {
		t.Errorf("log output = %q, want dry run entry", buf.String())
	}
}

func TestNew_SelectsTwitterClient(t *testing.T) {
	s := New(testProviderConfig("http://localhost"), logging.Nop())
	if _, ok := s.(*TwitterClient); !ok {
		t.Errorf("New() = %T, want *TwitterClient", s)
	}
}

func TestSenderFunc(t *testing.T) {
	var got string
	s := SenderFunc(func(_ context.Context, content string) (Response, error) {
		got = content
		return Response{ID: "1"}, nil
	})
	if _, err := s.Send(context.Background(), "abc"); err != nil || got != "abc" {
		t.Errorf("SenderFunc.Send() got %q err %v", got, err)
	}
}
