package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dghubble/oauth1"
	"github.com/google/uuid"

	"github.com/austindbirch/harbor_post/internal/config"
	"github.com/austindbirch/harbor_post/internal/logging"
)

const tweetsPath = "/2/tweets"

// TwitterClient posts tweets through the v2 API with OAuth 1.0a user context.
type TwitterClient struct {
	baseURL string
	http    *http.Client
}

// NewTwitterClient builds a client that signs every request with the
// configured consumer and access credentials.
func NewTwitterClient(cfg config.Provider) *TwitterClient {
	oc := oauth1.NewConfig(cfg.APIKey, cfg.APISecretKey)
	token := oauth1.NewToken(cfg.AccessToken, cfg.AccessTokenSecret)
	return &TwitterClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    oc.Client(oauth1.NoContext, token),
	}
}

type tweetRequest struct {
	Text string `json:"text"`
}

type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Send creates one tweet. Non-2xx answers come back as *StatusError.
func (c *TwitterClient) Send(ctx context.Context, content string) (Response, error) {
	body, err := json.Marshal(tweetRequest{Text: content})
	if err != nil {
		return Response{}, fmt.Errorf("encode tweet: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tweetsPath, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var tr tweetResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return Response{
		ID:         tr.Data.ID,
		Text:       tr.Data.Text,
		StatusCode: resp.StatusCode,
		Body:       string(raw),
	}, nil
}

// DryRun logs posts instead of sending them.
type DryRun struct {
	log *logging.Logger
}

func NewDryRun(log *logging.Logger) *DryRun {
	return &DryRun{log: log}
}

func (d *DryRun) Send(ctx context.Context, content string) (Response, error) {
	id := "dry-run-" + uuid.NewString()
	d.log.WithContext(ctx).WithFields(map[string]any{
		"provider_id": id,
		"chars":       len([]rune(content)),
	}).Info("dry run: post not sent")
	return Response{ID: id, Text: content}, nil
}

// New selects the sender for the configured provider mode.
func New(cfg config.Provider, log *logging.Logger) Sender {
	if cfg.DryRun {
		return NewDryRun(log)
	}
	return NewTwitterClient(cfg)
}
