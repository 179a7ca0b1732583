// Command fake-provider stands in for the Twitter v2 create-post endpoint
// during local runs and end-to-end tests.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/austindbirch/harbor_post/internal/logging"
)

const maxPostRunes = 280

type server struct {
	failFirstN   int64
	failStatus   int
	delay        time.Duration
	requireOAuth bool
	log          *logging.Logger

	reqCount atomic.Int64
	nextID   atomic.Int64

	mu     sync.Mutex
	posted []post
}

type post struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

func main() {
	log := logging.New("fake-provider")
	log.SetLevel(getenv("LOG_LEVEL", "info"))

	s := &server{
		failFirstN:   int64(getenvInt("FAIL_FIRST_N", 0)),
		failStatus:   getenvInt("FAIL_STATUS", http.StatusServiceUnavailable),
		delay:        time.Duration(getenvInt("DELAY_MS", 0)) * time.Millisecond,
		requireOAuth: getenv("REQUIRE_OAUTH", "true") == "true",
		log:          log,
	}

	addr := getenv("ADDR", ":8081")
	log.Plain().WithField("addr", addr).Info("fake-provider listening")
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		log.Plain().WithError(err).Fatal("fake-provider stopped")
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/2/tweets", s.handleCreate)
	mux.HandleFunc("/posted", s.handlePosted)
	return mux
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := s.reqCount.Add(1)

	if s.requireOAuth && !hasOAuthSignature(r.Header.Get("Authorization")) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Text) == "" || utf8.RuneCountInString(body.Text) > maxPostRunes {
		writeError(w, http.StatusBadRequest, "text must be 1 to 280 characters")
		return
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-r.Context().Done():
			return
		}
	}

	// Simulate flakiness: first N requests fail
	if n <= s.failFirstN {
		s.log.Plain().WithFields(map[string]any{"request": n, "fail_first_n": s.failFirstN}).Warn("failing request")
		writeError(w, s.failStatus, "temporary failure")
		return
	}

	p := post{ID: strconv.FormatInt(1_000_000+s.nextID.Add(1), 10), Text: body.Text, At: time.Now().UTC()}
	s.mu.Lock()
	s.posted = append(s.posted, p)
	s.mu.Unlock()

	s.log.Plain().WithFields(map[string]any{"id": p.ID, "text": truncate(p.Text, 160)}).Info("post created")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"id": p.ID, "text": p.Text}})
}

// handlePosted lists what has been accepted so far.
func (s *server) handlePosted(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := append([]post(nil), s.posted...)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// hasOAuthSignature checks the header shape of an OAuth 1.0a request. The
// signature itself is not verified.
func hasOAuthSignature(h string) bool {
	if !strings.HasPrefix(h, "OAuth ") {
		return false
	}
	for _, p := range []string{"oauth_consumer_key=", "oauth_token=", "oauth_signature=", "oauth_signature_method=\"HMAC-SHA1\""} {
		if !strings.Contains(h, p) {
			return false
		}
	}
	return true
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"title": http.StatusText(status), "detail": detail, "status": status})
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
