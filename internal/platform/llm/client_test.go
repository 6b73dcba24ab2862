package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

func testClient(t *testing.T, ts *httptest.Server, hb HeartbeatSink) *client {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return &client{
		log:            log,
		baseURL:        ts.URL,
		apiKey:         "test-key",
		model:          "test-model",
		httpClient:     ts.Client(),
		hb:             hb,
		heartbeatEvery: 10 * time.Millisecond,
	}
}

const okBody = `{"choices":[{"message":{"content":"generated text"}}]}`

func TestGenerateRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(okBody))
	}))
	defer ts.Close()

	c := testClient(t, ts, nil)
	out, err := c.Generate(context.Background(), Request{System: "s", User: "u"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "generated text" {
		t.Fatalf("unexpected output %q", out)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestGenerateExhaustsRetryBudget(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := testClient(t, ts, nil)
	_, err := c.Generate(context.Background(), Request{System: "s", User: "u"})
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("expected ErrExhaustedRetries, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != retryBudget {
		t.Fatalf("expected %d calls, got %d", retryBudget, got)
	}
}

func TestGenerateDoesNotRetryBadRequest(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	c := testClient(t, ts, nil)
	_, err := c.Generate(context.Background(), Request{System: "s", User: "u"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("400 should not consume the retry budget: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

type countingSink struct{ touches int32 }

func (s *countingSink) Touch(ctx context.Context, jobID uuid.UUID) error {
	atomic.AddInt32(&s.touches, 1)
	return nil
}

func TestGenerateHeartbeatsDuringLongCall(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
		_, _ = w.Write([]byte(okBody))
	}))
	defer ts.Close()

	sink := &countingSink{}
	c := testClient(t, ts, sink)
	_, err := c.Generate(context.Background(), Request{System: "s", User: "u", HeartbeatJobID: uuid.New()})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if atomic.LoadInt32(&sink.touches) == 0 {
		t.Fatalf("expected heartbeat touches during the call")
	}
}

func TestGenerateNoHeartbeatWithoutTarget(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(40 * time.Millisecond)
		_, _ = w.Write([]byte(okBody))
	}))
	defer ts.Close()

	sink := &countingSink{}
	c := testClient(t, ts, sink)
	if _, err := c.Generate(context.Background(), Request{System: "s", User: "u"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if atomic.LoadInt32(&sink.touches) != 0 {
		t.Fatalf("expected no heartbeats without a target job")
	}
}

func TestRateLimitedErrorCarriesWait(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := testClient(t, ts, nil)
	_, _, err := c.doOnce(context.Background(), "/v1/chat/completions", chatRequest{Model: "m"})
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.Wait != 7*time.Second {
		t.Fatalf("expected 7s wait, got %s", rl.Wait)
	}
}
