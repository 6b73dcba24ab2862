package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/draftwell/propgen-backend/internal/platform/httpx"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

// Request is one generation call against the external service.
type Request struct {
	System          string
	User            string
	MaxOutputTokens int
	Temperature     *float64

	// HeartbeatJobID, when set, keeps the job's liveness clock moving while
	// the call is in flight so the stall monitor does not misread a slow
	// call as a stuck job.
	HeartbeatJobID uuid.UUID
}

// Client is the gateway to the external generative service. All pipeline
// code goes through it; it owns the retry budget, rate-limit waits and
// per-call heartbeats.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)

	// GenerateJSON expects a JSON object in the output; malformed output is
	// repaired (bracket/brace balancing) before parsing.
	GenerateJSON(ctx context.Context, req Request) (map[string]any, error)
}

// HeartbeatSink is what the gateway pings during long calls. The job repo
// satisfies it.
type HeartbeatSink interface {
	Touch(ctx context.Context, jobID uuid.UUID) error
}

const retryBudget = 3

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	hb         HeartbeatSink

	heartbeatEvery time.Duration
}

func NewClient(log *logger.Logger, hb HeartbeatSink) (Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("GENERATION_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing GENERATION_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("GENERATION_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(os.Getenv("GENERATION_MODEL"))
	if model == "" {
		model = "gpt-4o"
	}

	timeoutSec := 300
	if v := os.Getenv("GENERATION_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &client{
		log:            log.With("service", "GenerationClient"),
		baseURL:        baseURL,
		apiKey:         apiKey,
		model:          model,
		httpClient:     &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		hb:             hb,
		heartbeatEvery: 30 * time.Second,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *client) Generate(ctx context.Context, req Request) (string, error) {
	stopHB := c.startHeartbeat(ctx, req.HeartbeatJobID)
	defer stopHB()

	body := chatRequest{
		Model:       c.model,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
	}

	var out chatResponse
	if err := c.do(ctx, "/v1/chat/completions", body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm: empty response")
	}
	return out.Choices[0].Message.Content, nil
}

func (c *client) GenerateJSON(ctx context.Context, req Request) (map[string]any, error) {
	text, err := c.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return ParseLooseJSON(text)
}

func (c *client) do(ctx context.Context, path string, body any, out any) error {
	backoff := 1 * time.Second
	var lastErr error

	for attempt := 1; attempt <= retryBudget; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("llm decode error: %w", uErr)
			}
			return nil
		}
		lastErr = err

		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == retryBudget {
			break
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 30*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Generation request retrying",
			"path", path,
			"attempt", attempt,
			"retry_budget", retryBudget,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}

	if rl := rateLimitedFrom(lastErr); rl != nil {
		return fmt.Errorf("%w: %s", ErrExhaustedRetries, rl.Error())
	}
	return fmt.Errorf("%w: %s", ErrExhaustedRetries, errString(lastErr))
}

func (c *client) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		return nil, nil, &ConnectionError{Err: err}
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, &ConnectionError{Err: readErr}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp, raw, &RateLimitedError{Wait: httpx.RetryAfterDuration(resp, 1*time.Second, 30*time.Second)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

// startHeartbeat runs a liveness-ping goroutine scoped to one outbound call.
// It stops deterministically when the call resolves, success or error.
func (c *client) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	if c.hb == nil || jobID == uuid.Nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(c.heartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := c.hb.Touch(ctx, jobID); err != nil {
					c.log.Debug("Heartbeat touch failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func rateLimitedFrom(err error) *RateLimitedError {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

// IsConnection reports whether the error was a transport failure rather than
// a provider rejection.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
