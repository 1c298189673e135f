package adapter

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Backend is the narrow wire interface an adapter needs from an external
// system: invoke an operation, read an entity's state.
type Backend interface {
	Invoke(ctx context.Context, op, entity string, payload map[string]any) (map[string]any, error)
	State(ctx context.Context, entity string) (map[string]any, error)
}

// HTTPBackend reaches a backend over JSON/HTTP with resilience patterns:
// bounded retry with exponential backoff and jitter, circuit breaking,
// per-backend rate limiting and W3C trace context injection.
//
// Invoke payloads always carry the correlation ID, so the remote side can
// dedupe and retrying an invoke cannot double-apply.
type HTTPBackend struct {
	baseURL    string
	client     *http.Client
	maxRetries int
	limiter    *rate.Limiter
	breaker    *circuitBreaker
}

// NewHTTPBackend creates a backend client for the given base URL.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 15 * time.Second},
		maxRetries: 3,
		limiter:    rate.NewLimiter(rate.Every(time.Second/10), 20),
		breaker:    newCircuitBreaker(5, 10*time.Second),
	}
}

// Invoke POSTs /actions/{op} with the entity and payload.
func (b *HTTPBackend) Invoke(ctx context.Context, op, entity string, payload map[string]any) (map[string]any, error) {
	body := map[string]any{"entity": entity, "params": payload}
	return b.do(ctx, http.MethodPost, fmt.Sprintf("%s/actions/%s", b.baseURL, op), body)
}

// State GETs /state/{entity}.
func (b *HTTPBackend) State(ctx context.Context, entity string) (map[string]any, error) {
	return b.do(ctx, http.MethodGet, fmt.Sprintf("%s/state/%s", b.baseURL, entity), nil)
}

func (b *HTTPBackend) do(ctx context.Context, method, url string, body map[string]any) (map[string]any, error) {
	if !b.breaker.allow() {
		return nil, fmt.Errorf("%w: circuit open for %s", ErrBackend, b.baseURL)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter(100*time.Millisecond)):
			}
		}

		out, retryable, err := b.once(ctx, method, url, body)
		if err == nil {
			b.breaker.success()
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable {
			break
		}
	}

	b.breaker.failure()
	return nil, lastErr
}

func (b *HTTPBackend) once(ctx context.Context, method, url string, body map[string]any) (map[string]any, bool, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, false, fmt.Errorf("%w: marshal: %v", ErrBackend, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("traceparent", traceparent())

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("%w: read body: %v", ErrBackend, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out := map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, false, fmt.Errorf("%w: decode response: %v", ErrBackend, err)
			}
		}
		return out, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: %s returned %d", ErrBackend, url, resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("%w: %s returned %d: %s", ErrBackend, url, resp.StatusCode, string(raw))
	}
}

func jitter(max time.Duration) time.Duration {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	n := int64(b[0])<<8 | int64(b[1])
	return time.Duration(n) * max / 65536
}

func traceparent() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("00-%032x-0000000000000001-01", time.Now().UnixNano())
	}
	return fmt.Sprintf("00-%s-0000000000000001-01", hex.EncodeToString(b[:]))
}

// circuitBreaker is a minimal CLOSED/OPEN/HALF_OPEN state machine.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: timeout, state: "CLOSED"}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
