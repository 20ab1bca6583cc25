package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrRequestFailed is returned for non-2xx single-shot responses.
var ErrRequestFailed = errors.New("upstream request failed")

// ErrStreamIdle is returned from stream body reads when the provider stops
// delivering frames for longer than the configured idle window.
var ErrStreamIdle = errors.New("upstream stream idle")

// ConnectError reports that a streaming connection could not be established
// at all: dial failure, or an error status before any frame was delivered.
// Callers treat it as a signal to fall back to the single-shot endpoint.
type ConnectError struct {
	StatusCode int // 0 when the connection never reached HTTP
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream stream rejected: status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream stream connect: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StatusError carries the HTTP status of a rejected request so callers can
// map it onto the chat error taxonomy.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the provider gateway endpoint.
type Client struct {
	baseURL         string
	apiKey          string
	httpClient      *http.Client
	streamIdle      time.Duration
	fallbackTimeout time.Duration
}

// NewClient creates a new upstream client. streamIdle bounds the gap between
// stream frames; zero disables the idle deadline.
func NewClient(baseURL, apiKey string, streamIdle, fallbackTimeout time.Duration) *Client {
	if fallbackTimeout <= 0 {
		fallbackTimeout = 120 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		// No client timeout: streaming bodies outlive any fixed deadline.
		// Single-shot calls get a per-request context timeout instead.
		httpClient:      &http.Client{},
		streamIdle:      streamIdle,
		fallbackTimeout: fallbackTimeout,
	}
}

// OpenStream starts a streaming chat request and returns the raw SSE body.
// A *ConnectError means the stream never opened and the caller may fall back.
// When an idle window is configured, reads fail with ErrStreamIdle if the
// provider goes silent for longer than the window.
func (c *Client) OpenStream(ctx context.Context, req *ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if c.streamIdle > 0 {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, &ConnectError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		if cancel != nil {
			cancel()
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			return nil, &ConnectError{StatusCode: resp.StatusCode, Err: closeErr}
		}
		return nil, &ConnectError{StatusCode: resp.StatusCode}
	}

	if cancel != nil {
		return newIdleBody(resp.Body, c.streamIdle, cancel), nil
	}
	return resp.Body, nil
}

// idleBody cancels the stream request when no bytes arrive within the idle
// window. Each successful read rearms the deadline.
type idleBody struct {
	body   io.ReadCloser
	idle   time.Duration
	timer  *time.Timer
	cancel context.CancelFunc

	mu    sync.Mutex
	fired bool
}

func newIdleBody(body io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{body: body, idle: idle, cancel: cancel}
	b.timer = time.AfterFunc(idle, func() {
		b.mu.Lock()
		b.fired = true
		b.mu.Unlock()
		cancel()
	})
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.timer.Reset(b.idle)
	}
	if err != nil {
		b.mu.Lock()
		fired := b.fired
		b.mu.Unlock()
		if fired {
			return n, fmt.Errorf("no data for %s: %w", b.idle, ErrStreamIdle)
		}
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.body.Close()
}

// Complete performs a single-shot chat completion.
func (c *Client) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.fallbackTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		})
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	return &out, nil
}

// Ping checks upstream reachability for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upstream health request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream health status %d", resp.StatusCode)
	}
	return nil
}

// ModelConfig describes one provider configuration exposed by the gateway.
type ModelConfig struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	DefaultModel    string   `json:"default_model"`
	AvailableModels []string `json:"available_models"`
	Active          bool     `json:"is_active"`
}

// ListConfigs fetches the provider configurations available to chat sessions.
func (c *Client) ListConfigs(ctx context.Context) ([]ModelConfig, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/llm-configs", nil)
	if err != nil {
		return nil, fmt.Errorf("build config request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("config request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		})
	}

	var out []ModelConfig
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode config response: %w", err)
	}
	return out, nil
}
