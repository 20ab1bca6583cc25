package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenStreamReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/stream" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Expected SSE accept header, got %q", r.Header.Get("Accept"))
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Expected api key header, got %q", r.Header.Get("Authorization"))
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.ConfigID != 5 {
			t.Errorf("Expected config_id 5, got %d", req.ConfigID)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"type\":\"content\",\"content\":\"hi\"}\n"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", 0, time.Minute)
	body, err := client.OpenStream(context.Background(), &ChatRequest{ConfigID: 5})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer func() {
		_ = body.Close()
	}()

	line, err := bufio.NewReader(body).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read stream: %v", err)
	}
	if line != "data: {\"type\":\"content\",\"content\":\"hi\"}\n" {
		t.Errorf("Unexpected stream line: %q", line)
	}
}

func TestOpenStreamIdleDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"type\":\"content\",\"content\":\"hi\"}\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 50*time.Millisecond, time.Minute)
	body, err := client.OpenStream(context.Background(), &ChatRequest{ConfigID: 1})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer func() {
		_ = body.Close()
	}()

	reader := bufio.NewReader(body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read first frame: %v", err)
	}
	if line != "data: {\"type\":\"content\",\"content\":\"hi\"}\n" {
		t.Errorf("Unexpected stream line: %q", line)
	}

	// Server now hangs without writing; the idle window must break the read.
	done := make(chan error, 1)
	go func() {
		_, readErr := reader.ReadString('\n')
		done <- readErr
	}()

	select {
	case readErr := <-done:
		if !errors.Is(readErr, ErrStreamIdle) {
			t.Errorf("Expected ErrStreamIdle, got %v", readErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after the idle window")
	}
}

func TestOpenStreamIdleDeadlineRearmsOnData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 4; i++ {
			_, _ = w.Write([]byte("data: {\"type\":\"content\",\"content\":\"x\"}\n"))
			flusher.Flush()
			time.Sleep(30 * time.Millisecond)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 100*time.Millisecond, time.Minute)
	body, err := client.OpenStream(context.Background(), &ChatRequest{ConfigID: 1})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer func() {
		_ = body.Close()
	}()

	reader := bufio.NewReader(body)
	lines := 0
	for {
		_, readErr := reader.ReadString('\n')
		if readErr != nil {
			if errors.Is(readErr, ErrStreamIdle) {
				t.Fatalf("Idle deadline fired despite steady frames after %d lines", lines)
			}
			break
		}
		lines++
	}
	if lines != 4 {
		t.Errorf("Expected 4 frames, got %d", lines)
	}
}

func TestOpenStreamRejectionIsConnectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 0, time.Minute)
	_, err := client.OpenStream(context.Background(), &ChatRequest{ConfigID: 1})

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected ConnectError, got %v", err)
	}
	if connErr.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", connErr.StatusCode)
	}
}

func TestOpenStreamDialFailureIsConnectError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "", 0, time.Minute)
	_, err := client.OpenStream(context.Background(), &ChatRequest{ConfigID: 1})

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected ConnectError, got %v", err)
	}
	if connErr.StatusCode != 0 {
		t.Errorf("Expected no HTTP status, got %d", connErr.StatusCode)
	}
}

func TestCompleteDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/send" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		JSONBody := `{"content":"answer","model_used":"gpt-4o","tokens_used":9,"cost_usd":0.004}`
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(JSONBody))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 0, time.Minute)
	resp, err := client.Complete(context.Background(), &ChatRequest{ConfigID: 1})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "answer" || resp.TokensUsed != 9 {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestCompleteStatusErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 0, time.Minute)
	_, err := client.Complete(context.Background(), &ChatRequest{ConfigID: 1})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("Expected ErrRequestFailed, got %v", err)
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", statusErr.StatusCode)
	}
	if statusErr.Body != "quota exceeded" {
		t.Errorf("Expected trimmed body, got %q", statusErr.Body)
	}
}

func TestListConfigs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/llm-configs" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1,"name":"OpenAI","provider":"openai","default_model":"gpt-4o","available_models":["gpt-4o"],"is_active":true}]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 0, time.Minute)
	configs, err := client.ListConfigs(context.Background())
	if err != nil {
		t.Fatalf("ListConfigs failed: %v", err)
	}
	if len(configs) != 1 || configs[0].Provider != "openai" || !configs[0].Active {
		t.Errorf("Unexpected configs: %+v", configs)
	}
}
