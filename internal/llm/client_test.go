package llm

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/000haoji/cardforge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func completionBody(content string) string {
	return `{
		"id": "test-123",
		"object": "chat.completion",
		"created": 1234567890,
		"model": "test-model",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": ` + content + `},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`
}

func TestChatCompletion_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected Authorization header 'Bearer test-key', got '%s'", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type 'application/json', got '%s'", r.Header.Get("Content-Type"))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(completionBody(`"Test response"`)))
	}))
	defer server.Close()

	client := NewClient(testLogger(), nil)

	modelCfg := config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test-model",
		Temperature:        0.7,
		TopP:               1.0,
		MaxOutputTokens:    100,
		RateLimitPerMinute: 60,
	}

	resp, err := client.ChatCompletion(
		context.Background(),
		modelCfg,
		"test-key",
		[]Message{{Role: "user", Content: "Test message"}},
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if resp == nil {
		t.Fatal("Expected response, got nil")
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("Expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Content != "Test response" {
		t.Errorf("Expected content 'Test response', got '%s'", resp.Choices[0].Message.Content)
	}
}

func TestChatCompletion_NonRetryableError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key", "type": "auth", "code": "invalid_api_key"}}`))
	}))
	defer server.Close()

	client := NewClient(testLogger(), nil)

	modelCfg := config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test-model",
		RateLimitPerMinute: 60,
	}

	_, err := client.ChatCompletion(context.Background(), modelCfg, "bad", []Message{{Role: "user", Content: "x"}})
	if err == nil {
		t.Fatal("Expected error for 401 response")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("Expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", apiErr.StatusCode)
	}
	if apiErr.Retryable {
		t.Error("401 must not be retryable")
	}
	if apiErr.Message != "bad key" {
		t.Errorf("Expected message 'bad key', got '%s'", apiErr.Message)
	}
}

func TestChatCompletion_RetriesServerError(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		if callCount == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(completionBody(`"ok"`)))
	}))
	defer server.Close()

	client := NewClient(testLogger(), nil)
	client.baseRetryDelay = 0 // keep the test fast

	modelCfg := config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test-model",
		RateLimitPerMinute: 600,
	}

	resp, err := client.ChatCompletion(context.Background(), modelCfg, "k", []Message{{Role: "user", Content: "x"}})
	if err != nil {
		t.Fatalf("Expected retry to succeed, got: %v", err)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Errorf("Unexpected content: %s", resp.Choices[0].Message.Content)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls (one retry), got %d", callCount)
	}
}

func TestChatCompletion_UnlimitedRetries(t *testing.T) {
	var mu sync.Mutex
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callCount++
		n := callCount
		mu.Unlock()
		if n <= DefaultMaxRetries+2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(completionBody(`"ok"`)))
	}))
	defer server.Close()

	client := NewClient(testLogger(), nil)
	client.baseRetryDelay = 0

	// MaxRetries -1 keeps retrying past the default attempt budget
	modelCfg := config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test-model",
		MaxRetries:         -1,
		RateLimitPerMinute: 600,
	}

	resp, err := client.ChatCompletion(context.Background(), modelCfg, "k", []Message{{Role: "user", Content: "x"}})
	if err != nil {
		t.Fatalf("Expected unlimited retries to succeed, got: %v", err)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Errorf("Unexpected content: %s", resp.Choices[0].Message.Content)
	}
	mu.Lock()
	n := callCount
	mu.Unlock()
	if n != DefaultMaxRetries+3 {
		t.Errorf("Expected %d calls, got %d", DefaultMaxRetries+3, n)
	}
}

func TestChatCompletion_UnlimitedRetriesHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(testLogger(), nil)
	client.baseRetryDelay = time.Hour // cancellation must cut the backoff short

	modelCfg := config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test-model",
		MaxRetries:         -1,
		RateLimitPerMinute: 600,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	_, err := client.ChatCompletion(ctx, modelCfg, "k", []Message{{Role: "user", Content: "x"}})
	if err == nil {
		t.Fatal("Expected context cancellation error")
	}
}

func TestChatCompletion_JSONMode(t *testing.T) {
	var sawJSONMode bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		if err := jsonDecode(r, &req); err == nil && req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
			sawJSONMode = true
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(completionBody(`"{}"`)))
	}))
	defer server.Close()

	client := NewClient(testLogger(), nil)
	modelCfg := config.ModelConfig{
		BaseURL:            server.URL,
		ModelName:          "test-model",
		RateLimitPerMinute: 60,
		UseJSONMode:        true,
	}

	if _, err := client.ChatCompletion(context.Background(), modelCfg, "k", []Message{{Role: "user", Content: "x"}}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !sawJSONMode {
		t.Error("Expected response_format json_object in request")
	}
}
