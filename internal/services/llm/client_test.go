package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kbforge/internal/config"
	"kbforge/internal/router"
	"kbforge/internal/services"
)

func completion(content string) map[string]any {
	return map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
	}
}

func TestChatSendsMessagesAndParams(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(completion("hello"))
	}))
	defer server.Close()

	client := NewClient(Config{Name: "local", BaseURL: server.URL + "/v1", APIKey: "secret"})
	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:  "m",
		System: "be brief",
		User:   "describe",
		Images: []string{"https://example.com/a.png"},
		Params: map[string]string{"temperature": "0.2", "max_tokens": "64"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" || resp.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got["temperature"] != 0.2 || got["max_tokens"] != float64(64) {
		t.Fatalf("params not applied: %+v", got)
	}
	messages := got["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
	parts, ok := messages[1].(map[string]any)["content"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %+v", messages[1])
	}
	if parts[1].(map[string]any)["type"] != "image_url" {
		t.Fatalf("second part should be the image: %+v", parts[1])
	}
}

func TestCompleteJSONHandlesCodeFence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(completion("```json\n{\"category\":\"go\"}\n```"))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	var out struct {
		Category string `json:"category"`
	}
	if _, err := client.CompleteJSON(context.Background(), ChatRequest{Model: "m", User: "classify"}, &out); err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if out.Category != "go" {
		t.Fatalf("category = %q", out.Category)
	}
}

func TestChatToolCallArguments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{
				"finish_reason": "tool_calls",
				"message": map[string]any{
					"content": "",
					"tool_calls": []any{map[string]any{
						"type":     "function",
						"function": map[string]any{"name": "f", "arguments": `{"ok":true}`},
					}},
				},
			}},
		})
	}))
	defer server.Close()

	resp, err := NewClient(Config{BaseURL: server.URL}).Chat(context.Background(), ChatRequest{Model: "m", User: "x"})
	if err != nil || !strings.Contains(resp.Content, `"ok"`) {
		t.Fatalf("expected tool call arguments, got %q %v", resp.Content, err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		header string
		want   services.Kind
	}{
		{http.StatusTooManyRequests, "7", services.KindTransient},
		{http.StatusBadGateway, "", services.KindTransient},
		{http.StatusRequestTimeout, "", services.KindTransient},
		{http.StatusUnauthorized, "", services.KindConfiguration},
		{http.StatusNotFound, "", services.KindConfiguration},
		{http.StatusBadRequest, "", services.KindValidation},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.header != "" {
				w.Header().Set("Retry-After", tc.header)
			}
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		}))
		_, err := NewClient(Config{BaseURL: server.URL}).Chat(context.Background(), ChatRequest{Model: "m", User: "x"})
		server.Close()
		if kind := services.KindOf(err); kind != tc.want {
			t.Fatalf("status %d: kind %s, want %s (%v)", tc.status, kind, tc.want, err)
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != tc.status {
			t.Fatalf("status %d: expected StatusError in chain, got %v", tc.status, err)
		}
		if tc.header != "" {
			if hint, ok := services.RetryAfter(err); !ok || hint != 7*time.Second {
				t.Fatalf("expected retry-after hint, got %s %v", hint, ok)
			}
		}
	}
}

func TestEmptyContentIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(completion(""))
	}))
	defer server.Close()

	_, err := NewClient(Config{BaseURL: server.URL}).Chat(context.Background(), ChatRequest{Model: "m", User: "x"})
	if !errors.Is(err, services.ErrTransient) || !strings.Contains(err.Error(), "finish_reason") {
		t.Fatalf("expected transient empty content error, got %v", err)
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	err := NewClient(Config{BaseURL: addr, TimeoutSeconds: 1}).HealthCheck(context.Background())
	if !services.Retryable(err) {
		t.Fatalf("expected retryable error for unreachable backend, got %v", err)
	}
}

func TestEmbedOrdersByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{
				map[string]any{"index": 1, "embedding": []float32{2, 2}},
				map[string]any{"index": 0, "embedding": []float32{1, 1}},
			},
		})
	}))
	defer server.Close()

	vectors, err := NewClient(Config{BaseURL: server.URL}).Embed(context.Background(), "embed-small", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 2 || vectors[0][0] != 1 || vectors[1][0] != 2 {
		t.Fatalf("vectors out of order: %v", vectors)
	}
}

func TestListModelsMergesConfiguredAndRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{
				map[string]any{"id": "chat-a"},
				map[string]any{"id": "nomic-embed-text"},
				map[string]any{"id": "llava:13b"},
			},
		})
	}))
	defer server.Close()

	cfg, err := ConfigFromBackend(config.Backend{
		Name:    "local",
		BaseURL: server.URL,
		Models:  []config.Model{{Name: "chat-a", Capabilities: []string{"text_generation"}, Vision: true}},
	})
	if err != nil {
		t.Fatalf("ConfigFromBackend: %v", err)
	}
	models, err := NewClient(cfg).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 3 {
		t.Fatalf("expected 3 models, got %+v", models)
	}
	byName := map[string]router.ModelInfo{}
	for _, m := range models {
		byName[m.Name] = m
	}
	if !byName["chat-a"].Vision {
		t.Fatal("configured capabilities should win")
	}
	if !byName["nomic-embed-text"].Supports(router.CapabilityEmbedding) {
		t.Fatal("embedding model not inferred")
	}
	if !byName["llava:13b"].Supports(router.CapabilityVision) {
		t.Fatal("vision model not inferred")
	}
}

func TestNewRegistryKeepsConfigOrder(t *testing.T) {
	reg, err := NewRegistry([]config.Backend{
		{Name: "first", BaseURL: "http://127.0.0.1:1"},
		{Name: "second", BaseURL: "http://127.0.0.1:2"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	backends := reg.Backends()
	if len(backends) != 2 || backends[0].Name() != "first" || backends[1].Name() != "second" {
		t.Fatalf("unexpected order: %v", backends)
	}
}

func TestDecodeJSONReplyExtractsObject(t *testing.T) {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := DecodeJSONReply("Sure! Here you go: {\"ok\": true} hope that helps", &out); err != nil || !out.OK {
		t.Fatalf("DecodeJSONReply: %v %+v", err, out)
	}
	if err := DecodeJSONReply("   ", &out); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestDecodeJSONReplyUnwrapsFence(t *testing.T) {
	var out []string
	reply := "```json\n[\"a\", \"b\"]\n```"
	if err := DecodeJSONReply(reply, &out); err != nil || len(out) != 2 {
		t.Fatalf("DecodeJSONReply: %v %v", err, out)
	}
	var obj map[string]int
	err := DecodeJSONReply("no json here at all", &obj)
	if err == nil || !strings.Contains(err.Error(), "no json here") {
		t.Fatalf("expected error quoting the reply, got %v", err)
	}
}
