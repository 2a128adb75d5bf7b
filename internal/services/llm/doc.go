// Package llm provides a client for OpenAI-compatible inference backends
// (OpenRouter, Ollama, vLLM, LM Studio and similar gateways).
//
// # Entry Points
//
// NewClient: construct a client from Config; ConfigFromBackend converts the
// TOML backend section. NewRegistry registers every configured backend with
// the model router.
// Client.Chat: chat completion with optional image parts and JSON mode.
// Client.CompleteJSON: JSON-mode chat decoded through DecodeJSONReply.
// Client.Embed: batch embeddings.
// Client.ListModels / Client.HealthCheck: router.Backend implementation.
//
// # Error Classification
//
// The client never retries on its own. HTTP 408, 429 and 5xx responses,
// network failures and empty or malformed replies are transient; 401, 403
// and 404 are configuration errors; other 4xx responses are validation
// errors. A Retry-After header travels with the error so the task framework
// can honour it.
package llm
