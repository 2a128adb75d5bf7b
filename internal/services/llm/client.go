package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kbforge/internal/config"
	"kbforge/internal/router"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	defaultBaseURL     = "https://openrouter.ai/api/v1"
	maxResponseBytes   = 32 << 20
)

// Config captures the runtime settings required to talk to one
// OpenAI-compatible backend.
type Config struct {
	Name           string
	BaseURL        string
	APIKey         string
	Referer        string
	Title          string
	TimeoutSeconds int
	// Models are declared in configuration. They are merged with whatever the
	// backend lists and win on capability data.
	Models []router.ModelInfo
}

// ConfigFromBackend converts a configured backend, resolving the API key from
// the environment when only api_key_env is set.
func ConfigFromBackend(b config.Backend) (Config, error) {
	cfg := Config{
		Name:           b.Name,
		BaseURL:        b.BaseURL,
		APIKey:         b.ResolvedAPIKey(),
		Referer:        b.Referer,
		Title:          b.Title,
		TimeoutSeconds: b.TimeoutSeconds,
	}
	for _, m := range b.Models {
		info := router.ModelInfo{Name: strings.TrimSpace(m.Name), Vision: m.Vision}
		for _, raw := range m.Capabilities {
			capability, err := router.ParseCapability(raw)
			if err != nil {
				return Config{}, fmt.Errorf("backend %s model %s: %w", b.Name, m.Name, err)
			}
			info.Capabilities = append(info.Capabilities, capability)
		}
		cfg.Models = append(cfg.Models, info)
	}
	return cfg, nil
}

// Client talks to an OpenAI-compatible API: chat completions, embeddings and
// model listing. It implements router.Backend.
//
// The client does not retry. Failures are classified with the services
// markers so the task framework decides whether and when to retry.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			Name:           strings.TrimSpace(cfg.Name),
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:         strings.TrimSpace(cfg.APIKey),
			Referer:        strings.TrimSpace(cfg.Referer),
			Title:          strings.TrimSpace(cfg.Title),
			TimeoutSeconds: cfg.TimeoutSeconds,
			Models:         append([]router.ModelInfo(nil), cfg.Models...),
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = defaultBaseURL
	}
	if client.cfg.Name == "" {
		client.cfg.Name = "default"
	}
	return client
}

// Name implements router.Backend.
func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) timeoutDuration() time.Duration {
	if c.httpClient == nil || c.httpClient.Timeout <= 0 {
		return defaultHTTPTimeout
	}
	return c.httpClient.Timeout
}

// do sends one request and decodes a 2xx JSON body into out. Non-2xx
// responses become *StatusError; everything is classified before return.
func (c *Client) do(ctx context.Context, op, method, path string, payload, out any) error {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return classify(op, fmt.Errorf("build url: %w", err))
	}
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return classify(op, fmt.Errorf("encode body: %w", err))
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return classify(op, fmt.Errorf("new request: %w", err))
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
		req.Header.Set("Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(op, fmt.Errorf("http error (timeout=%s): %w", c.timeoutDuration(), err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classify(op, fmt.Errorf("read body (timeout=%s): %w", c.timeoutDuration(), err))
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return classify(op, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       snippet(string(raw)),
			retryAfter: retryAfter,
		})
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return classify(op, &malformedResponseError{err: err, snippet: snippet(string(raw))})
	}
	return nil
}
