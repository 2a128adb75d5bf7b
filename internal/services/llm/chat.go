package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"kbforge/internal/router"
	"kbforge/internal/services"
)

const jsonResponseType = "json_object"

// ChatRequest is one chat completion call.
type ChatRequest struct {
	Model  string
	System string
	User   string
	// Images are URLs (or data URLs) attached to the user message.
	Images []string
	// JSON asks the backend for a JSON object response.
	JSON bool
	// Params carries selector parameters: temperature, top_p, max_tokens.
	Params map[string]string
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the extracted completion text.
type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Completer is the model surface phase handlers use. *Client implements it.
type Completer interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	TopP           *float64          `json:"top_p,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

// chatMessage content is either a string or a list of parts.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
		// Some providers return the streaming schema (delta) even when
		// stream=false.
		Delta        chatCompletionMessage `json:"delta"`
		Text         string                `json:"text"`
		FinishReason string                `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chatCompletionMessage struct {
	Content      string        `json:"content"`
	ToolCalls    []toolCall    `json:"tool_calls"`
	FunctionCall *functionCall `json:"function_call"`
	Refusal      string        `json:"refusal"`
}

type toolCall struct {
	Type     string       `json:"type"`
	ID       string       `json:"id"`
	Index    int          `json:"index"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Chat issues a chat completion and returns the first non-empty content.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	const op = "chat"
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return ChatResponse{}, services.Wrap(services.ErrValidation, "llm", op, "model required", nil)
	}
	if strings.TrimSpace(req.User) == "" && len(req.Images) == 0 {
		return ChatResponse{}, services.Wrap(services.ErrValidation, "llm", op, "user prompt required", nil)
	}

	payload := chatCompletionRequest{Model: model}
	if system := strings.TrimSpace(req.System); system != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: system})
	}
	payload.Messages = append(payload.Messages, userMessage(req.User, req.Images))
	if req.JSON {
		payload.ResponseFormat = map[string]string{"type": jsonResponseType}
	}
	if err := applyParams(&payload, req.Params); err != nil {
		return ChatResponse{}, services.Wrap(services.ErrConfiguration, "llm", op, "selector params", err)
	}

	var completion chatCompletionResponse
	if err := c.do(ctx, op, http.MethodPost, "chat/completions", payload, &completion); err != nil {
		return ChatResponse{}, err
	}
	if completion.Error != nil {
		return ChatResponse{}, services.Wrap(services.ErrTransient, "llm", op,
			"api error: "+strings.TrimSpace(completion.Error.Message), nil)
	}
	content, finishReason := extractCompletionPayload(completion)
	if content == "" {
		return ChatResponse{}, classify(op, &emptyContentError{
			FinishReason: finishReason,
			Refusal:      extractCompletionRefusal(completion),
			Snippet:      fmt.Sprintf("%d choices", len(completion.Choices)),
		})
	}
	return ChatResponse{Content: content, FinishReason: finishReason, Usage: completion.Usage}, nil
}

// CompleteJSON runs a JSON-mode chat completion and decodes the answer into
// target. A reply that cannot be decoded is a transient failure.
func (c *Client) CompleteJSON(ctx context.Context, req ChatRequest, target any) (ChatResponse, error) {
	req.JSON = true
	resp, err := c.Chat(ctx, req)
	if err != nil {
		return resp, err
	}
	if err := DecodeJSONReply(resp.Content, target); err != nil {
		return resp, services.Wrap(services.ErrTransient, "llm", "complete json", "parse payload", err)
	}
	return resp, nil
}

func userMessage(text string, images []string) chatMessage {
	text = strings.TrimSpace(text)
	if len(images) == 0 {
		return chatMessage{Role: "user", Content: text}
	}
	parts := make([]contentPart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, contentPart{Type: "text", Text: text})
	}
	for _, u := range images {
		if u = strings.TrimSpace(u); u != "" {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: u}})
		}
	}
	return chatMessage{Role: "user", Content: parts}
}

func applyParams(payload *chatCompletionRequest, params map[string]string) error {
	for key, raw := range params {
		raw = strings.TrimSpace(raw)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "temperature":
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("temperature %q: %w", raw, err)
			}
			payload.Temperature = &v
		case "top_p":
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("top_p %q: %w", raw, err)
			}
			payload.TopP = &v
		case "max_tokens":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("max_tokens %q: %w", raw, err)
			}
			payload.MaxTokens = v
		}
	}
	return nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input, in input order.
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	const op = "embed"
	if strings.TrimSpace(model) == "" {
		return nil, services.Wrap(services.ErrValidation, "llm", op, "model required", nil)
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	var resp embeddingResponse
	if err := c.do(ctx, op, http.MethodPost, "embeddings", embeddingRequest{Model: model, Input: inputs}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(inputs) {
		return nil, classify(op, &malformedResponseError{
			err:     fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(inputs)),
			snippet: model,
		})
	}
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels implements router.Backend. Configured models come first with
// their declared capabilities; models only the backend reports are appended
// with capabilities inferred from their names.
func (c *Client) ListModels(ctx context.Context) ([]router.ModelInfo, error) {
	var resp modelsResponse
	err := c.do(ctx, "list models", http.MethodGet, "models", nil, &resp)
	if err != nil {
		var statusErr *StatusError
		// Some gateways do not implement /models; fall back to configuration.
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound && len(c.cfg.Models) > 0 {
			return append([]router.ModelInfo(nil), c.cfg.Models...), nil
		}
		return nil, err
	}
	out := append([]router.ModelInfo(nil), c.cfg.Models...)
	seen := make(map[string]struct{}, len(out))
	for _, m := range out {
		seen[m.Name] = struct{}{}
	}
	for _, d := range resp.Data {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, inferModel(id))
	}
	return out, nil
}

// HealthCheck implements router.Backend by listing models.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

func inferModel(id string) router.ModelInfo {
	lower := strings.ToLower(id)
	if strings.Contains(lower, "embed") {
		return router.ModelInfo{Name: id, Capabilities: []router.Capability{router.CapabilityEmbedding}}
	}
	info := router.ModelInfo{Name: id, Capabilities: []router.Capability{router.CapabilityTextGeneration}}
	for _, hint := range []string{"vision", "llava", "-vl", "gpt-4o"} {
		if strings.Contains(lower, hint) {
			info.Vision = true
			break
		}
	}
	return info
}

func extractCompletionPayload(completion chatCompletionResponse) (string, string) {
	var finishReason string
	for _, choice := range completion.Choices {
		if finishReason == "" {
			finishReason = strings.TrimSpace(choice.FinishReason)
		}
		if content := firstNonEmpty(choice.Message.Content, choice.Delta.Content, choice.Text); content != "" {
			return content, finishReason
		}
		if args := firstNonEmpty(
			functionCallArguments(choice.Message.FunctionCall),
			functionCallArguments(choice.Delta.FunctionCall),
		); args != "" {
			return args, finishReason
		}
		if args := firstNonEmpty(toolCallArguments(choice.Message.ToolCalls), toolCallArguments(choice.Delta.ToolCalls)); args != "" {
			return args, finishReason
		}
	}
	return "", finishReason
}

func extractCompletionRefusal(completion chatCompletionResponse) string {
	for _, choice := range completion.Choices {
		if refusal := firstNonEmpty(choice.Message.Refusal, choice.Delta.Refusal); refusal != "" {
			return refusal
		}
	}
	return ""
}

func functionCallArguments(fc *functionCall) string {
	if fc == nil {
		return ""
	}
	return strings.TrimSpace(fc.Arguments)
}

func toolCallArguments(calls []toolCall) string {
	for _, call := range calls {
		if args := strings.TrimSpace(call.Function.Arguments); args != "" {
			return args
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
