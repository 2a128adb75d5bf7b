package pipeline

import (
	"context"
	"fmt"
	"strings"

	"kbforge/internal/content"
	"kbforge/internal/phase"
	"kbforge/internal/services"
	"kbforge/internal/services/llm"
	"kbforge/internal/tasks"
	"kbforge/internal/textutil"
)

// chat runs one completion for phase p on the resolved backend.
func chat(ctx context.Context, p phase.Phase, req tasks.Request, cr llm.ChatRequest) (llm.ChatResponse, error) {
	completer, err := completerFor(p, req.Resolution)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	if err := req.Progress.Checkpoint(); err != nil {
		return llm.ChatResponse{}, err
	}
	cr.Model = req.Resolution.Model
	cr.Params = modelParams(req)
	req.Progress.Report(0, 1, "waiting for "+req.Resolution.BackendName)
	resp, err := completer.Chat(ctx, cr)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	req.Progress.Report(1, 1, "completed")
	return resp, nil
}

func usageData(req tasks.Request, resp llm.ChatResponse, extra map[string]any) map[string]any {
	data := resultData(req.Resolution, extra)
	if resp.Usage.TotalTokens > 0 {
		data["tokens"] = resp.Usage.TotalTokens
	}
	return data
}

// analyzeMedia describes the bookmark's images. Items without media commit an
// empty analysis without calling the model.
func analyzeMedia(ctx context.Context, req tasks.Request) (tasks.Output, error) {
	item := req.Item
	if len(item.MediaURLs) == 0 {
		return tasks.Output{Data: map[string]any{"skipped": "no media"}}, nil
	}
	images := item.MediaURLs
	if len(images) > maxImagesPerRequest {
		images = images[:maxImagesPerRequest]
	}
	resp, err := chat(ctx, phase.MediaAnalysis, req, llm.ChatRequest{
		System: mediaAnalysisPrompt,
		User:   fmt.Sprintf("Page title: %s\nURL: %s", item.Title, item.URL),
		Images: images,
	})
	if err != nil {
		return tasks.Output{}, err
	}
	return tasks.Output{
		Artifacts: content.Artifacts{MediaAnalysis: strings.TrimSpace(resp.Content)},
		Data:      usageData(req, resp, map[string]any{"images": len(images)}),
	}, nil
}

func understand(ctx context.Context, req tasks.Request) (tasks.Output, error) {
	item := req.Item
	if strings.TrimSpace(item.DerivedText) == "" {
		return tasks.Output{}, services.Wrap(services.ErrValidation, component, "understanding", "derived text is empty", nil)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nURL: %s\n\n", item.Title, item.URL)
	if notes := strings.TrimSpace(item.MediaAnalysis); notes != "" {
		fmt.Fprintf(&b, "Image notes:\n%s\n\n", notes)
	}
	fmt.Fprintf(&b, "Page text:\n%s", textutil.Truncate(item.DerivedText, maxTextForUnderstanding))

	resp, err := chat(ctx, phase.Understanding, req, llm.ChatRequest{System: understandingPrompt, User: b.String()})
	if err != nil {
		return tasks.Output{}, err
	}
	return tasks.Output{
		Artifacts: content.Artifacts{Understanding: strings.TrimSpace(resp.Content)},
		Data:      usageData(req, resp, nil),
	}, nil
}

type categorizer struct {
	library Library
}

type categoryDecision struct {
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Reason      string `json:"reason"`
}

// Run asks the model for a category pair, offering the categories already in
// the library. Both values are slugified so they can name directories.
func (c *categorizer) Run(ctx context.Context, req tasks.Request) (tasks.Output, error) {
	item := req.Item
	if strings.TrimSpace(item.Understanding) == "" {
		return tasks.Output{}, services.Wrap(services.ErrValidation, component, "categorization", "understanding is empty", nil)
	}
	existing, err := c.library.Categories(ctx)
	if err != nil {
		return tasks.Output{}, services.Wrap(services.ErrTransient, component, "categorization", "list categories", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\nSummary:\n%s\n", item.Title, item.Understanding)
	if len(existing) > 0 {
		names := make([]string, 0, len(existing))
		for _, cat := range existing {
			names = append(names, cat.Category)
		}
		fmt.Fprintf(&b, "\nExisting categories: %s\n", strings.Join(names, ", "))
	}

	resp, err := chat(ctx, phase.Categorization, req, llm.ChatRequest{System: categorizationPrompt, User: b.String(), JSON: true})
	if err != nil {
		return tasks.Output{}, err
	}
	var decision categoryDecision
	if err := llm.DecodeJSONReply(resp.Content, &decision); err != nil {
		return tasks.Output{}, services.Wrap(services.ErrTransient, component, "categorization", "parse category payload", err)
	}
	category := textutil.Slugify(decision.Category, "", 48)
	if category == "" {
		return tasks.Output{}, services.Wrap(services.ErrTransient, component, "categorization", "model returned no category", nil)
	}
	subcategory := textutil.Slugify(decision.Subcategory, "general", 48)
	return tasks.Output{
		Artifacts: content.Artifacts{Category: category, Subcategory: subcategory},
		Data:      usageData(req, resp, map[string]any{"reason": strings.TrimSpace(decision.Reason)}),
	}, nil
}

func generateKB(ctx context.Context, req tasks.Request) (tasks.Output, error) {
	item := req.Item
	if strings.TrimSpace(item.Understanding) == "" {
		return tasks.Output{}, services.Wrap(services.ErrValidation, component, "kb_generation", "understanding is empty", nil)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nURL: %s\nCategory: %s / %s\n\n", item.Title, item.URL, item.Category, item.Subcategory)
	fmt.Fprintf(&b, "Summary:\n%s\n\n", item.Understanding)
	if notes := strings.TrimSpace(item.MediaAnalysis); notes != "" {
		fmt.Fprintf(&b, "Image notes:\n%s\n\n", notes)
	}
	fmt.Fprintf(&b, "Source text:\n%s", textutil.Truncate(item.DerivedText, maxTextForKB))

	resp, err := chat(ctx, phase.KBGeneration, req, llm.ChatRequest{System: kbGenerationPrompt, User: b.String()})
	if err != nil {
		return tasks.Output{}, err
	}
	text := strings.TrimSpace(stripMarkdownFence(resp.Content))
	return tasks.Output{
		Artifacts: content.Artifacts{KBText: text},
		Data:      usageData(req, resp, map[string]any{"characters": len([]rune(text))}),
	}, nil
}

// stripMarkdownFence unwraps a reply the model fenced as a whole.
func stripMarkdownFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return value
	}
	body := trimmed[3 : len(trimmed)-3]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], " \t") {
		body = body[nl+1:]
	}
	return body
}
