package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"kbforge/internal/content"
	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/services"
	"kbforge/internal/services/llm"
	"kbforge/internal/tasks"
	"kbforge/internal/textutil"
)

type synthesizer struct {
	library Library
	logger  *slog.Logger
}

// Run relates the item to its closest neighbours in the same category.
// Candidates are ranked by TF-IDF similarity of their knowledge-base text; an
// item with no neighbours commits an empty synthesis without a model call.
func (s *synthesizer) Run(ctx context.Context, req tasks.Request) (tasks.Output, error) {
	item := req.Item
	if strings.TrimSpace(item.KBText) == "" {
		return tasks.Output{}, services.Wrap(services.ErrValidation, component, "synthesis", "knowledge-base text is empty", nil)
	}
	candidates, err := s.library.RelatedByCategory(ctx, item.Category, item.ID, relatedCandidates)
	if err != nil {
		return tasks.Output{}, services.Wrap(services.ErrTransient, component, "synthesis", "load related items", err)
	}
	related := closest(item, candidates, relatedForSynthesis)
	if len(related) == 0 {
		s.logger.Debug("no related items for synthesis",
			logging.String(logging.FieldItemID, item.ID),
			logging.String("category", item.Category),
		)
		return tasks.Output{Data: map[string]any{"related": 0, "skipped": "no related items"}}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Entry: %s\n\n%s\n\nRelated entries:\n", item.Title, textutil.Truncate(item.KBText, maxTextForKB))
	ids := make([]string, 0, len(related))
	for _, r := range related {
		fmt.Fprintf(&b, "\n### %s\n%s\n", r.Title, textutil.Truncate(r.KBText, maxRelatedExcerpt))
		ids = append(ids, r.ID)
	}

	resp, err := chat(ctx, phase.Synthesis, req, llm.ChatRequest{System: synthesisPrompt, User: b.String()})
	if err != nil {
		return tasks.Output{}, err
	}
	return tasks.Output{
		Artifacts: content.Artifacts{Synthesis: strings.TrimSpace(stripMarkdownFence(resp.Content))},
		Data:      usageData(req, resp, map[string]any{"related": len(related), "related_ids": ids}),
	}, nil
}

// closest returns up to limit candidates with a positive similarity to item,
// best first.
func closest(item *content.Item, candidates []*content.Item, limit int) []*content.Item {
	if len(candidates) == 0 {
		return nil
	}
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Title + "\n" + c.KBText
	}
	var out []*content.Item
	for _, scored := range textutil.RankBySimilarity(item.Title+"\n"+item.KBText, texts) {
		if scored.Score <= 0 || len(out) >= limit {
			break
		}
		out = append(out, candidates[scored.Index])
	}
	return out
}
