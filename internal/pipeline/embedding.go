package pipeline

import (
	"context"
	"fmt"
	"strings"

	"kbforge/internal/content"
	"kbforge/internal/phase"
	"kbforge/internal/services"
	"kbforge/internal/tasks"
	"kbforge/internal/textutil"
)

const embedBatchSize = 16

type embedder struct {
	chunkSize int
	overlap   int
}

// Run embeds the knowledge-base text chunk by chunk. Checkpoint runs before
// every batch so a soft limit stops the work between calls.
func (e *embedder) Run(ctx context.Context, req tasks.Request) (tasks.Output, error) {
	completer, err := completerFor(phase.Embedding, req.Resolution)
	if err != nil {
		return tasks.Output{}, err
	}
	text := strings.TrimSpace(req.Item.KBText)
	if text == "" {
		return tasks.Output{}, services.Wrap(services.ErrValidation, component, "embedding", "knowledge-base text is empty", nil)
	}
	if title := strings.TrimSpace(req.Item.Title); title != "" && !strings.Contains(text, title) {
		text = title + "\n\n" + text
	}
	pieces := textutil.Chunk(text, e.chunkSize, e.overlap)
	total := int64(len(pieces))
	model := req.Resolution.Model

	chunks := make([]content.EmbeddingChunk, 0, len(pieces))
	for start := 0; start < len(pieces); start += embedBatchSize {
		if err := req.Progress.Checkpoint(); err != nil {
			return tasks.Output{}, err
		}
		end := min(start+embedBatchSize, len(pieces))
		vectors, err := completer.Embed(ctx, model, pieces[start:end])
		if err != nil {
			return tasks.Output{}, err
		}
		if len(vectors) != end-start {
			return tasks.Output{}, services.Wrap(services.ErrTransient, component, "embedding",
				fmt.Sprintf("backend returned %d vectors for %d chunks", len(vectors), end-start), nil)
		}
		for i, vec := range vectors {
			chunks = append(chunks, content.EmbeddingChunk{
				Index:  start + i,
				Text:   pieces[start+i],
				Model:  model,
				Vector: vec,
			})
		}
		req.Progress.Report(int64(end), total, fmt.Sprintf("embedded %d/%d chunks", end, total))
	}

	dims := 0
	if len(chunks) > 0 {
		dims = len(chunks[0].Vector)
	}
	return tasks.Output{
		Artifacts: content.Artifacts{EmbeddingModel: model, Embeddings: chunks},
		Data:      resultData(req.Resolution, map[string]any{"chunks": len(chunks), "dimensions": dims}),
	}, nil
}
