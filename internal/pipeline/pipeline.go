package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"

	"kbforge/internal/config"
	"kbforge/internal/content"
	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/services"
	"kbforge/internal/services/llm"
	"kbforge/internal/tasks"
)

const component = "pipeline"

// Library is the read side of the item store the model phases consult.
// *content.Store implements it.
type Library interface {
	RelatedByCategory(ctx context.Context, category, excludeID string, limit int) ([]*content.Item, error)
	Categories(ctx context.Context) ([]content.CategoryCount, error)
}

// Options configures the handler set.
type Options struct {
	Fetch      config.Fetch
	Embedding  config.Embedding
	LibraryDir string
	Library    Library
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OptionsFromConfig fills Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, library Library, logger *slog.Logger) Options {
	return Options{
		Fetch:      cfg.Fetch,
		Embedding:  cfg.Embedding,
		LibraryDir: cfg.Paths.LibraryDir,
		Library:    library,
		Logger:     logger,
	}
}

// Handlers returns one handler per phase.
func Handlers(opts Options) (map[phase.Phase]tasks.Handler, error) {
	if opts.LibraryDir == "" {
		return nil, fmt.Errorf("pipeline: library directory required")
	}
	if opts.Library == nil {
		return nil, fmt.Errorf("pipeline: library required")
	}
	logger := logging.NewComponentLogger(opts.Logger, component)

	return map[phase.Phase]tasks.Handler{
		phase.Fetch:          newFetcher(opts.Fetch, opts.HTTPClient, logger),
		phase.Cache:          newCacher(),
		phase.MediaAnalysis:  tasks.HandlerFunc(analyzeMedia),
		phase.Understanding:  tasks.HandlerFunc(understand),
		phase.Categorization: &categorizer{library: opts.Library},
		phase.KBGeneration:   tasks.HandlerFunc(generateKB),
		phase.Embedding:      &embedder{chunkSize: opts.Embedding.ChunkSize, overlap: opts.Embedding.ChunkOverlap},
		phase.Synthesis:      &synthesizer{library: opts.Library, logger: logger},
		phase.Publication:    &publisher{libraryDir: opts.LibraryDir, logger: logger},
	}, nil
}

// completerFor asserts that the resolved backend can run completions.
func completerFor(p phase.Phase, res router.Resolution) (llm.Completer, error) {
	c, ok := res.Backend.(llm.Completer)
	if !ok || c == nil {
		return nil, services.Wrap(services.ErrConfiguration, component, string(p),
			fmt.Sprintf("backend %q cannot serve completions", res.BackendName), nil)
	}
	if res.Model == "" {
		return nil, services.Wrap(services.ErrConfiguration, component, string(p), "no model resolved", nil)
	}
	return c, nil
}

// modelParams merges selector params with per-task params; task params win.
func modelParams(req tasks.Request) map[string]string {
	if len(req.Resolution.Params) == 0 && len(req.Params) == 0 {
		return nil
	}
	out := maps.Clone(req.Resolution.Params)
	if out == nil {
		out = make(map[string]string, len(req.Params))
	}
	maps.Copy(out, req.Params)
	return out
}

func resultData(res router.Resolution, extra map[string]any) map[string]any {
	data := map[string]any{}
	if res.Model != "" {
		data["model"] = res.Model
	}
	maps.Copy(data, extra)
	return data
}
