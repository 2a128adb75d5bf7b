package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kbforge/internal/content"
	"kbforge/internal/fileutil"
	"kbforge/internal/logging"
	"kbforge/internal/services"
	"kbforge/internal/tasks"
	"kbforge/internal/textutil"
)

const maxSlugLength = 80

// FrontMatter is the YAML header of a published entry. Only stable fields
// belong here so republishing unchanged content is a no-op on disk.
type FrontMatter struct {
	Title          string    `yaml:"title"`
	ID             string    `yaml:"id"`
	Source         string    `yaml:"source,omitempty"`
	SourceID       string    `yaml:"source_id"`
	URL            string    `yaml:"url,omitempty"`
	Category       string    `yaml:"category"`
	Subcategory    string    `yaml:"subcategory,omitempty"`
	Created        time.Time `yaml:"created"`
	EmbeddingModel string    `yaml:"embedding_model,omitempty"`
	EmbeddingCount int       `yaml:"embedding_chunks,omitempty"`
	Media          []string  `yaml:"media,omitempty"`
}

type publisher struct {
	libraryDir string
	logger     *slog.Logger
}

// Run renders the entry and writes it to
// <library>/<category>/<subcategory>/<slug>-<id prefix>.md. A previous file at
// a different path (the item was recategorized or renamed) is removed after
// the new one is in place.
func (p *publisher) Run(ctx context.Context, req tasks.Request) (tasks.Output, error) {
	item := req.Item
	if strings.TrimSpace(item.KBText) == "" {
		return tasks.Output{}, services.Wrap(services.ErrValidation, component, "publication", "knowledge-base text is empty", nil)
	}
	if err := req.Progress.Checkpoint(); err != nil {
		return tasks.Output{}, err
	}
	doc, err := renderEntry(item)
	if err != nil {
		return tasks.Output{}, services.Wrap(services.ErrFatal, component, "publication", "render entry", err)
	}
	path := p.entryPath(item)

	unchanged := fileutil.SameContent(path, doc)
	if !unchanged {
		if err := fileutil.WriteFileVerified(path, doc, 0o644); err != nil {
			return tasks.Output{}, services.Wrap(services.ErrTransient, component, "publication", "write entry", err)
		}
	}
	if prev := item.PublishedPath; prev != "" && prev != path && fileutil.Within(p.libraryDir, prev) {
		if err := os.Remove(prev); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.WarnWithContext(p.logger, "failed to remove previous entry", "publication_cleanup_failed",
				logging.String(logging.FieldItemID, item.ID),
				logging.String("path", prev),
				logging.Error(err),
				logging.String(logging.FieldImpact, "stale entry left in the library"),
			)
		}
	}
	return tasks.Output{
		Artifacts: content.Artifacts{PublishedPath: path},
		Data:      map[string]any{"path": path, "bytes": len(doc), "unchanged": unchanged},
	}, nil
}

func (p *publisher) entryPath(item *content.Item) string {
	category := textutil.Slugify(item.Category, "uncategorized", 48)
	subcategory := textutil.Slugify(item.Subcategory, "general", 48)
	idPrefix := textutil.Slugify(item.ID, "item", 0)
	if len(idPrefix) > 8 {
		idPrefix = idPrefix[:8]
	}
	name := textutil.Slugify(item.Title, "entry", maxSlugLength) + "-" + idPrefix + ".md"
	return filepath.Join(p.libraryDir, category, subcategory, name)
}

// renderEntry produces front matter, the knowledge-base text and, when
// present, the synthesis under a "Related" heading.
func renderEntry(item *content.Item) ([]byte, error) {
	meta := FrontMatter{
		Title:          item.Title,
		ID:             item.ID,
		Source:         item.Source,
		SourceID:       item.SourceID,
		URL:            item.URL,
		Category:       item.Category,
		Subcategory:    item.Subcategory,
		Created:        item.CreatedAt.UTC(),
		EmbeddingModel: item.EmbeddingModel,
		EmbeddingCount: item.EmbeddingCount,
		Media:          item.MediaURLs,
	}
	header, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimSpace(item.KBText))
	buf.WriteString("\n")
	if synthesis := strings.TrimSpace(item.Synthesis); synthesis != "" {
		buf.WriteString("\n## Related\n\n")
		buf.WriteString(synthesis)
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// ParseEntry splits a published file into its front matter and body.
func ParseEntry(data []byte) (FrontMatter, string, error) {
	var meta FrontMatter
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		return meta, text, errors.New("missing front matter")
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return meta, text, errors.New("unterminated front matter")
	}
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &meta); err != nil {
		return meta, text, fmt.Errorf("decode front matter: %w", err)
	}
	return meta, strings.TrimLeft(rest[end+len("\n---\n"):], "\n"), nil
}
