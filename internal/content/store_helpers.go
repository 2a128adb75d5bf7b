package content

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"kbforge/internal/phase"
	"kbforge/internal/sqlitex"
)

var itemColumnList = []string{
	"id", "source_id", "source", "source_url", "source_payload", "title",
	"fetched", "cached", "media_analyzed", "content_understood", "categorized",
	"kb_generated", "embedded", "synthesized", "published",
	"raw_payload", "media_urls_json", "derived_text", "media_analysis", "understanding",
	"category", "subcategory", "kb_text", "embedding_model", "embedding_count",
	"synthesis", "published_path",
	"last_errors_json", "retry_count", "reprocess_phases", "reprocess_requested_at", "revision",
	"created_at", "updated_at",
}

var itemColumns = strings.Join(itemColumnList, ", ")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(scanner rowScanner) (*Item, error) {
	var (
		item                                       Item
		source, url, payload, title                sql.NullString
		fetched, cached, media, understood, catd   int
		kbGen, embedded, synthesized, published    int
		raw, mediaURLs, derived, analysis, underst sql.NullString
		category, subcategory, kbText, embModel    sql.NullString
		synthesis, publishedPath, lastErrors       sql.NullString
		reprocess                                  string
		reprocessAt                                sql.NullString
		createdAt, updatedAt                       string
	)
	if err := scanner.Scan(
		&item.ID, &item.SourceID, &source, &url, &payload, &title,
		&fetched, &cached, &media, &understood, &catd,
		&kbGen, &embedded, &synthesized, &published,
		&raw, &mediaURLs, &derived, &analysis, &underst,
		&category, &subcategory, &kbText, &embModel, &item.EmbeddingCount,
		&synthesis, &publishedPath,
		&lastErrors, &item.RetryCount, &reprocess, &reprocessAt, &item.Revision,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	item.Source = source.String
	item.URL = url.String
	item.SourcePayload = payload.String
	item.Title = title.String
	item.Flags = phase.Flags{
		Fetched:           fetched == 1,
		Cached:            cached == 1,
		MediaAnalyzed:     media == 1,
		ContentUnderstood: understood == 1,
		Categorized:       catd == 1,
		KBGenerated:       kbGen == 1,
		Embedded:          embedded == 1,
		Synthesized:       synthesized == 1,
		Published:         published == 1,
	}
	item.RawPayload = raw.String
	item.DerivedText = derived.String
	item.MediaAnalysis = analysis.String
	item.Understanding = underst.String
	item.Category = category.String
	item.Subcategory = subcategory.String
	item.KBText = kbText.String
	item.EmbeddingModel = embModel.String
	item.Synthesis = synthesis.String
	item.PublishedPath = publishedPath.String

	if mediaURLs.Valid && mediaURLs.String != "" {
		if err := json.Unmarshal([]byte(mediaURLs.String), &item.MediaURLs); err != nil {
			return nil, fmt.Errorf("decode media urls: %w", err)
		}
	}
	if lastErrors.Valid && lastErrors.String != "" {
		if err := json.Unmarshal([]byte(lastErrors.String), &item.LastErrors); err != nil {
			return nil, fmt.Errorf("decode last errors: %w", err)
		}
	}
	item.Reprocess = decodeReprocess(reprocess)
	item.ReprocessRequestedAt = sqlitex.ParseNullTime(reprocessAt)
	if t, err := sqlitex.ParseTime(createdAt); err == nil {
		item.CreatedAt = t
	}
	if t, err := sqlitex.ParseTime(updatedAt); err == nil {
		item.UpdatedAt = t
	}
	return &item, nil
}

// Reprocess requests are stored as ",phase_a,phase_b," so SQL can test and
// clear a single phase with instr/replace inside the commit UPDATE.

func reprocessMark(p phase.Phase) string {
	return "," + string(p) + ","
}

func decodeReprocess(raw string) []phase.Phase {
	var out []phase.Phase
	for _, part := range strings.Split(raw, ",") {
		if part == "" {
			continue
		}
		if p := phase.Phase(part); p.Valid() {
			out = append(out, p)
		}
	}
	return out
}

func encodeReprocess(phases []phase.Phase) string {
	if len(phases) == 0 {
		return ","
	}
	parts := make([]string, 0, len(phases))
	for _, p := range phases {
		parts = append(parts, string(p))
	}
	return "," + strings.Join(parts, ",") + ","
}

// artifactColumns maps the committing phase to the columns it owns.
func artifactColumns(p phase.Phase, art Artifacts) (map[string]any, error) {
	cols := map[string]any{}
	switch p {
	case phase.Fetch:
		cols["raw_payload"] = sqlitex.NullableString(art.RawPayload)
		if art.Title != "" {
			cols["title"] = art.Title
		}
		urls, err := json.Marshal(nonNilStrings(art.MediaURLs))
		if err != nil {
			return nil, fmt.Errorf("encode media urls: %w", err)
		}
		cols["media_urls_json"] = string(urls)
	case phase.Cache:
		cols["derived_text"] = sqlitex.NullableString(art.DerivedText)
	case phase.MediaAnalysis:
		cols["media_analysis"] = sqlitex.NullableString(art.MediaAnalysis)
	case phase.Understanding:
		cols["understanding"] = sqlitex.NullableString(art.Understanding)
	case phase.Categorization:
		cols["category"] = sqlitex.NullableString(art.Category)
		cols["subcategory"] = sqlitex.NullableString(art.Subcategory)
	case phase.KBGeneration:
		cols["kb_text"] = sqlitex.NullableString(art.KBText)
	case phase.Embedding:
		cols["embedding_model"] = sqlitex.NullableString(art.EmbeddingModel)
		cols["embedding_count"] = len(art.Embeddings)
	case phase.Synthesis:
		cols["synthesis"] = sqlitex.NullableString(art.Synthesis)
	case phase.Publication:
		cols["published_path"] = sqlitex.NullableString(art.PublishedPath)
	default:
		return nil, fmt.Errorf("unknown phase %q", p)
	}
	return cols, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// encodeLastErrors returns NULL for an empty map.
func encodeLastErrors(errs map[string]string) (any, error) {
	if len(errs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("encode last errors: %w", err)
	}
	return string(data), nil
}
