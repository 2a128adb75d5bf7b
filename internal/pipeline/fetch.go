package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"kbforge/internal/config"
	"kbforge/internal/content"
	"kbforge/internal/logging"
	"kbforge/internal/services"
	"kbforge/internal/tasks"
)

const (
	defaultUserAgent = "kbforge/1.0 (+https://github.com/kbforge/kbforge)"
	defaultMaxBody   = 5 << 20
)

type fetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	maxMedia  int
	logger    *slog.Logger
}

func newFetcher(cfg config.Fetch, client *http.Client, logger *slog.Logger) *fetcher {
	if client == nil {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	f := &fetcher{
		client:    client,
		userAgent: strings.TrimSpace(cfg.UserAgent),
		maxBody:   cfg.MaxBodyBytes,
		maxMedia:  cfg.MaxMedia,
		logger:    logger,
	}
	if f.userAgent == "" {
		f.userAgent = defaultUserAgent
	}
	if f.maxBody <= 0 {
		f.maxBody = defaultMaxBody
	}
	return f
}

// Run downloads the bookmark. Items ingested with an inline payload and no
// URL (notes, exported posts) use the payload as the raw content.
func (f *fetcher) Run(ctx context.Context, req tasks.Request) (tasks.Output, error) {
	item := req.Item
	target := strings.TrimSpace(item.URL)
	if target == "" {
		if strings.TrimSpace(item.SourcePayload) == "" {
			return tasks.Output{}, services.Wrap(services.ErrValidation, component, "fetch", "item has neither url nor payload", nil)
		}
		return tasks.Output{
			Artifacts: content.Artifacts{Title: item.Title, RawPayload: item.SourcePayload},
			Data:      map[string]any{"source": "payload", "bytes": len(item.SourcePayload)},
		}, nil
	}
	base, err := url.Parse(target)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return tasks.Output{}, services.Wrap(services.ErrValidation, component, "fetch", fmt.Sprintf("unsupported url %q", target), err)
	}

	req.Progress.Report(0, 2, "downloading")
	body, contentType, truncated, err := f.download(ctx, base.String())
	if err != nil {
		return tasks.Output{}, err
	}
	if err := req.Progress.Checkpoint(); err != nil {
		return tasks.Output{}, err
	}
	req.Progress.Report(1, 2, "extracting")

	art := content.Artifacts{RawPayload: string(body), Title: item.Title}
	if isHTML(contentType, body) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return tasks.Output{}, services.Wrap(services.ErrValidation, component, "fetch", "parse html", err)
		}
		if title := pageTitle(doc); title != "" {
			art.Title = title
		}
		art.MediaURLs = mediaURLs(doc, base, f.maxMedia)
	}
	if art.Title == "" {
		art.Title = base.Host + base.Path
	}
	if truncated {
		f.logger.Warn("page body truncated",
			logging.String(logging.FieldItemID, item.ID),
			logging.String("url", target),
			logging.Int64("limit_bytes", f.maxBody),
			logging.String(logging.FieldEventType, "fetch_truncated"),
			logging.String(logging.FieldErrorHint, "raise fetch.max_body_bytes to keep the full page"),
			logging.String(logging.FieldImpact, "derived text may be incomplete"),
		)
	}
	req.Progress.Report(2, 2, "fetched")
	return tasks.Output{
		Artifacts: art,
		Data: map[string]any{
			"bytes":        len(body),
			"content_type": contentType,
			"media":        len(art.MediaURLs),
			"truncated":    truncated,
		},
	}, nil
}

func (f *fetcher) download(ctx context.Context, target string) ([]byte, string, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", false, services.Wrap(services.ErrValidation, component, "fetch", "build request", err)
	}
	httpReq.Header.Set("User-Agent", f.userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, "", false, classifyFetchError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", false, fetchStatusError(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, "", false, classifyFetchError(err)
	}
	truncated := int64(len(body)) > f.maxBody
	if truncated {
		body = body[:f.maxBody]
	}
	return body, resp.Header.Get("Content-Type"), truncated, nil
}

func fetchStatusError(status int, snippet string) error {
	msg := fmt.Sprintf("upstream returned %d %s", status, http.StatusText(status))
	if snippet != "" {
		msg += ": " + snippet
	}
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return services.Wrap(services.ErrTransient, component, "fetch", msg, nil)
	default:
		return services.Wrap(services.ErrValidation, component, "fetch", msg, nil)
	}
}

func classifyFetchError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return services.Wrap(services.ErrTimeout, component, "fetch", "request timed out", err)
	}
	return services.Wrap(services.ErrTransient, component, "fetch", "request failed", err)
}

func isHTML(contentType string, body []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType == "text/html" || mediaType == "application/xhtml+xml"
	}
	return strings.Contains(http.DetectContentType(body), "text/html")
}

func pageTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if og = strings.TrimSpace(og); og != "" {
			return og
		}
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return strings.Join(strings.Fields(title), " ")
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// mediaURLs collects og:image plus inline images, resolved against base,
// deduplicated and capped at limit. A non-positive limit disables collection.
func mediaURLs(doc *goquery.Document, base *url.URL, limit int) []string {
	if limit <= 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	add := func(raw string) {
		if len(out) >= limit {
			return
		}
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "data:") {
			return
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		key := abs.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}

	if og, ok := doc.Find(`meta[property="og:image"]`).First().Attr("content"); ok {
		add(og)
	}
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if s.AttrOr("width", "") == "1" || s.AttrOr("height", "") == "1" {
			return
		}
		src := s.AttrOr("src", "")
		if src == "" {
			src = s.AttrOr("data-src", "")
		}
		add(src)
	})
	return out
}

var _ tasks.Handler = (*fetcher)(nil)
