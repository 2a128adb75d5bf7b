package pipeline

import (
	"context"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"kbforge/internal/content"
	"kbforge/internal/services"
	"kbforge/internal/tasks"
	"kbforge/internal/textutil"
)

// boilerplate is removed before conversion.
const boilerplate = "script, style, noscript, iframe, svg, nav, footer, header, aside, form, [role=navigation], [aria-hidden=true]"

// mainContent lists selectors tried in order for the article body.
var mainContent = []string{"article", "main", "[role=main]", "#content", ".post", ".entry-content"}

// minReadableChars is the least article text readability must find before
// its extraction is preferred over the selector list.
const minReadableChars = 500

const (
	extractorReadability = "readability"
	extractorSelectors   = "selectors"
)

type cacher struct {
	converter *md.Converter
}

func newCacher() *cacher {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &cacher{converter: converter}
}

// Run converts the raw payload into normalized Markdown text.
func (c *cacher) Run(_ context.Context, req tasks.Request) (tasks.Output, error) {
	raw := req.Item.RawPayload
	if strings.TrimSpace(raw) == "" {
		return tasks.Output{}, services.Wrap(services.ErrValidation, component, "cache", "raw payload is empty", nil)
	}

	text := raw
	data := map[string]any{"format": "text"}
	if looksLikeHTML(raw) {
		fragment, extractor, err := extractArticle(raw, req.Item.URL)
		if err != nil {
			return tasks.Output{}, services.Wrap(services.ErrValidation, component, "cache", "parse html", err)
		}
		converted, err := c.converter.ConvertString(fragment)
		if err != nil {
			return tasks.Output{}, services.Wrap(services.ErrValidation, component, "cache", "convert html", err)
		}
		if strings.TrimSpace(converted) == "" {
			converted = plainText(fragment)
		}
		text = converted
		data["format"] = "html"
		data["extractor"] = extractor
	}
	text = textutil.NormalizeText(text)
	if text == "" {
		return tasks.Output{}, services.Wrap(services.ErrValidation, component, "cache", "no readable text in payload", nil)
	}
	data["characters"] = len([]rune(text))
	return tasks.Output{
		Artifacts: content.Artifacts{DerivedText: text},
		Data:      data,
	}, nil
}

// extractArticle returns the HTML fragment holding the page's main content.
// Readability wins when it finds a substantial article; short or unusual
// pages fall back to the selector list.
func extractArticle(raw, pageURL string) (string, string, error) {
	base, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || base == nil {
		base = &url.URL{}
	}
	if article, err := readability.FromReader(strings.NewReader(raw), base); err == nil &&
		len([]rune(strings.TrimSpace(article.TextContent))) >= minReadableChars &&
		strings.TrimSpace(article.Content) != "" {
		return article.Content, extractorReadability, nil
	}
	fragment, err := selectMainContent(raw)
	if err != nil {
		return "", "", err
	}
	return fragment, extractorSelectors, nil
}

func selectMainContent(raw string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", err
	}
	doc.Find(boilerplate).Remove()

	selection := doc.Find("body")
	for _, sel := range mainContent {
		if candidate := doc.Find(sel).First(); candidate.Length() > 0 && strings.TrimSpace(candidate.Text()) != "" {
			selection = candidate
			break
		}
	}
	return goquery.OuterHtml(selection)
}

func plainText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return doc.Text()
}

func looksLikeHTML(raw string) bool {
	head := strings.ToLower(raw)
	if len(head) > 2048 {
		head = head[:2048]
	}
	for _, marker := range []string{"<!doctype html", "<html", "<body", "<article", "<div", "<p>", "<p "} {
		if strings.Contains(head, marker) {
			return true
		}
	}
	return false
}
