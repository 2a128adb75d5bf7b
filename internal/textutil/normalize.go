package textutil

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	excessBlankLines = regexp.MustCompile(`\n{3,}`)
	trailingSpace    = regexp.MustCompile(`[ \t]+\n`)
)

// NormalizeText applies NFC, unifies line endings, strips trailing spaces and
// collapses runs of blank lines to one.
func NormalizeText(value string) string {
	value = norm.NFC.String(value)
	value = strings.ReplaceAll(value, "\r\n", "\n")
	value = strings.ReplaceAll(value, "\r", "\n")
	value = strings.Map(func(r rune) rune {
		if r == '\u00a0' {
			return ' '
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, value)
	value = trailingSpace.ReplaceAllString(value, "\n")
	value = excessBlankLines.ReplaceAllString(value, "\n\n")
	return strings.TrimSpace(value)
}

// Slugify turns a title into a lowercase ASCII path token. Accents are folded
// (é becomes e), any other run of non-alphanumerics becomes one hyphen, and
// the result is capped at maxLen bytes on a hyphen boundary when possible.
// Returns fallback when nothing usable remains.
func Slugify(value, fallback string, maxLen int) string {
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), value)
	if err != nil {
		folded = value
	}
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	slug := b.String()
	if maxLen > 0 && len(slug) > maxLen {
		slug = slug[:maxLen]
		if idx := strings.LastIndexByte(slug, '-'); idx > maxLen/2 {
			slug = slug[:idx]
		}
		slug = strings.Trim(slug, "-")
	}
	if slug == "" {
		return fallback
	}
	return slug
}

// Truncate caps value at limit runes, appending an ellipsis marker when cut.
func Truncate(value string, limit int) string {
	if limit <= 0 {
		return value
	}
	r := []rune(value)
	if len(r) <= limit {
		return value
	}
	return strings.TrimSpace(string(r[:limit])) + "\n[...]"
}
