package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const snippetLimit = 160

// DecodeJSONReply decodes a model reply into target. Replies wrapped in a
// markdown fence or surrounded by prose are unwrapped before giving up.
func DecodeJSONReply(content string, target any) error {
	raw := strings.TrimSpace(content)
	if raw == "" {
		return errors.New("empty payload")
	}
	var firstErr error
	for _, candidate := range jsonCandidates(raw) {
		err := json.Unmarshal([]byte(candidate), target)
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return fmt.Errorf("%w (reply: %s)", firstErr, snippet(raw))
}

// jsonCandidates lists the reply itself, the fenced body, and the widest
// object or array span, dropping duplicates.
func jsonCandidates(raw string) []string {
	out := []string{raw}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		for _, existing := range out {
			if existing == s {
				return
			}
		}
		out = append(out, s)
	}
	body := unfence(raw)
	add(body)
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(body, pair[0])
		end := strings.LastIndex(body, pair[1])
		if start >= 0 && end > start {
			add(body[start : end+1])
		}
	}
	return out
}

func unfence(s string) string {
	rest, ok := strings.CutPrefix(s, "```")
	if !ok {
		return s
	}
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
		// drop a language tag such as ```json
		rest = rest[nl+1:]
	}
	if idx := strings.LastIndex(rest, "```"); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.TrimSpace(rest)
}

// snippet flattens whitespace and caps s for error messages.
func snippet(s string) string {
	flat := strings.Join(strings.Fields(s), " ")
	if flat == "" {
		return "<empty>"
	}
	if r := []rune(flat); len(r) > snippetLimit {
		return string(r[:snippetLimit]) + "..."
	}
	return flat
}
