package textutil

import (
	"strings"
	"unicode"
)

// Chunk splits text into windows of at most size runes with overlap runes
// shared between neighbours. Cuts prefer the last whitespace in the second
// half of a window so words stay whole. Empty input yields no chunks.
func Chunk(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	r := []rune(text)
	if len(r) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(r) {
		end := start + size
		if end >= len(r) {
			end = len(r)
		} else {
			for i := end; i > start+size/2; i-- {
				if unicode.IsSpace(r[i-1]) {
					end = i
					break
				}
			}
		}
		if piece := strings.TrimSpace(string(r[start:end])); piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(r) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
