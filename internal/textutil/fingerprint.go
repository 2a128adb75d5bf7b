package textutil

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"are": {}, "was": {}, "from": {}, "you": {}, "your": {}, "have": {},
	"has": {}, "not": {}, "but": {}, "can": {}, "will": {}, "its": {},
	"into": {}, "about": {}, "their": {}, "they": {}, "which": {}, "more": {},
}

// Fingerprint is a term-frequency vector.
type Fingerprint struct {
	tokens map[string]float64
	norm   float64
}

// NewFingerprint builds a fingerprint from text; nil when no tokens survive.
func NewFingerprint(text string) *Fingerprint {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	counts := make(map[string]float64, len(tokens))
	for _, token := range tokens {
		counts[token]++
	}
	return newFingerprint(counts)
}

func newFingerprint(weights map[string]float64) *Fingerprint {
	var sum float64
	for _, w := range weights {
		sum += w * w
	}
	return &Fingerprint{tokens: weights, norm: math.Sqrt(sum)}
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit, dropping tokens under three runes and common stopwords.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := fields[:0]
	for _, token := range fields {
		if len([]rune(token)) < 3 {
			continue
		}
		if _, skip := stopwords[token]; skip {
			continue
		}
		terms = append(terms, token)
	}
	return terms
}

// TokenCount returns the number of distinct terms.
func (f *Fingerprint) TokenCount() int {
	if f == nil {
		return 0
	}
	return len(f.tokens)
}

// WithIDF returns a copy weighted by idf. Terms missing from idf keep their
// raw count; terms weighted to zero are dropped.
func (f *Fingerprint) WithIDF(idf map[string]float64) *Fingerprint {
	if f == nil || len(idf) == 0 {
		return f
	}
	weighted := make(map[string]float64, len(f.tokens))
	for token, count := range f.tokens {
		w := count
		if v, ok := idf[token]; ok {
			w *= v
		}
		if w != 0 {
			weighted[token] = w
		}
	}
	if len(weighted) == 0 {
		return nil
	}
	return newFingerprint(weighted)
}

// Corpus accumulates document frequencies.
type Corpus struct {
	docs    int
	docFreq map[string]int
}

func NewCorpus() *Corpus {
	return &Corpus{docFreq: make(map[string]int)}
}

// Add counts each distinct term of fp once.
func (c *Corpus) Add(fp *Fingerprint) {
	if c == nil || fp == nil {
		return
	}
	c.docs++
	for token := range fp.tokens {
		c.docFreq[token]++
	}
}

// IDF returns smoothed weights log((N+1)/(1+df)).
func (c *Corpus) IDF() map[string]float64 {
	if c == nil || c.docs == 0 {
		return nil
	}
	n := float64(c.docs)
	idf := make(map[string]float64, len(c.docFreq))
	for term, df := range c.docFreq {
		idf[term] = math.Log((n + 1) / (1 + float64(df)))
	}
	return idf
}

// CosineSimilarity is 0 when either side is nil or empty.
func CosineSimilarity(a, b *Fingerprint) float64 {
	if a == nil || b == nil || a.norm == 0 || b.norm == 0 {
		return 0
	}
	small, large := a, b
	if len(small.tokens) > len(large.tokens) {
		small, large = large, small
	}
	var dot float64
	for token, w := range small.tokens {
		dot += w * large.tokens[token]
	}
	return dot / (a.norm * b.norm)
}

// Scored pairs a candidate index with its similarity to the query.
type Scored struct {
	Index int
	Score float64
}

// RankBySimilarity scores every candidate against query using TF-IDF weights
// computed over query and candidates together. Results are ordered by
// descending score; ties keep candidate order.
func RankBySimilarity(query string, candidates []string) []Scored {
	corpus := NewCorpus()
	queryFP := NewFingerprint(query)
	corpus.Add(queryFP)
	fps := make([]*Fingerprint, len(candidates))
	for i, c := range candidates {
		fps[i] = NewFingerprint(c)
		corpus.Add(fps[i])
	}
	idf := corpus.IDF()
	weightedQuery := queryFP.WithIDF(idf)

	out := make([]Scored, len(candidates))
	for i, fp := range fps {
		out[i] = Scored{Index: i, Score: CosineSimilarity(weightedQuery, fp.WithIDF(idf))}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
