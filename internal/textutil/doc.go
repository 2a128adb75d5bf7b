// Package textutil provides the text helpers shared by the phase handlers:
// Unicode normalization, slugs for library paths, chunking for embeddings,
// and TF-IDF fingerprints for ranking related items.
//
// Fingerprints are term-frequency vectors over lowercased Unicode letter and
// digit runs of at least three runes, with a small English stopword list
// removed. Cosine similarity over TF-IDF weighted fingerprints is what the
// synthesis phase uses to order candidate neighbours.
package textutil
