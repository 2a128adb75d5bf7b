// Package phase encodes the fixed processing DAG a content item moves through
// and the pure eligibility rules derived from an item's persisted flags.
//
// Nothing here touches storage or holds state. Callers hand in a State (flags
// plus outstanding reprocess requests) and get decisions back, which keeps the
// rules trivially testable and lets the task framework, the scheduler, and the
// store agree on one definition of "may this phase run now".
package phase

import (
	"fmt"
	"strings"
)

// Phase names one stage of the content pipeline.
type Phase string

const (
	Fetch          Phase = "fetch"
	Cache          Phase = "cache"
	MediaAnalysis  Phase = "media_analysis"
	Understanding  Phase = "understanding"
	Categorization Phase = "categorization"
	KBGeneration   Phase = "kb_generation"
	Embedding      Phase = "embedding"
	Synthesis      Phase = "synthesis"
	Publication    Phase = "publication"
)

// order is the declared order. NextEligible walks it front to back.
var order = []Phase{
	Fetch,
	Cache,
	MediaAnalysis,
	Understanding,
	Categorization,
	KBGeneration,
	Embedding,
	Synthesis,
	Publication,
}

// prerequisites lists the direct dependencies of each phase. Embedding and
// synthesis both hang off kb_generation and do not depend on each other.
var prerequisites = map[Phase][]Phase{
	Fetch:          nil,
	Cache:          {Fetch},
	MediaAnalysis:  {Cache},
	Understanding:  {MediaAnalysis},
	Categorization: {Understanding},
	KBGeneration:   {Categorization},
	Embedding:      {KBGeneration},
	Synthesis:      {KBGeneration},
	Publication:    {Embedding, Synthesis},
}

var aliases = map[string]Phase{
	"embeddings":            Embedding,
	"media":                 MediaAnalysis,
	"content_understood":    Understanding,
	"content_understanding": Understanding,
	"kb":                    KBGeneration,
	"publish":               Publication,
}

// All returns every phase in declared order.
func All() []Phase {
	return append([]Phase(nil), order...)
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := prerequisites[p]
	return ok
}

func (p Phase) String() string { return string(p) }

// Parse resolves a phase name, accepting a few legacy aliases.
func Parse(value string) (Phase, error) {
	name := strings.ToLower(strings.TrimSpace(value))
	if p := Phase(name); p.Valid() {
		return p, nil
	}
	if p, ok := aliases[name]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", value)
}

// Prerequisites returns the direct dependencies of p.
func Prerequisites(p Phase) []Phase {
	return append([]Phase(nil), prerequisites[p]...)
}

// Ancestors returns every phase p transitively depends on, in declared order.
func Ancestors(p Phase) []Phase {
	seen := map[Phase]bool{}
	var walk func(Phase)
	walk = func(cur Phase) {
		for _, dep := range prerequisites[cur] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(p)
	return inOrder(seen)
}

// Downstream returns every phase that transitively depends on p, in declared
// order. Used only by explicit pipeline re-entry.
func Downstream(p Phase) []Phase {
	seen := map[Phase]bool{}
	changed := true
	for changed {
		changed = false
		for _, candidate := range order {
			if seen[candidate] {
				continue
			}
			for _, dep := range prerequisites[candidate] {
				if dep == p || seen[dep] {
					seen[candidate] = true
					changed = true
					break
				}
			}
		}
	}
	return inOrder(seen)
}

func inOrder(set map[Phase]bool) []Phase {
	out := make([]Phase, 0, len(set))
	for _, p := range order {
		if set[p] {
			out = append(out, p)
		}
	}
	return out
}
