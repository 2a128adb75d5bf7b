package phase

// Flags records which phases have completed for an item. Each flag is set only
// by its phase's successful commit.
type Flags struct {
	Fetched           bool `json:"fetched"`
	Cached            bool `json:"cached"`
	MediaAnalyzed     bool `json:"media_analyzed"`
	ContentUnderstood bool `json:"content_understood"`
	Categorized       bool `json:"categorized"`
	KBGenerated       bool `json:"kb_generated"`
	Embedded          bool `json:"embedded"`
	Synthesized       bool `json:"synthesized"`
	Published         bool `json:"published"`
}

func (f *Flags) field(p Phase) *bool {
	switch p {
	case Fetch:
		return &f.Fetched
	case Cache:
		return &f.Cached
	case MediaAnalysis:
		return &f.MediaAnalyzed
	case Understanding:
		return &f.ContentUnderstood
	case Categorization:
		return &f.Categorized
	case KBGeneration:
		return &f.KBGenerated
	case Embedding:
		return &f.Embedded
	case Synthesis:
		return &f.Synthesized
	case Publication:
		return &f.Published
	default:
		return nil
	}
}

// Done reports whether p's flag is set.
func (f Flags) Done(p Phase) bool {
	if ptr := f.field(p); ptr != nil {
		return *ptr
	}
	return false
}

// With returns a copy of f with p's flag set to value.
func (f Flags) With(p Phase, value bool) Flags {
	if ptr := f.field(p); ptr != nil {
		*ptr = value
	}
	return f
}

// Completed lists the phases whose flags are set, in declared order.
func (f Flags) Completed() []Phase {
	var out []Phase
	for _, p := range order {
		if f.Done(p) {
			out = append(out, p)
		}
	}
	return out
}

// Column returns the storage column for p's flag.
func Column(p Phase) string {
	switch p {
	case Fetch:
		return "fetched"
	case Cache:
		return "cached"
	case MediaAnalysis:
		return "media_analyzed"
	case Understanding:
		return "content_understood"
	case Categorization:
		return "categorized"
	case KBGeneration:
		return "kb_generated"
	case Embedding:
		return "embedded"
	case Synthesis:
		return "synthesized"
	case Publication:
		return "published"
	default:
		return ""
	}
}
