package pipeline

// Prompt budgets in runes. Inputs longer than this are truncated before they
// reach the model.
const (
	maxTextForUnderstanding = 12000
	maxTextForKB            = 8000
	maxRelatedExcerpt       = 1200
	maxImagesPerRequest     = 4
	relatedCandidates       = 20
	relatedForSynthesis     = 5
)

const mediaAnalysisPrompt = `You describe images attached to a saved web bookmark.

For each image, state what it shows in one or two sentences. Call out diagrams,
charts, code screenshots and any readable text. Skip decorative images (logos,
avatars, spacers). Finish with one sentence on how the images relate to the
page title.

Respond in plain text. Do not speculate beyond what is visible.`

const understandingPrompt = `You read a saved web page and explain what it is about.

Write a concise summary (150-300 words) covering:
- the main topic and the problem it addresses
- key claims, techniques or findings
- who would find it useful

Use the image notes only when they add information. Respond in plain text.`

const categorizationPrompt = `You file knowledge base entries into a two-level taxonomy.

Pick a broad category (for example: programming, databases, infrastructure,
machine-learning, security, science, design, business, cooking) and a narrower
subcategory within it. Prefer an existing category from the list provided when
one fits.

You must respond ONLY with JSON: {"category": "...", "subcategory": "...", "reason": "brief explanation"}`

const kbGenerationPrompt = `You write knowledge base entries in Markdown.

Produce an entry with:
- a level-one heading with a clear title
- a short overview paragraph
- a "Key Points" section with bullet points
- a "Details" section expanding on techniques, examples or data
- a "Source" line with the original URL

Be factual and stay within the provided material. Do not wrap the answer in a
code fence.`

const synthesisPrompt = `You connect a knowledge base entry to related entries in the same category.

Write a short Markdown section (no top-level heading) that explains how the
entry relates to the others: shared ideas, disagreements, and which entry to
read for what. Refer to related entries by their titles.`
