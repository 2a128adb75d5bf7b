// Package pipeline implements the per-phase handlers run by the task
// executor.
//
// Every handler is a tasks.Handler: it reads the item snapshot carried in the
// request, does its work, and returns artifacts. Handlers never write item
// state themselves; the executor commits the returned artifacts together with
// the phase flag in one conditional update.
//
// # Phases
//
//   - fetch: HTTP GET of the bookmark URL (or the inline payload for items
//     without one), page title and media URLs extracted with goquery.
//   - cache: HTML converted to Markdown (html-to-markdown, GFM plugin) and
//     Unicode-normalized into the derived text.
//   - media_analysis, understanding, categorization, kb_generation: chat
//     completions on the backend and model the router resolved.
//   - embedding: chunked embedding calls with a checkpoint between batches.
//   - synthesis: related items in the same category are ranked by TF-IDF
//     similarity and summarized together.
//   - publication: Markdown with YAML front matter written atomically into
//     the library directory.
//
// Errors carry services markers so the executor can decide between retry and
// terminal failure: upstream HTTP 408/429/5xx and network failures are
// transient, other upstream 4xx and unusable inputs are validation errors, and
// a resolved backend that cannot complete is a configuration error.
package pipeline
