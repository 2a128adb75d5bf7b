package api

import (
	"cmp"
	"slices"
	"time"

	"kbforge/internal/content"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/tasks"
	"kbforge/internal/workflow"
)

// FromItem converts a content item to its API representation.
func FromItem(item *content.Item) Item {
	if item == nil {
		return Item{}
	}
	out := Item{
		ID:             item.ID,
		SourceID:       item.SourceID,
		Source:         item.Source,
		URL:            item.URL,
		Title:          item.Title,
		Completed:      phaseNames(item.Flags.Completed()),
		Reprocess:      phaseNames(item.Reprocess),
		MediaURLs:      item.MediaURLs,
		Category:       item.Category,
		Subcategory:    item.Subcategory,
		Understanding:  item.Understanding,
		KBText:         item.KBText,
		Synthesis:      item.Synthesis,
		EmbeddingModel: item.EmbeddingModel,
		EmbeddingCount: item.EmbeddingCount,
		PublishedPath:  item.PublishedPath,
		Revision:       item.Revision,
		CreatedAt:      FormatTime(item.CreatedAt),
		UpdatedAt:      FormatTime(item.UpdatedAt),
	}
	if len(item.LastErrors) > 0 {
		out.Errors = item.LastErrors
	}
	if next, ok := phase.NextEligible(item.PhaseState()); ok {
		out.NextPhase = string(next)
	}
	return out
}

// FromItems converts a slice of items.
func FromItems(items []*content.Item) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, FromItem(item))
	}
	return out
}

// FromTask converts an executor task to its API representation.
func FromTask(task *tasks.Task) Task {
	if task == nil {
		return Task{}
	}
	out := Task{
		ID:           task.ID,
		Kind:         task.Kind,
		Phase:        string(task.Phase),
		ItemID:       task.ItemID,
		Status:       string(task.Status),
		Params:       task.Params,
		Override:     task.Override,
		RetryCount:   task.RetryCount,
		MaxRetries:   task.MaxRetries,
		ErrorKind:    string(task.ErrorKind),
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    FormatTime(task.CreatedAt),
		StartedAt:    formatTimePtr(task.StartedAt),
		FinishedAt:   formatTimePtr(task.FinishedAt),
		Progress: TaskProgress{
			Current:    task.Progress.Current,
			Total:      task.Progress.Total,
			Percent:    task.Progress.Percent,
			Message:    task.Progress.Message,
			ETASeconds: task.Progress.ETASeconds,
			Details:    task.Progress.Details,
		},
	}
	if task.Status == tasks.StatusRetrying {
		out.NextAttemptAt = formatTimePtr(task.NextAttemptAt)
	}
	if res := task.Result; res != nil {
		out.Result = &TaskResult{
			Success:         res.Success,
			Data:            res.Data,
			Error:           res.Error,
			ErrorKind:       string(res.ErrorKind),
			ExecutionTimeMS: res.ExecutionTime.Milliseconds(),
			RetryCount:      res.RetryCount,
		}
	}
	return out
}

// FromTasks converts a slice of tasks.
func FromTasks(list []*tasks.Task) []Task {
	out := make([]Task, 0, len(list))
	for _, task := range list {
		if task == nil {
			continue
		}
		out = append(out, FromTask(task))
	}
	return out
}

// FromCategories converts the store's category listing.
func FromCategories(counts []content.CategoryCount) []Category {
	out := make([]Category, 0, len(counts))
	for _, c := range counts {
		out = append(out, Category{Name: c.Category, Items: c.Items})
	}
	return out
}

// FromResolution converts a router decision.
func FromResolution(res router.Resolution) *Resolution {
	return &Resolution{
		Backend: res.BackendName,
		Model:   res.Model,
		Source:  string(res.Source),
		Params:  res.Params,
	}
}

// FromStatusSummary converts a workflow status summary to API payload.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	wf := WorkflowStatus{
		Running:    summary.Running,
		LastError:  summary.LastError,
		LastScan:   formatTimePtr(summary.LastScan),
		Scheduled:  make(map[string]int64, len(summary.Scheduled)),
		Items:      summary.Items.Total,
		Completed:  make(map[string]int, len(summary.Items.Completed)),
		TaskCounts: make(map[string]int, len(summary.Tasks)),
	}
	for p, n := range summary.Scheduled {
		wf.Scheduled[string(p)] = n
	}
	for p, n := range summary.Items.Completed {
		wf.Completed[string(p)] = n
	}
	for status, n := range summary.Tasks {
		wf.TaskCounts[string(status)] = n
	}
	if len(summary.Backends) > 0 {
		wf.Backends = make([]BackendHealth, 0, len(summary.Backends))
		for _, b := range summary.Backends {
			wf.Backends = append(wf.Backends, BackendHealth{Name: b.Name, Ready: b.Ready, Detail: b.Detail})
		}
		slices.SortFunc(wf.Backends, func(a, b BackendHealth) int { return cmp.Compare(a.Name, b.Name) })
	}
	return wf
}

// FormatTime converts a time to RFC3339 or returns empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// ParseTime parses a timestamp produced by FormatTime. Invalid input yields
// the zero time.
func ParseTime(value string) time.Time {
	t, err := time.Parse(dateTimeFormat, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}

func phaseNames(phases []phase.Phase) []string {
	out := make([]string, 0, len(phases))
	for _, p := range phases {
		out = append(out, string(p))
	}
	return out
}
