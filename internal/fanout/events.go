package fanout

import (
	"fmt"
	"strings"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventTaskProgress       EventType = "task_progress"
	EventTaskSucceeded      EventType = "task_succeeded"
	EventTaskFailed         EventType = "task_failed"
	EventTaskRetrying       EventType = "task_retrying"
	EventItemPhaseCompleted EventType = "item_phase_completed"
	// EventConfigurationError is an operator-facing event: a task could not
	// run because routing or backend configuration is wrong.
	EventConfigurationError EventType = "configuration_error"
)

// Progress is the progress snapshot carried by task events.
type Progress struct {
	Current    int64             `json:"current"`
	Total      int64             `json:"total"`
	Percent    float64           `json:"percent"`
	Status     string            `json:"status,omitempty"`
	Message    string            `json:"message,omitempty"`
	ETASeconds float64           `json:"eta_seconds,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// Event is one notification delivered to subscribers.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Channel   string    `json:"channel"`
	TaskID    string    `json:"task_id,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Status    string    `json:"status,omitempty"`
	Progress  *Progress `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Timestamp time.Time `json:"ts"`
}

const (
	GlobalChannel = "global"
	taskPrefix    = "task:"
	itemPrefix    = "item:"
)

// TaskChannel names the channel for one task.
func TaskChannel(id string) string { return taskPrefix + id }

// ItemChannel names the channel for one content item.
func ItemChannel(id string) string { return itemPrefix + id }

// ChannelsFor returns every channel an event about taskID/itemID belongs on.
func ChannelsFor(taskID, itemID string) []string {
	channels := []string{GlobalChannel}
	if taskID != "" {
		channels = append(channels, TaskChannel(taskID))
	}
	if itemID != "" {
		channels = append(channels, ItemChannel(itemID))
	}
	return channels
}

// ValidateChannel checks a channel name supplied by a client.
func ValidateChannel(name string) error {
	switch {
	case name == GlobalChannel:
		return nil
	case strings.HasPrefix(name, taskPrefix) && len(name) > len(taskPrefix):
		return nil
	case strings.HasPrefix(name, itemPrefix) && len(name) > len(itemPrefix):
		return nil
	default:
		return fmt.Errorf("invalid channel %q (want global, task:<id>, or item:<id>)", name)
	}
}
