package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kbforge/internal/config"
)

const userAgent = "kbforge/1.0"

// Service defines the operator alerts the daemon can raise.
type Service interface {
	NotifyConfigurationError(ctx context.Context, itemID, phase, message string) error
	NotifyTaskFailed(ctx context.Context, taskID, itemID, phase, errorKind, message string) error
	NotifyPublished(ctx context.Context, itemID string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg config.Notifications) Service {
	topic := strings.TrimSpace(cfg.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether svc delivers anything.
func Enabled(svc Service) bool {
	_, noop := svc.(noopService)
	return svc != nil && !noop
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyConfigurationError(ctx context.Context, itemID, phase, message string) error {
	return n.send(ctx, payload{
		title:    "KBForge - Configuration Error",
		message:  fmt.Sprintf("%s could not run for %s: %s", phaseLabel(phase), itemLabel(itemID), oneLine(message)),
		tags:     []string{"kbforge", "configuration", "alert"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyTaskFailed(ctx context.Context, taskID, itemID, phase, errorKind, message string) error {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s failed for %s", phaseLabel(phase), itemLabel(itemID))
	if errorKind = strings.TrimSpace(errorKind); errorKind != "" {
		fmt.Fprintf(&builder, " (%s)", errorKind)
	}
	builder.WriteString(": ")
	builder.WriteString(oneLine(message))
	if taskID = strings.TrimSpace(taskID); taskID != "" {
		fmt.Fprintf(&builder, "\nTask: %s", taskID)
	}
	return n.send(ctx, payload{
		title:   "KBForge - Task Failed",
		message: builder.String(),
		tags:    []string{"kbforge", "task", "failed"},
	})
}

func (n *ntfyService) NotifyPublished(ctx context.Context, itemID string) error {
	return n.send(ctx, payload{
		title:   "KBForge - Published",
		message: fmt.Sprintf("Knowledge base entry published: %s", itemLabel(itemID)),
		tags:    []string{"kbforge", "publication", "completed"},
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "KBForge - Test",
		message:  "Notification system test",
		tags:     []string{"kbforge", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func phaseLabel(phase string) string {
	phase = strings.TrimSpace(phase)
	if phase == "" {
		return "Task"
	}
	return strings.ReplaceAll(phase, "_", " ")
}

func itemLabel(itemID string) string {
	if itemID = strings.TrimSpace(itemID); itemID == "" {
		return "unknown item"
	}
	return "item " + itemID
}

// oneLine keeps alert bodies short on phone lock screens.
func oneLine(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "unknown error"
	}
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		message = message[:idx]
	}
	const limit = 300
	if runes := []rune(message); len(runes) > limit {
		message = string(runes[:limit]) + "..."
	}
	return message
}

type noopService struct{}

func (noopService) NotifyConfigurationError(context.Context, string, string, string) error {
	return nil
}

func (noopService) NotifyTaskFailed(context.Context, string, string, string, string, string) error {
	return nil
}

func (noopService) NotifyPublished(context.Context, string) error { return nil }
func (noopService) TestNotification(context.Context) error        { return nil }
