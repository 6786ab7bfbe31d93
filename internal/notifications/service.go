package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"catsift/internal/config"
)

const userAgent = "catsift/0.1.0"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyTaskDeadLettered(ctx context.Context, marketplace, externalID, stage, cause string) error
	NotifyPipelineStarted(ctx context.Context) error
	NotifyPipelineStopped(ctx context.Context) error
	NotifyError(ctx context.Context, err error, where string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.NtfyTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
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

func (n *ntfyService) NotifyTaskDeadLettered(ctx context.Context, marketplace, externalID, stage, cause string) error {
	data := payload{
		title:    "catsift - Task Dead-Lettered",
		message:  fmt.Sprintf("%s/%s failed at %s: %s", marketplace, externalID, stage, strings.TrimSpace(cause)),
		tags:     []string{"catsift", "dead-letter", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyPipelineStarted(ctx context.Context) error {
	data := payload{
		title:   "catsift - Started",
		message: "Pipeline daemon started",
		tags:    []string{"catsift", "lifecycle"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyPipelineStopped(ctx context.Context) error {
	data := payload{
		title:   "catsift - Stopped",
		message: "Pipeline daemon stopped",
		tags:    []string{"catsift", "lifecycle"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, where string) error {
	builder := strings.Builder{}
	builder.WriteString("Error")
	if where = strings.TrimSpace(where); where != "" {
		builder.WriteString(" in ")
		builder.WriteString(where)
	}
	if err != nil {
		builder.WriteString(": ")
		builder.WriteString(err.Error())
	}
	data := payload{
		title:    "catsift - Error",
		message:  builder.String(),
		tags:     []string{"catsift", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "catsift - Test",
		message:  "Notification system test",
		tags:     []string{"catsift", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
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

type noopService struct{}

func (noopService) NotifyTaskDeadLettered(context.Context, string, string, string, string) error {
	return nil
}
func (noopService) NotifyPipelineStarted(context.Context) error       { return nil }
func (noopService) NotifyPipelineStopped(context.Context) error       { return nil }
func (noopService) NotifyError(context.Context, error, string) error  { return nil }
func (noopService) TestNotification(context.Context) error            { return nil }

// Noop returns a Service that drops every notification.
func Noop() Service { return noopService{} }
